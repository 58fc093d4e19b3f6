package revert

import "errors"

// Class groups protocol rejections by how a caller should react to them.
type Class int

const (
	// ClassInput covers malformed or inconsistent listing data.
	ClassInput Class = iota
	// ClassAuthorization means the caller does not own the listing, booking or claim.
	ClassAuthorization
	// ClassCapacity means the amount requested does not fit the remaining insured sum.
	ClassCapacity
	// ClassTemporal means a time window is not open yet or already closed.
	ClassTemporal
	// ClassOracle means price data could not be obtained for the requested round.
	ClassOracle
)

func (c Class) String() string {
	switch c {
	case ClassAuthorization:
		return "authorization"
	case ClassCapacity:
		return "capacity"
	case ClassTemporal:
		return "temporal"
	case ClassOracle:
		return "oracle"
	default:
		return "input"
	}
}

// Error is a protocol rejection carrying a stable reason code.
type Error struct {
	Code  string
	Class Class
	Msg   string
}

// New builds a reason-coded error. Compare returned values with errors.Is.
func New(code string, class Class, msg string) *Error {
	return &Error{Code: code, Class: class, Msg: msg}
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Msg
}

// CodeOf returns the reason code wrapped in err, or "" when err is not a protocol rejection.
func CodeOf(err error) string {
	var target *Error
	if errors.As(err, &target) {
		return target.Code
	}
	return ""
}

// ClassOf reports the class of a wrapped protocol rejection.
func ClassOf(err error) (Class, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target.Class, true
	}
	return ClassInput, false
}
