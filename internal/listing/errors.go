package listing

import "covermarket/internal/revert"

// Protocol rejections raised by the matching engine.
var (
	ErrInvalidListing       = revert.New("ERR_LG_1", revert.ClassInput, "invalid listing data")
	ErrInvalidTargetSum     = revert.New("ERR_LG_2", revert.ClassCapacity, "insured sum target inconsistent with insured sum and rule")
	ErrInsufficientFee      = revert.New("ERR_AUTH_4", revert.ClassCapacity, "listing fee received is below the required amount")
	ErrUnknownPayType       = revert.New("ERR_LG_3", revert.ClassInput, "unknown payload type")
	ErrInvalidAttestation   = revert.New("ERR_LG_4", revert.ClassInput, "price attestation rejected")
	ErrListingExpired       = revert.New("ERR_CG_2", revert.ClassTemporal, "listing expired")
	ErrInsufficientCapacity = revert.New("ERR_CG_4", revert.ClassCapacity, "insufficient remaining capacity")
	ErrCoverMonthsTooShort  = revert.New("ERR_CG_5", revert.ClassInput, "cover months below the offer minimum")
	ErrMustTakeFullAmount   = revert.New("ERR_CG_6", revert.ClassCapacity, "full offers must be taken whole")
	ErrSelfFunding          = revert.New("ERR_CG_7", revert.ClassAuthorization, "listing owner cannot take its own listing")
	ErrBelowPartialMinimum  = revert.New("ERR_CG_8", revert.ClassCapacity, "first funding below the partial minimum")
	ErrInvalidCoverQty      = revert.New("ERR_CLG_28", revert.ClassCapacity, "invalid cover quantity format")
	ErrReferencePrice       = revert.New("ERR_LG_5", revert.ClassOracle, "reference price unavailable")
)
