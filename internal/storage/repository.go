package storage

import (
	"context"
	"errors"

	"covermarket/internal/currency"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrDuplicateWithdrawal is returned when (kind, ref) was already withdrawn.
	ErrDuplicateWithdrawal = errors.New("storage: withdrawal already recorded")
)

// ListingRepo persists requests and offers.
type ListingRepo interface {
	InsertRequest(ctx context.Context, req *CoverRequest) error
	GetRequest(ctx context.Context, id uint64) (CoverRequest, error)
	ListRequests(ctx context.Context, filter ListingFilter) ([]CoverRequest, error)
	InsertOffer(ctx context.Context, offer *CoverOffer) error
	GetOffer(ctx context.Context, id uint64) (CoverOffer, error)
	ListOffers(ctx context.Context, filter ListingFilter) ([]CoverOffer, error)
}

// BookingRepo persists funding contributions.
type BookingRepo interface {
	InsertBooking(ctx context.Context, booking *Booking) error
	GetBooking(ctx context.Context, id uint64) (Booking, error)
	ListBookings(ctx context.Context, filter BookingFilter) ([]Booking, error)
}

// CoverRepo persists activated covers.
type CoverRepo interface {
	InsertCover(ctx context.Context, cover *Cover) error
	GetCover(ctx context.Context, id uint64) (Cover, error)
	ListCovers(ctx context.Context, filter CoverFilter) ([]Cover, error)
}

// ClaimRepo persists claims.
type ClaimRepo interface {
	InsertClaim(ctx context.Context, claim *Claim) error
	UpdateClaim(ctx context.Context, claim Claim) error
	GetClaim(ctx context.Context, id uint64) (Claim, error)
	ListClaims(ctx context.Context, filter ClaimFilter) ([]Claim, error)
}

// WithdrawalRepo persists releases of funds.
type WithdrawalRepo interface {
	InsertWithdrawal(ctx context.Context, w *Withdrawal) error
	HasWithdrawal(ctx context.Context, kind WithdrawalKind, refID uint64) (bool, error)
	ListWithdrawals(ctx context.Context, limit int) ([]Withdrawal, error)
}

// Tx is the repository view available inside one serialized unit of work.
// Token balances live in the same unit, so a transfer commits or rolls back
// together with the records that justify it.
type Tx interface {
	ListingRepo
	BookingRepo
	CoverRepo
	ClaimRepo
	WithdrawalRepo
	currency.Book
}

// Store runs units of work. Atomic serializes every writer and discards all
// writes when fn returns an error; View runs fn against a consistent read.
type Store interface {
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}
