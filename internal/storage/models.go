package storage

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"covermarket/internal/currency"
	"covermarket/internal/roundid"
)

// Amount pointers held by records are never mutated in place once stored.

var zeroAddress common.Address

// ListingType tells requests from offers.
type ListingType int

const (
	ListingRequest ListingType = 0
	ListingOffer   ListingType = 1
)

func (t ListingType) String() string {
	if t == ListingOffer {
		return "offer"
	}
	return "request"
}

// InsuredSumRule decides whether a listing can be funded in parts.
type InsuredSumRule int

const (
	RulePartial InsuredSumRule = 0
	RuleFull    InsuredSumRule = 1
)

func (r InsuredSumRule) String() string {
	if r == RuleFull {
		return "full"
	}
	return "partial"
}

// CoverLimit describes what a cover protects and where.
type CoverLimit struct {
	CoverType    uint8
	TerritoryIDs []uint16
}

// CoverRequest is a holder-initiated listing.
type CoverRequest struct {
	ID                 uint64
	Holder             common.Address
	CoinID             string
	InsuredSum         *uint256.Int
	InsuredSumTarget   *uint256.Int
	InsuredSumCurrency currency.ID
	PremiumSum         *uint256.Int
	PremiumCurrency    currency.ID
	CoverMonths        uint8
	ExpiredAt          time.Time
	Limit              CoverLimit
	Rule               InsuredSumRule
	ListingFee         *uint256.Int
	CreatedAt          time.Time
}

// CoverOffer is a funder-initiated listing.
type CoverOffer struct {
	ID                 uint64
	Funder             common.Address
	CoinID             string
	MinCoverMonths     uint8
	InsuredSum         *uint256.Int
	InsuredSumCurrency currency.ID
	CostPerMonth       *uint256.Int
	PremiumCurrency    currency.ID
	ExpiredAt          time.Time
	Limit              CoverLimit
	Rule               InsuredSumRule
	ListingFee         *uint256.Int
	CreatedAt          time.Time
}

// Booking is an append-only funding contribution.
type Booking struct {
	ID          uint64
	ListingType ListingType
	ListingID   uint64
	Provider    common.Address
	FundingSum  *uint256.Int
	CoverQty    *uint256.Int
	AssetPrice  *big.Int
	CreatedAt   time.Time
}

// Cover is an activated insurance position.
type Cover struct {
	ID                 uint64
	ListingType        ListingType
	ListingID          uint64
	BookingID          uint64
	CoinID             string
	Holder             common.Address
	Funder             common.Address
	InsuredSum         *uint256.Int
	InsuredSumCurrency currency.ID
	CoverQty           *uint256.Int
	CoverMonths        uint8
	PremiumSum         *uint256.Int
	PremiumCurrency    currency.ID
	StartAt            time.Time
	EndAt              time.Time
	CreatedAt          time.Time
}

// Active reports whether at falls inside [StartAt, EndAt).
func (c Cover) Active(at time.Time) bool {
	return !c.StartAt.IsZero() && !at.Before(c.StartAt) && at.Before(c.EndAt)
}

// ClaimState tracks a claim's resolution.
type ClaimState int

const (
	// ClaimPending waits for its monitoring period to elapse.
	ClaimPending ClaimState = iota
	// ClaimInvalid is terminal: no devaluation was confirmed.
	ClaimInvalid
	// ClaimValid is confirmed but not yet paid.
	ClaimValid
	// ClaimPaid has been paid to the holder.
	ClaimPaid
	// ClaimSwept was never collected and went to the dev wallet.
	ClaimSwept
)

func (s ClaimState) String() string {
	switch s {
	case ClaimPending:
		return "pending"
	case ClaimInvalid:
		return "invalid"
	case ClaimValid:
		return "valid"
	case ClaimPaid:
		return "paid"
	case ClaimSwept:
		return "swept"
	default:
		return "unknown"
	}
}

// Resolved reports whether no further transition is possible.
func (s ClaimState) Resolved() bool {
	return s == ClaimInvalid || s == ClaimPaid || s == ClaimSwept
}

// ConsumesCover reports whether a claim in this state has taken (or will take) a payout.
func (s ClaimState) ConsumesCover() bool {
	return s == ClaimValid || s == ClaimPaid || s == ClaimSwept
}

// Claim is a dispute against a cover at one price-feed round.
type Claim struct {
	ID             uint64
	BatchID        uuid.UUID
	CoverID        uint64
	ListingType    ListingType
	ListingID      uint64
	Holder         common.Address
	Funder         common.Address
	Round          roundid.ID
	EventAt        time.Time
	AssetPrice     *big.Int
	PriceDecimals  uint8
	Payout         *uint256.Int
	PayoutCurrency currency.ID
	State          ClaimState
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// WithdrawalKind names what a release of funds settled.
type WithdrawalKind string

const (
	WithdrawDepositRefund  WithdrawalKind = "deposit_refund"
	WithdrawOfferDeposit   WithdrawalKind = "offer_deposit"
	WithdrawPremiumCollect WithdrawalKind = "premium_collect"
	WithdrawPremiumRefund  WithdrawalKind = "premium_refund"
	WithdrawPayout         WithdrawalKind = "payout"
	WithdrawPayoutSweep    WithdrawalKind = "payout_sweep"
)

// Withdrawal is an append-only record of released funds, unique per (Kind, RefID).
type Withdrawal struct {
	ID        uint64
	Kind      WithdrawalKind
	RefID     uint64
	Account   common.Address
	Currency  currency.ID
	Amount    *uint256.Int
	DevFee    *uint256.Int
	CreatedAt time.Time
}

// ListingRef points at one request or offer.
type ListingRef struct {
	Type ListingType
	ID   uint64
}

// CoverFilter selects covers; zero-valued fields match anything.
type CoverFilter struct {
	Listing   *ListingRef
	BookingID uint64
	Holder    common.Address
	Funder    common.Address
}

// ClaimFilter selects claims; zero-valued fields match anything.
type ClaimFilter struct {
	CoverID     uint64
	ListingType *ListingType
	Holder      common.Address
	Funder      common.Address
	BatchID     uuid.UUID
	States      []ClaimState
}

// BookingFilter selects bookings; zero-valued fields match anything.
type BookingFilter struct {
	Listing  *ListingRef
	Type     *ListingType
	Provider common.Address
}

// ListingFilter selects requests or offers by owner; zero matches anything.
type ListingFilter struct {
	Owner common.Address
	Limit int
}

func (f ClaimFilter) matches(c Claim) bool {
	if f.CoverID != 0 && c.CoverID != f.CoverID {
		return false
	}
	if f.ListingType != nil && c.ListingType != *f.ListingType {
		return false
	}
	if f.Holder != (common.Address{}) && c.Holder != f.Holder {
		return false
	}
	if f.Funder != (common.Address{}) && c.Funder != f.Funder {
		return false
	}
	if f.BatchID != uuid.Nil && c.BatchID != f.BatchID {
		return false
	}
	if len(f.States) > 0 {
		for _, s := range f.States {
			if c.State == s {
				return true
			}
		}
		return false
	}
	return true
}

func (f CoverFilter) matches(c Cover) bool {
	if f.Listing != nil && (c.ListingType != f.Listing.Type || c.ListingID != f.Listing.ID) {
		return false
	}
	if f.BookingID != 0 && c.BookingID != f.BookingID {
		return false
	}
	if f.Holder != (common.Address{}) && c.Holder != f.Holder {
		return false
	}
	if f.Funder != (common.Address{}) && c.Funder != f.Funder {
		return false
	}
	return true
}

func (f BookingFilter) matches(b Booking) bool {
	if f.Listing != nil && (b.ListingType != f.Listing.Type || b.ListingID != f.Listing.ID) {
		return false
	}
	if f.Type != nil && b.ListingType != *f.Type {
		return false
	}
	if f.Provider != (common.Address{}) && b.Provider != f.Provider {
		return false
	}
	return true
}

// TypePtr is a convenience for filters.
func TypePtr(t ListingType) *ListingType { return &t }
