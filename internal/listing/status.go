package listing

import (
	"context"
	"time"

	"github.com/holiman/uint256"

	"covermarket/internal/feemath"
	"covermarket/internal/storage"
)

// RequestStatus is derived from a request's bookings and the clock.
type RequestStatus string

const (
	RequestOpen                   RequestStatus = "open"
	RequestTargetReached          RequestStatus = "target_reached"
	RequestFullyFunded            RequestStatus = "fully_funded"
	RequestExpiredPartiallyFunded RequestStatus = "expired_partially_funded"
	RequestExpired                RequestStatus = "expired"
)

// OfferStatus is derived from an offer's bookings and the clock.
type OfferStatus string

const (
	OfferOpen           OfferStatus = "open"
	OfferPartiallyTaken OfferStatus = "partially_taken"
	OfferFullyTaken     OfferStatus = "fully_taken"
	OfferExpired        OfferStatus = "expired"
)

// RequestView is a request with its funding progress.
type RequestView struct {
	Request   storage.CoverRequest
	Funded    *uint256.Int
	Remaining *uint256.Int
	Status    RequestStatus
	Bookings  []storage.Booking
	Covers    []storage.Cover
}

// OfferView is an offer with its uptake.
type OfferView struct {
	Offer     storage.CoverOffer
	Taken     *uint256.Int
	Remaining *uint256.Int
	Status    OfferStatus
	Bookings  []storage.Booking
	Covers    []storage.Cover
}

func fundedBy(bookings []storage.Booking) (*uint256.Int, error) {
	amounts := make([]*uint256.Int, 0, len(bookings))
	for _, b := range bookings {
		amounts = append(amounts, b.FundingSum)
	}
	return feemath.Sum(amounts...)
}

func remainingOf(total, used *uint256.Int) *uint256.Int {
	if used.Cmp(total) >= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(total, used)
}

// DeriveRequestStatus classifies a request given what has been funded so far.
func DeriveRequestStatus(req storage.CoverRequest, funded *uint256.Int, now time.Time) RequestStatus {
	reached := !funded.IsZero() && funded.Cmp(req.InsuredSumTarget) >= 0
	switch {
	case funded.Cmp(req.InsuredSum) >= 0:
		return RequestFullyFunded
	case !now.Before(req.ExpiredAt) && reached:
		return RequestExpiredPartiallyFunded
	case !now.Before(req.ExpiredAt):
		return RequestExpired
	case reached:
		return RequestTargetReached
	default:
		return RequestOpen
	}
}

// DeriveOfferStatus classifies an offer given what has been taken so far.
func DeriveOfferStatus(offer storage.CoverOffer, taken *uint256.Int, now time.Time) OfferStatus {
	switch {
	case taken.Cmp(offer.InsuredSum) >= 0:
		return OfferFullyTaken
	case !now.Before(offer.ExpiredAt):
		return OfferExpired
	case !taken.IsZero():
		return OfferPartiallyTaken
	default:
		return OfferOpen
	}
}

// Request loads a request and its funding progress.
func (e *Engine) Request(ctx context.Context, id uint64) (RequestView, error) {
	var view RequestView
	err := e.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		v, err := e.requestView(ctx, tx, id)
		view = v
		return err
	})
	return view, err
}

// Offer loads an offer and its uptake.
func (e *Engine) Offer(ctx context.Context, id uint64) (OfferView, error) {
	var view OfferView
	err := e.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		v, err := e.offerView(ctx, tx, id)
		view = v
		return err
	})
	return view, err
}

func (e *Engine) requestView(ctx context.Context, tx storage.Tx, id uint64) (RequestView, error) {
	req, err := tx.GetRequest(ctx, id)
	if err != nil {
		return RequestView{}, err
	}
	ref := &storage.ListingRef{Type: storage.ListingRequest, ID: id}
	bookings, err := tx.ListBookings(ctx, storage.BookingFilter{Listing: ref})
	if err != nil {
		return RequestView{}, err
	}
	covers, err := tx.ListCovers(ctx, storage.CoverFilter{Listing: ref})
	if err != nil {
		return RequestView{}, err
	}
	funded, err := fundedBy(bookings)
	if err != nil {
		return RequestView{}, err
	}
	return RequestView{
		Request:   req,
		Funded:    funded,
		Remaining: remainingOf(req.InsuredSum, funded),
		Status:    DeriveRequestStatus(req, funded, e.now()),
		Bookings:  bookings,
		Covers:    covers,
	}, nil
}

func (e *Engine) offerView(ctx context.Context, tx storage.Tx, id uint64) (OfferView, error) {
	offer, err := tx.GetOffer(ctx, id)
	if err != nil {
		return OfferView{}, err
	}
	ref := &storage.ListingRef{Type: storage.ListingOffer, ID: id}
	bookings, err := tx.ListBookings(ctx, storage.BookingFilter{Listing: ref})
	if err != nil {
		return OfferView{}, err
	}
	covers, err := tx.ListCovers(ctx, storage.CoverFilter{Listing: ref})
	if err != nil {
		return OfferView{}, err
	}
	taken, err := fundedBy(bookings)
	if err != nil {
		return OfferView{}, err
	}
	return OfferView{
		Offer:     offer,
		Taken:     taken,
		Remaining: remainingOf(offer.InsuredSum, taken),
		Status:    DeriveOfferStatus(offer, taken, e.now()),
		Bookings:  bookings,
		Covers:    covers,
	}, nil
}
