package listing

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"covermarket/internal/storage"
)

// Payload type ids carried by a fee-token transfer, keccak256 of their names.
var (
	PayTypeCreateRequest = crypto.Keccak256Hash([]byte("CREATE_COVER_REQUEST"))
	PayTypeCreateOffer   = crypto.Keccak256Hash([]byte("CREATE_COVER_OFFER"))
)

// Payment is a fee-token transfer with its decoded payload attached.
type Payment struct {
	From    common.Address
	Amount  *uint256.Int
	PayType common.Hash
	Request *CreateRequestInput
	Offer   *CreateOfferInput
}

// PaymentResult identifies the listing a payment created.
type PaymentResult struct {
	Type    storage.ListingType
	Request *storage.CoverRequest
	Offer   *storage.CoverOffer
}

// ID returns the created listing's id.
func (r PaymentResult) ID() uint64 {
	if r.Request != nil {
		return r.Request.ID
	}
	if r.Offer != nil {
		return r.Offer.ID
	}
	return 0
}

// HandlePayment dispatches a transfer-with-payload by its type id. The transferred
// amount is the listing fee received.
func (e *Engine) HandlePayment(ctx context.Context, p Payment) (PaymentResult, error) {
	switch p.PayType {
	case PayTypeCreateRequest:
		if p.Request == nil {
			return PaymentResult{}, fmt.Errorf("%w: missing request payload", ErrInvalidListing)
		}
		in := *p.Request
		in.FeeReceived = p.Amount
		req, err := e.CreateCoverRequest(ctx, p.From, in)
		if err != nil {
			return PaymentResult{}, err
		}
		return PaymentResult{Type: storage.ListingRequest, Request: &req}, nil
	case PayTypeCreateOffer:
		if p.Offer == nil {
			return PaymentResult{}, fmt.Errorf("%w: missing offer payload", ErrInvalidListing)
		}
		in := *p.Offer
		in.FeeReceived = p.Amount
		offer, err := e.CreateCoverOffer(ctx, p.From, in)
		if err != nil {
			return PaymentResult{}, err
		}
		return PaymentResult{Type: storage.ListingOffer, Offer: &offer}, nil
	default:
		return PaymentResult{}, fmt.Errorf("%w: %s", ErrUnknownPayType, p.PayType.Hex())
	}
}
