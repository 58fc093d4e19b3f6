package claim

import (
	"errors"

	"covermarket/internal/revert"
)

// Rejections raised by the claim and refund lifecycle.
var (
	ErrNotHolder             = revert.New("ERR_CLG_1", revert.ClassAuthorization, "caller is not the cover holder")
	ErrCoverNotStarted       = revert.New("ERR_CLG_2", revert.ClassTemporal, "cover has not started")
	ErrCoverNotActive        = revert.New("ERR_CLG_3", revert.ClassTemporal, "cover has ended")
	ErrDuplicateClaim        = revert.New("ERR_CLG_4", revert.ClassInput, "cover already claimed at or after this round")
	ErrRoundOutsideCover     = revert.New("ERR_CLG_5", revert.ClassTemporal, "round is outside the cover period")
	ErrRoundNotFound         = revert.New("ERR_CLG_6", revert.ClassOracle, "round not found in price feed")
	ErrTooEarly              = revert.New("ERR_CLG_7", revert.ClassTemporal, "monitoring period has not elapsed")
	ErrClaimResolved         = revert.New("ERR_CLG_8", revert.ClassTemporal, "claim already resolved")
	ErrPayoutExpired         = revert.New("ERR_CLG_9", revert.ClassTemporal, "payout period has elapsed")
	ErrUnauthorized          = revert.New("ERR_CLG_12", revert.ClassAuthorization, "caller does not own this position")
	ErrPremiumCollected      = revert.New("ERR_CLG_13", revert.ClassTemporal, "premium already collected")
	ErrPremiumNotCollectable = revert.New("ERR_CLG_14", revert.ClassInput, "premium of offer covers is paid at purchase")
	ErrPremiumRefunded       = revert.New("ERR_CLG_15", revert.ClassTemporal, "premium already refunded")
	ErrRefundTooEarly        = revert.New("ERR_CLG_16", revert.ClassTemporal, "request has not expired")
	ErrOfferNotExpired       = revert.New("ERR_CLG_19", revert.ClassTemporal, "offer has not expired")
	ErrActiveCovers          = revert.New("ERR_CLG_20", revert.ClassTemporal, "covers are still running")
	ErrPendingClaims         = revert.New("ERR_CLG_21", revert.ClassTemporal, "claims are still pending")
	ErrAlreadyRefunded       = revert.New("ERR_CLG_22", revert.ClassTemporal, "deposit already refunded")
	ErrRequestNotExpired     = revert.New("ERR_CLG_24", revert.ClassTemporal, "request has not expired and never reached its target")
	ErrCoverNotEnded         = revert.New("ERR_CLG_25", revert.ClassTemporal, "cover has not ended")
	ErrNothingToRefund       = revert.New("ERR_CLG_26", revert.ClassCapacity, "nothing to withdraw")
	ErrDevOnly               = revert.New("ERR_CLG_27", revert.ClassAuthorization, "only the dev wallet may sweep payouts")
	ErrOracleUnavailable     = revert.New("ERR_CLG_29", revert.ClassOracle, "price feed unavailable")
)

// skippable reports whether a collective operation should pass over an item
// rejected with err instead of failing the whole call.
func skippable(err error) bool {
	for _, target := range []error{ErrRequestNotExpired, ErrCoverNotEnded, ErrOfferNotExpired, ErrActiveCovers, ErrNothingToRefund, ErrRefundTooEarly, ErrCoverNotStarted} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
