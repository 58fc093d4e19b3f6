package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"covermarket/internal/roundid"
)

// ErrNoData means the feed has no observation for the requested round.
var ErrNoData = errors.New("pricefeed: no data for round")

// Observation is one price report.
type Observation struct {
	Round     roundid.ID
	Answer    *big.Int
	Decimals  uint8
	StartedAt time.Time
	UpdatedAt time.Time
}

// Feed is a historical price-feed lookup.
type Feed interface {
	RoundData(ctx context.Context, round roundid.ID) (Observation, error)
	LatestRound(ctx context.Context) (Observation, error)
	Decimals(ctx context.Context) (uint8, error)
}

func usable(obs Observation) bool {
	return obs.Answer != nil && obs.Answer.Sign() > 0 && !obs.UpdatedAt.IsZero()
}

// Window walks up to before rounds backwards and after rounds forwards from
// center within center's phase, fetching each round on its own. Rounds the feed
// has no data for are left out; only a missing center round fails the lookup.
// The result is ordered by round, center included.
func Window(ctx context.Context, feed Feed, center roundid.ID, before, after int) ([]Observation, error) {
	mid, err := feed.RoundData(ctx, center)
	if err != nil {
		return nil, fmt.Errorf("round %s: %w", center, err)
	}
	if !usable(mid) {
		return nil, fmt.Errorf("round %s: %w", center, ErrNoData)
	}

	prior := make([]Observation, 0, before)
	for i := 1; i <= before; i++ {
		id, ok := center.Offset(-int64(i))
		if !ok {
			break
		}
		obs, err := lookup(ctx, feed, id)
		if err != nil {
			return nil, err
		}
		if obs != nil {
			prior = append(prior, *obs)
		}
	}

	window := make([]Observation, 0, len(prior)+1+after)
	for i := len(prior) - 1; i >= 0; i-- {
		window = append(window, prior[i])
	}
	window = append(window, mid)

	for i := 1; i <= after; i++ {
		id, ok := center.Offset(int64(i))
		if !ok {
			break
		}
		obs, err := lookup(ctx, feed, id)
		if err != nil {
			return nil, err
		}
		if obs != nil {
			window = append(window, *obs)
		}
	}
	return window, nil
}

func lookup(ctx context.Context, feed Feed, id roundid.ID) (*Observation, error) {
	obs, err := feed.RoundData(ctx, id)
	if errors.Is(err, ErrNoData) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("round %s: %w", id, err)
	}
	if !usable(obs) {
		return nil, nil
	}
	return &obs, nil
}
