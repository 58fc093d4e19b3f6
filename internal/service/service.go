package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"covermarket/internal/claim"
	"covermarket/internal/config"
	"covermarket/internal/logging"
	"covermarket/internal/scheduler"
	"covermarket/internal/storage"
)

// ClaimKeeper is the part of the claim engine the keeper drives.
type ClaimKeeper interface {
	ValidateAllPendingClaims(ctx context.Context, listingType storage.ListingType) (claim.ValidationReport, error)
	WithdrawExpiredPayout(ctx context.Context, caller common.Address) (claim.SweepResult, error)
}

var _ ClaimKeeper = (*claim.Engine)(nil)

// TickStats summarises one keeper tick.
type TickStats struct {
	Resolved int
	Deferred int
	Failed   int
	Swept    int
}

// Service resolves pending claims and sweeps expired payouts on a schedule.
type Service struct {
	scheduler *scheduler.Scheduler
	claims    ClaimKeeper
	devWallet common.Address
	logger    zerolog.Logger

	locker  storage.AdvisoryLocker
	lockKey int64
}

// New constructs the keeper service. store may be nil or lack advisory locks,
// in which case every tick runs unguarded.
func New(cfg *config.Config, sched *scheduler.Scheduler, claims ClaimKeeper, store storage.Store, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler: sched,
		claims:    claims,
		devWallet: cfg.Fee.DevWallet,
		logger:    logging.Component(logger, "keeper"),
		locker:    locker,
		lockKey:   cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run begins the aligned keeper loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, tick time.Time) error {
		_, err := s.ProcessTick(ctx, tick)
		return err
	})
}

// ProcessTick 执行单次 keeper 任务：结算待定索赔并清扫过期赔付。
func (s *Service) ProcessTick(ctx context.Context, tick time.Time) (TickStats, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return TickStats{}, err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip tick because advisory lock held elsewhere")
		return TickStats{}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeTick(ctx, tick), nil
}

func (s *Service) executeTick(ctx context.Context, tick time.Time) TickStats {
	var stats TickStats
	for _, lt := range []storage.ListingType{storage.ListingRequest, storage.ListingOffer} {
		report, err := s.claims.ValidateAllPendingClaims(ctx, lt)
		if err != nil {
			s.logger.Error().Err(err).Time("tick", tick).Str("listing_type", lt.String()).Msg("pending claim validation incomplete")
		}
		stats.Resolved += len(report.Resolved)
		stats.Deferred += report.Deferred
		stats.Failed += report.Failed
	}

	if s.devWallet != (common.Address{}) {
		swept, err := s.claims.WithdrawExpiredPayout(ctx, s.devWallet)
		switch {
		case errors.Is(err, claim.ErrNothingToRefund):
		case err != nil:
			s.logger.Error().Err(err).Time("tick", tick).Msg("failed to sweep expired payouts")
		default:
			stats.Swept = len(swept.Claims)
		}
	}

	s.logger.Info().Time("tick", tick).
		Int("resolved", stats.Resolved).
		Int("deferred", stats.Deferred).
		Int("failed", stats.Failed).
		Int("swept", stats.Swept).
		Msg("keeper tick complete")
	return stats
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
