package app

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	apperrors "github.com/louisbranch/grouporder/internal/platform/errors"
)

// Supervisor defaults.
const (
	DefaultSweepInterval = 30 * time.Second
	DefaultSweepBatch    = 100
	maxBatchesPerSweep   = 20
)

// Supervisor periodically expires active sessions past their deadline.
type Supervisor struct {
	svc      *Service
	clock    clock.Clock
	interval time.Duration
	batch    int
	logger   *zap.Logger
}

// NewSupervisor builds a supervisor sharing the service's store and clock.
func NewSupervisor(svc *Service, interval time.Duration, batch int) *Supervisor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if batch <= 0 {
		batch = DefaultSweepBatch
	}
	return &Supervisor{
		svc:      svc,
		clock:    svc.clock,
		interval: interval,
		batch:    batch,
		logger:   svc.logger.Named("supervisor"),
	}
}

// Run sweeps every interval until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	timer := s.clock.NewTimer(s.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.Chan():
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("expiry sweep", zap.Error(err))
			}
			timer.Reset(s.interval)
		}
	}
}

// Sweep expires every overdue session and returns how many it closed.
// Sessions that fail to expire are logged and left for the next sweep; ones
// already closed by another path are not counted.
func (s *Supervisor) Sweep(ctx context.Context) (int, error) {
	expired := 0
	for range maxBatchesPerSweep {
		due, err := s.svc.store.ListExpiredSessions(ctx, s.svc.now(), s.batch)
		if err != nil {
			return expired, fmt.Errorf("list expired sessions: %w", err)
		}
		skipped := 0
		for _, sess := range due {
			_, transitioned, err := s.svc.Expire(ctx, sess.ID)
			if err != nil {
				if ctx.Err() != nil {
					return expired, ctx.Err()
				}
				skipped++
				if !apperrors.HasCode(err, apperrors.CodeNotFound) {
					s.logger.Warn("expire session", zap.String("session_id", sess.ID), zap.Error(err))
				}
				continue
			}
			if !transitioned {
				skipped++
				continue
			}
			expired++
		}
		if len(due) < s.batch || skipped == len(due) {
			break
		}
	}
	return expired, nil
}
