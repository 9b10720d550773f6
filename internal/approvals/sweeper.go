package approvals

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ExpiryReason is recorded on action logs the sweeper rejects.
const ExpiryReason = "approval request expired"

// sweeperDecider is the DecidedBy value for sweep rejections.
const sweeperDecider = "system:sweeper"

// Sweeper expires approval requests that have been pending longer than the
// configured TTL. Expiry goes through the normal reject path so the
// conversation is closed out the same way a human rejection would.
type Sweeper struct {
	handler  *Handler
	ttl      time.Duration
	schedule string
	logger   *slog.Logger

	cron *cron.Cron
}

// NewSweeper creates a sweeper over the given handler. schedule is a cron
// expression; ttl is how long an action may stay pending.
func NewSweeper(handler *Handler, schedule string, ttl time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		handler:  handler,
		ttl:      ttl,
		schedule: schedule,
		logger:   logger,
	}
}

// Start schedules periodic sweeps. It returns after the schedule is
// registered; sweeps run on the cron's goroutine.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.Sweep(ctx)
	}); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep performs one pass, rejecting every pending action older than the
// TTL. A conflict on an individual action means someone decided it between
// the listing and the reject; that is not an error.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.ttl)
	pending, err := s.handler.store.ListPendingActionLogsOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("sweep listing failed", "error", err)
		return
	}

	for _, log := range pending {
		err := s.handler.Reject(ctx, log.OrgID, log.ID, sweeperDecider, ExpiryReason)
		switch {
		case err == nil:
			s.logger.Info("expired pending action",
				"action_id", log.ID, "tool", log.ToolKey, "pending_since", log.CreatedAt)
		case IsConflict(err):
			// Decided concurrently; nothing to do.
		default:
			s.logger.Error("failed to expire pending action", "action_id", log.ID, "error", err)
		}
	}
}
