// Package selector finds the scheduled payments that are due for execution.
package selector

import (
	"context"
	"time"

	"github.com/blockpal/paymentscheduler/pkg/logger"
	"github.com/blockpal/paymentscheduler/pkg/metrics"
	"github.com/blockpal/paymentscheduler/pkg/models"
	"github.com/blockpal/paymentscheduler/pkg/store"
)

// Reasons a record is dropped by the second pass
const (
	DropMaxExecutions = "max_executions"
	DropNotDue        = "not_due"
	DropLeased        = "leased"
	DropOnceExecuted  = "once_executed"
)

// Options holds the eligibility windows
type Options struct {
	// LeaseTTL is the age after which a processing lease may be reclaimed
	LeaseTTL time.Duration
	// MinExecutionInterval is the guard window after the last execution
	MinExecutionInterval time.Duration
	// SettleWindow is the age a record must reach after its last write
	SettleWindow time.Duration
}

// Selector selects due payments. It never writes.
type Selector struct {
	store  store.Store
	opts   Options
	logger logger.Logger
}

// NewSelector creates a new due-payment selector
func NewSelector(st store.Store, opts Options, log logger.Logger) *Selector {
	return &Selector{store: st, opts: opts, logger: log}
}

// Filter returns the store pre-filter of records eligible at now
func (s *Selector) Filter(now time.Time) store.ScheduleFilter {
	staleBefore := now.Add(-s.opts.LeaseTTL)
	guard := now.Add(-s.opts.MinExecutionInterval)
	settled := now.Add(-s.opts.SettleWindow)
	return store.ScheduleFilter{
		Statuses:           []models.Status{models.StatusActive, models.StatusProcessing},
		DueBefore:          &now,
		LeaseFreeOrStale:   &staleBefore,
		LastExecutedBefore: &guard,
		SettledBefore:      &settled,
	}
}

// SelectDue returns up to limit payments due at now, oldest due time first
func (s *Selector) SelectDue(ctx context.Context, now time.Time, limit int) ([]models.ScheduledPayment, error) {
	candidates, err := s.store.FindSchedules(ctx, s.Filter(now), limit)
	if err != nil {
		return nil, models.NewPaymentError(models.KindStore, err, "failed to find due schedules")
	}

	due := make([]models.ScheduledPayment, 0, len(candidates))
	for i := range candidates {
		p := &candidates[i]
		if reason := s.drop(p, now); reason != "" {
			metrics.SelectorDrops.WithLabelValues(reason).Inc()
			s.logger.DebugWithChain(p.ChainID, "Skipping payment %s: %s", p.ID, reason)
			continue
		}
		due = append(due, *p)
	}
	metrics.DueSchedules.Set(float64(len(due)))
	return due, nil
}

// drop re-checks a candidate and returns why it is not executable
func (s *Selector) drop(p *models.ScheduledPayment, now time.Time) string {
	switch {
	case p.ExecutedCount >= p.MaxExecutions:
		return DropMaxExecutions
	case p.NextExecutionAt == nil || p.NextExecutionAt.After(now):
		return DropNotDue
	case p.Status == models.StatusProcessing && !p.LeaseStale(now, s.opts.LeaseTTL):
		return DropLeased
	case !p.Frequency.IsRecurring() && p.ExecutedCount > 0:
		return DropOnceExecuted
	}
	return ""
}
