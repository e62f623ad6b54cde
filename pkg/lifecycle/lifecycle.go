// Package lifecycle writes the outcome of an execution attempt back to the
// schedule. Every write is a single conditional update guarded by the
// worker's lease.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/blockpal/paymentscheduler/pkg/executor"
	"github.com/blockpal/paymentscheduler/pkg/logger"
	"github.com/blockpal/paymentscheduler/pkg/metrics"
	"github.com/blockpal/paymentscheduler/pkg/models"
	"github.com/blockpal/paymentscheduler/pkg/recurrence"
	"github.com/blockpal/paymentscheduler/pkg/retry"
	"github.com/blockpal/paymentscheduler/pkg/store"
)

// Writer applies execution outcomes to schedules
type Writer struct {
	store  store.Store
	logger logger.Logger
	now    func() time.Time
}

// NewWriter creates a new lifecycle writer
func NewWriter(st store.Store, log logger.Logger) *Writer {
	return &Writer{store: st, logger: log, now: time.Now}
}

// WithClock overrides the time source
func (w *Writer) WithClock(now func() time.Time) *Writer {
	w.now = now
	return w
}

// heldBy is the precondition of every outcome write
func heldBy(workerID string) store.Precondition {
	return store.Precondition{
		Statuses: []models.Status{models.StatusProcessing},
		Holder:   &workerID,
	}
}

// ApplySuccess settles p's current occurrence with a confirmed transfer
func (w *Writer) ApplySuccess(ctx context.Context, p *models.ScheduledPayment, workerID string, out *executor.Outcome) (*models.ScheduledPayment, error) {
	return w.Complete(ctx, p, workerID, out.Record(p, workerID, w.now().UTC()))
}

// Complete inserts rec and advances p in one atomic step. The schedule is
// completed when it has no further occurrence, reached its execution limit or
// the next occurrence lies beyond the horizon.
func (w *Writer) Complete(ctx context.Context, p *models.ScheduledPayment, workerID string, rec *models.ExecutionRecord) (*models.ScheduledPayment, error) {
	now := w.now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	executed := p.ExecutedCount + 1

	patch := store.Patch{
		ExecutedCount:   store.Set(executed),
		LastExecutionAt: store.Set(&now),
		OccurrenceAt:    store.Set[*time.Time](nil),
		RetryCount:      store.Set(0),
		LastError:       store.Set(""),
		LastTxHash:      store.Set(""),
		UpdatedAt:       now,
	}
	patch.ClearLease()

	done := !p.Frequency.IsRecurring() || executed >= p.MaxExecutions
	if !done {
		next, ok, err := recurrence.Next(rec.Occurrence, p.Frequency)
		switch {
		case err != nil:
			w.logger.ErrorWithChain(p.ChainID, "Payment %s has no next occurrence: %v", p.ID, err)
			done = true
		case !ok, recurrence.BeyondHorizon(now, next):
			done = true
		default:
			patch.Status = store.Set(models.StatusActive)
			patch.NextExecutionAt = store.Set(&next)
		}
	}
	if done {
		patch.Status = store.Set(models.StatusCompleted)
		patch.NextExecutionAt = store.Set[*time.Time](nil)
		patch.CompletedAt = store.Set(&now)
	}

	updated, err := w.write(ctx, p, workerID, patch, rec)
	if errors.Is(err, models.ErrLeaseConflict) {
		// a cancel clears the lease but the transfer still happened
		kept, cerr := w.recordCancelled(ctx, p, rec, now)
		if cerr != nil {
			return nil, cerr
		}
		if kept != nil {
			return kept, nil
		}
	}
	if err != nil {
		return nil, err
	}
	status := "completed"
	if rec.Recovered {
		status = "recovered"
	}
	metrics.PaymentsExecuted.WithLabelValues(strconv.Itoa(p.ChainID), status).Inc()
	if done {
		w.logger.NoticeWithChain(p.ChainID, "Payment %s completed after %d executions", p.ID, executed)
	} else {
		w.logger.InfoWithChain(p.ChainID, "Payment %s executed (%d/%d), next at %s",
			p.ID, executed, p.MaxExecutions, updated.NextExecutionAt.Format(time.RFC3339))
	}
	return updated, nil
}

// ApplyDecision writes a retry controller decision
func (w *Writer) ApplyDecision(ctx context.Context, p *models.ScheduledPayment, workerID string, d retry.Decision) (*models.ScheduledPayment, error) {
	now := w.now().UTC()
	patch := store.Patch{UpdatedAt: now}
	patch.ClearLease()

	switch d.Kind {
	case retry.DecisionRecoveredCompleted:
		return w.Complete(ctx, p, workerID, d.Record)

	case retry.DecisionRetry:
		next := now.Add(d.Delay)
		patch.Status = store.Set(models.StatusActive)
		patch.NextExecutionAt = store.Set(&next)
		patch.OccurrenceAt = store.Set(p.Occurrence())
		patch.RetryCount = store.Set(p.RetryCount + 1)
		patch.LastError = store.Set(errorText(d.Err))
		// the next attempt waits for this transaction instead of sending again
		hash := models.TxHashOf(d.Err)
		if hash == "" {
			hash = p.LastTxHash
		}
		patch.LastTxHash = store.Set(hash)
		metrics.PaymentsExecuted.WithLabelValues(strconv.Itoa(p.ChainID), "retry").Inc()

	case retry.DecisionPermanentlyFailed:
		patch.Status = store.Set(models.StatusFailed)
		patch.FailedAt = store.Set(&now)
		patch.LastError = store.Set(errorText(d.Err))
		if hash := models.TxHashOf(d.Err); hash != "" {
			patch.LastTxHash = store.Set(hash)
		}
		patch.NextExecutionAt = store.Set[*time.Time](nil)
		patch.OccurrenceAt = store.Set[*time.Time](nil)
		metrics.PaymentsExecuted.WithLabelValues(strconv.Itoa(p.ChainID), "failed").Inc()

	default:
		return nil, fmt.Errorf("unknown decision %q", d.Kind)
	}

	return w.write(ctx, p, workerID, patch, nil)
}

// Cancel moves an active or processing schedule to cancelled, whoever holds
// its lease
func (w *Writer) Cancel(ctx context.Context, id string) (*models.ScheduledPayment, error) {
	now := w.now().UTC()
	patch := store.Patch{
		Status:          store.Set(models.StatusCancelled),
		NextExecutionAt: store.Set[*time.Time](nil),
		OccurrenceAt:    store.Set[*time.Time](nil),
		UpdatedAt:       now,
	}
	patch.ClearLease()

	pre := store.Precondition{Statuses: []models.Status{models.StatusActive, models.StatusProcessing}}
	updated, err := w.store.AtomicUpdate(ctx, id, pre, patch, nil)
	switch {
	case errors.Is(err, store.ErrConflict):
		current, gerr := w.store.GetSchedule(ctx, id)
		if gerr != nil {
			return nil, models.NewPaymentError(models.KindStore, gerr, "failed to load schedule %s", id)
		}
		return nil, models.NewPaymentError(models.KindValidation, nil, "schedule %s is %s and cannot be cancelled", id, current.Status)
	case err != nil:
		return nil, err
	}
	w.logger.InfoWithChain(updated.ChainID, "Payment %s cancelled", id)
	return updated, nil
}

// recordCancelled keeps the transfer of an attempt whose schedule was
// cancelled while it ran. The execution is counted and the status stays
// cancelled. It returns nil, nil when the schedule is not cancelled.
func (w *Writer) recordCancelled(ctx context.Context, p *models.ScheduledPayment, rec *models.ExecutionRecord, now time.Time) (*models.ScheduledPayment, error) {
	current, err := w.store.GetSchedule(ctx, p.ID)
	if err != nil || current.Status != models.StatusCancelled {
		return nil, nil
	}

	patch := store.Patch{
		ExecutedCount:   store.Set(current.ExecutedCount + 1),
		LastExecutionAt: store.Set(&now),
		RetryCount:      store.Set(0),
		LastError:       store.Set(""),
		LastTxHash:      store.Set(""),
		UpdatedAt:       now,
	}
	pre := store.Precondition{Statuses: []models.Status{models.StatusCancelled}}
	updated, err := w.store.AtomicUpdate(ctx, p.ID, pre, patch, rec)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrConflict):
		return nil, nil
	case errors.Is(err, store.ErrDuplicateExecution):
		return nil, models.NewPaymentError(models.KindStore, err, "occurrence of %s already settled", p.ID)
	default:
		return nil, models.NewPaymentError(models.KindStore, err, "failed to record execution of cancelled %s", p.ID)
	}
	w.logger.NoticeWithChain(p.ChainID, "Payment %s was cancelled during execution, tx %s recorded", p.ID, rec.TxHash)
	return updated, nil
}

// write applies patch under this worker's lease. Losing the lease is a
// LeaseConflict, anything else a StoreError.
func (w *Writer) write(ctx context.Context, p *models.ScheduledPayment, workerID string, patch store.Patch, rec *models.ExecutionRecord) (*models.ScheduledPayment, error) {
	updated, err := w.store.AtomicUpdate(ctx, p.ID, heldBy(workerID), patch, rec)
	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, store.ErrConflict):
		metrics.LeaseConflicts.Inc()
		return nil, models.NewPaymentError(models.KindLeaseConflict, err, "lease on %s no longer held by %s", p.ID, workerID)
	case errors.Is(err, store.ErrDuplicateExecution):
		return nil, models.NewPaymentError(models.KindStore, err, "occurrence of %s already settled", p.ID)
	default:
		return nil, models.NewPaymentError(models.KindStore, err, "failed to update schedule %s", p.ID)
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
