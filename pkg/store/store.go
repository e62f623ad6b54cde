// Package store persists scheduled payments and their execution records.
// Every mutation of a schedule goes through AtomicUpdate, a single conditional
// write that is the only coordination point between workers.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/blockpal/paymentscheduler/pkg/models"
)

var (
	// ErrNotFound is returned when the schedule does not exist
	ErrNotFound = errors.New("schedule not found")
	// ErrConflict is returned when an AtomicUpdate precondition does not hold
	ErrConflict = errors.New("precondition failed")
	// ErrDuplicateExecution is returned when a completed record already exists
	// for the same schedule occurrence
	ErrDuplicateExecution = errors.New("execution already recorded for occurrence")
)

// Store is the persistence contract used by the scheduler
type Store interface {
	InsertSchedule(ctx context.Context, p *models.ScheduledPayment) error
	GetSchedule(ctx context.Context, id string) (*models.ScheduledPayment, error)
	FindSchedules(ctx context.Context, f ScheduleFilter, limit int) ([]models.ScheduledPayment, error)
	CountSchedules(ctx context.Context, f ScheduleFilter) (int, error)

	// AtomicUpdate applies patch to the schedule only if pre holds at write
	// time. When rec is non-nil it is inserted in the same atomic step.
	AtomicUpdate(ctx context.Context, id string, pre Precondition, patch Patch, rec *models.ExecutionRecord) (*models.ScheduledPayment, error)

	FindExecutions(ctx context.Context, f ExecutionFilter) ([]models.ExecutionRecord, error)
	CountExecutions(ctx context.Context, f ExecutionFilter) (int, error)

	Close() error
}

// ScheduleFilter selects schedules. Zero-valued fields do not constrain.
type ScheduleFilter struct {
	IDs      []string
	Statuses []models.Status
	OwnerID  string
	ChainID  int

	DueBefore *time.Time // next_execution_at <= DueBefore
	DueAfter  *time.Time // next_execution_at > DueAfter

	// LeaseFreeOrStale matches records without a lease, or whose lease
	// started before this time.
	LeaseFreeOrStale *time.Time
	// LastExecutedBefore matches records never executed, or last executed
	// before this time.
	LastExecutedBefore *time.Time
	// SettledBefore matches records created and updated before this time.
	SettledBefore *time.Time
}

// Matches evaluates the filter against a record
func (f ScheduleFilter) Matches(p *models.ScheduledPayment) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, p.ID) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, p.Status) {
		return false
	}
	if f.OwnerID != "" && p.OwnerID != f.OwnerID {
		return false
	}
	if f.ChainID != 0 && p.ChainID != f.ChainID {
		return false
	}
	if f.DueBefore != nil && (p.NextExecutionAt == nil || p.NextExecutionAt.After(*f.DueBefore)) {
		return false
	}
	if f.DueAfter != nil && (p.NextExecutionAt == nil || !p.NextExecutionAt.After(*f.DueAfter)) {
		return false
	}
	if f.LeaseFreeOrStale != nil && p.HasLease() && !p.ProcessingStarted.Before(*f.LeaseFreeOrStale) {
		return false
	}
	if f.LastExecutedBefore != nil && p.LastExecutionAt != nil && !p.LastExecutionAt.Before(*f.LastExecutedBefore) {
		return false
	}
	if f.SettledBefore != nil && (!p.CreatedAt.Before(*f.SettledBefore) || !p.UpdatedAt.Before(*f.SettledBefore)) {
		return false
	}
	return true
}

// Precondition guards an AtomicUpdate. The update applies when the record is
// in one of Statuses (held by Holder, if set) and due by DueBy (if set), or,
// when StaleLeaseBefore is set, when it is processing under a lease started
// before that time.
type Precondition struct {
	Statuses         []models.Status
	Holder           *string
	DueBy            *time.Time
	StaleLeaseBefore *time.Time
}

// Holds evaluates the precondition against the current record
func (pre Precondition) Holds(p *models.ScheduledPayment) bool {
	if pre.DueBy != nil && (p.NextExecutionAt == nil || p.NextExecutionAt.After(*pre.DueBy)) {
		return false
	}
	regular := len(pre.Statuses) == 0 || containsStatus(pre.Statuses, p.Status)
	if regular && pre.Holder != nil {
		regular = p.ProcessingBy == *pre.Holder
	}
	if regular {
		return true
	}
	return pre.StaleLeaseBefore != nil &&
		p.Status == models.StatusProcessing &&
		p.ProcessingStarted != nil &&
		p.ProcessingStarted.Before(*pre.StaleLeaseBefore)
}

// Field is an optional patch value
type Field[T any] struct {
	Set   bool
	Value T
}

// Set builds a field that will be written
func Set[T any](v T) Field[T] {
	return Field[T]{Set: true, Value: v}
}

// Patch lists the columns an AtomicUpdate writes. UpdatedAt is always written.
type Patch struct {
	Status            Field[models.Status]
	NextExecutionAt   Field[*time.Time]
	OccurrenceAt      Field[*time.Time]
	ExecutedCount     Field[int]
	ProcessingBy      Field[string]
	ProcessingStarted Field[*time.Time]
	RetryCount        Field[int]
	LastError         Field[string]
	LastTxHash        Field[string]
	FailedAt          Field[*time.Time]
	LastExecutionAt   Field[*time.Time]
	CompletedAt       Field[*time.Time]
	UpdatedAt         time.Time
}

// ClearLease sets the lease fields to empty
func (patch *Patch) ClearLease() {
	patch.ProcessingBy = Set("")
	patch.ProcessingStarted = Set[*time.Time](nil)
}

// Apply writes the patch onto p
func (patch Patch) Apply(p *models.ScheduledPayment) {
	if patch.Status.Set {
		p.Status = patch.Status.Value
	}
	if patch.NextExecutionAt.Set {
		p.NextExecutionAt = copyTime(patch.NextExecutionAt.Value)
	}
	if patch.OccurrenceAt.Set {
		p.OccurrenceAt = copyTime(patch.OccurrenceAt.Value)
	}
	if patch.ExecutedCount.Set {
		p.ExecutedCount = patch.ExecutedCount.Value
	}
	if patch.ProcessingBy.Set {
		p.ProcessingBy = patch.ProcessingBy.Value
	}
	if patch.ProcessingStarted.Set {
		p.ProcessingStarted = copyTime(patch.ProcessingStarted.Value)
	}
	if patch.RetryCount.Set {
		p.RetryCount = patch.RetryCount.Value
	}
	if patch.LastError.Set {
		p.LastError = patch.LastError.Value
	}
	if patch.LastTxHash.Set {
		p.LastTxHash = patch.LastTxHash.Value
	}
	if patch.FailedAt.Set {
		p.FailedAt = copyTime(patch.FailedAt.Value)
	}
	if patch.LastExecutionAt.Set {
		p.LastExecutionAt = copyTime(patch.LastExecutionAt.Value)
	}
	if patch.CompletedAt.Set {
		p.CompletedAt = copyTime(patch.CompletedAt.Value)
	}
	p.UpdatedAt = patch.UpdatedAt
}

// ExecutionFilter selects execution records
type ExecutionFilter struct {
	ScheduleID string
	Occurrence *time.Time
	Status     models.ExecutionStatus
	TxHash     string
}

// Matches evaluates the filter against a record
func (f ExecutionFilter) Matches(r *models.ExecutionRecord) bool {
	if f.ScheduleID != "" && r.ScheduleID != f.ScheduleID {
		return false
	}
	if f.Occurrence != nil && !r.Occurrence.Equal(*f.Occurrence) {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.TxHash != "" && !strings.EqualFold(r.TxHash, f.TxHash) {
		return false
	}
	return true
}

func containsStatus(list []models.Status, s models.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
