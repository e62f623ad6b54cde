package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/blockpal/paymentscheduler/pkg/models"
)

// MemoryStore is an in-process Store. A single mutex serialises every
// conditional update, which gives the same compare-and-set semantics as the
// Postgres backend.
type MemoryStore struct {
	mu         sync.Mutex
	schedules  map[string]*models.ScheduledPayment
	executions []models.ExecutionRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		schedules: make(map[string]*models.ScheduledPayment),
	}
}

func (m *MemoryStore) InsertSchedule(_ context.Context, p *models.ScheduledPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == "" {
		return fmt.Errorf("schedule id is required")
	}
	if _, exists := m.schedules[p.ID]; exists {
		return fmt.Errorf("schedule %s already exists", p.ID)
	}
	c := clone(p)
	m.schedules[p.ID] = c
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id string) (*models.ScheduledPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (m *MemoryStore) FindSchedules(_ context.Context, f ScheduleFilter, limit int) ([]models.ScheduledPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.ScheduledPayment
	for _, p := range m.schedules {
		if f.Matches(p) {
			out = append(out, *clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].NextExecutionAt, out[j].NextExecutionAt
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return out[i].ID < out[j].ID
		}
		return a.Before(*b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountSchedules(_ context.Context, f ScheduleFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, p := range m.schedules {
		if f.Matches(p) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AtomicUpdate(_ context.Context, id string, pre Precondition, patch Patch, rec *models.ExecutionRecord) (*models.ScheduledPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !pre.Holds(p) {
		return nil, ErrConflict
	}
	if rec != nil && rec.Status == models.ExecutionCompleted {
		for i := range m.executions {
			e := &m.executions[i]
			if e.ScheduleID == rec.ScheduleID && e.Status == models.ExecutionCompleted && e.Occurrence.Equal(rec.Occurrence) {
				return nil, ErrDuplicateExecution
			}
		}
	}

	patch.Apply(p)
	if rec != nil {
		m.executions = append(m.executions, *rec)
	}
	return clone(p), nil
}

func (m *MemoryStore) FindExecutions(_ context.Context, f ExecutionFilter) ([]models.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.ExecutionRecord
	for i := range m.executions {
		if f.Matches(&m.executions[i]) {
			out = append(out, m.executions[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExecutedAt.Before(out[j].ExecutedAt)
	})
	return out, nil
}

func (m *MemoryStore) CountExecutions(_ context.Context, f ExecutionFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for i := range m.executions {
		if f.Matches(&m.executions[i]) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func clone(p *models.ScheduledPayment) *models.ScheduledPayment {
	c := *p
	c.NextExecutionAt = copyTime(p.NextExecutionAt)
	c.OccurrenceAt = copyTime(p.OccurrenceAt)
	c.ProcessingStarted = copyTime(p.ProcessingStarted)
	c.FailedAt = copyTime(p.FailedAt)
	c.LastExecutionAt = copyTime(p.LastExecutionAt)
	c.CompletedAt = copyTime(p.CompletedAt)
	return &c
}
