// Package claim acquires and releases the processing lease of a schedule.
package claim

import (
	"context"
	"errors"
	"time"

	"github.com/blockpal/paymentscheduler/pkg/logger"
	"github.com/blockpal/paymentscheduler/pkg/metrics"
	"github.com/blockpal/paymentscheduler/pkg/models"
	"github.com/blockpal/paymentscheduler/pkg/store"
)

// DefaultLeaseTTL is the age after which a lease may be taken over
const DefaultLeaseTTL = 5 * time.Minute

// Manager hands out processing leases through the store's conditional update
type Manager struct {
	store  store.Store
	ttl    time.Duration
	logger logger.Logger
	now    func() time.Time
}

// NewManager creates a new claim manager
func NewManager(st store.Store, ttl time.Duration, log logger.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Manager{store: st, ttl: ttl, logger: log, now: time.Now}
}

// WithClock overrides the time source
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// TTL returns the lease time to live
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// TryClaim leases schedule id to workerID. It succeeds when the schedule is
// active and due, or processing under a lease older than the TTL. Losing the
// race returns a LeaseConflict.
func (m *Manager) TryClaim(ctx context.Context, id, workerID string) (*models.ScheduledPayment, error) {
	now := m.now().UTC()
	staleBefore := now.Add(-m.ttl)
	pre := store.Precondition{
		Statuses:         []models.Status{models.StatusActive},
		DueBy:            &now,
		StaleLeaseBefore: &staleBefore,
	}
	patch := store.Patch{
		Status:            store.Set(models.StatusProcessing),
		ProcessingBy:      store.Set(workerID),
		ProcessingStarted: store.Set(&now),
		UpdatedAt:         now,
	}

	claimed, err := m.store.AtomicUpdate(ctx, id, pre, patch, nil)
	switch {
	case err == nil:
		m.logger.Debug("Worker %s claimed payment %s", workerID, id)
		return claimed, nil
	case errors.Is(err, store.ErrConflict):
		metrics.LeaseConflicts.Inc()
		m.logger.Debug("Payment %s already claimed, skipping", id)
		return nil, models.NewPaymentError(models.KindLeaseConflict, err, "payment %s not claimable by %s", id, workerID)
	default:
		return nil, models.NewPaymentError(models.KindStore, err, "failed to claim payment %s", id)
	}
}

// Release returns a schedule leased by workerID to active without recording
// an outcome. It is a no-op when the lease is held by somebody else.
func (m *Manager) Release(ctx context.Context, id, workerID string) error {
	patch := store.Patch{
		Status:    store.Set(models.StatusActive),
		UpdatedAt: m.now().UTC(),
	}
	patch.ClearLease()
	pre := store.Precondition{
		Statuses: []models.Status{models.StatusProcessing},
		Holder:   &workerID,
	}

	_, err := m.store.AtomicUpdate(ctx, id, pre, patch, nil)
	switch {
	case err == nil:
		m.logger.Debug("Worker %s released payment %s", workerID, id)
		return nil
	case errors.Is(err, store.ErrConflict):
		return nil
	default:
		return models.NewPaymentError(models.KindStore, err, "failed to release payment %s", id)
	}
}
