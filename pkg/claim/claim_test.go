package claim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpal/paymentscheduler/pkg/logger"
	"github.com/blockpal/paymentscheduler/pkg/models"
	"github.com/blockpal/paymentscheduler/pkg/store"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func setup(t *testing.T, due time.Time) (*Manager, *store.MemoryStore, *time.Time) {
	st := store.NewMemoryStore()
	require.NoError(t, st.InsertSchedule(context.Background(), &models.ScheduledPayment{
		ID:              "p1",
		ChainID:         1,
		Frequency:       models.FrequencyDaily,
		Status:          models.StatusActive,
		NextExecutionAt: ptr(due),
		MaxExecutions:   5,
		CreatedAt:       now.Add(-time.Hour),
		UpdatedAt:       now.Add(-time.Hour),
	}))
	clock := now
	m := NewManager(st, 5*time.Minute, &logger.EmptyLogger{}).WithClock(func() time.Time { return clock })
	return m, st, &clock
}

func TestTryClaim(t *testing.T) {
	m, _, _ := setup(t, now.Add(-time.Minute))

	p, err := m.TryClaim(context.Background(), "p1", "w1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, p.Status)
	assert.Equal(t, "w1", p.ProcessingBy)
	assert.Equal(t, now, *p.ProcessingStarted)

	_, err = m.TryClaim(context.Background(), "p1", "w2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrLeaseConflict))
}

func TestTryClaimNotDue(t *testing.T) {
	m, _, _ := setup(t, now.Add(time.Minute))
	_, err := m.TryClaim(context.Background(), "p1", "w1")
	assert.True(t, errors.Is(err, models.ErrLeaseConflict))
}

func TestTryClaimUnknown(t *testing.T) {
	m, _, _ := setup(t, now)
	_, err := m.TryClaim(context.Background(), "missing", "w1")
	assert.True(t, errors.Is(err, models.ErrStore))
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	m, _, _ := setup(t, now.Add(-time.Minute))

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		losers  atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			_, err := m.TryClaim(context.Background(), "p1", worker)
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, models.ErrLeaseConflict):
				losers.Add(1)
			}
		}(fmt.Sprintf("w%d", i))
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(15), losers.Load())
}

func TestStaleLeaseIsReclaimed(t *testing.T) {
	m, _, clock := setup(t, now.Add(-time.Minute))
	_, err := m.TryClaim(context.Background(), "p1", "w1")
	require.NoError(t, err)

	*clock = now.Add(4 * time.Minute)
	_, err = m.TryClaim(context.Background(), "p1", "w2")
	assert.True(t, errors.Is(err, models.ErrLeaseConflict), "lease still live")

	*clock = now.Add(6 * time.Minute)
	p, err := m.TryClaim(context.Background(), "p1", "w2")
	require.NoError(t, err)
	assert.Equal(t, "w2", p.ProcessingBy)
	assert.Equal(t, now.Add(6*time.Minute), *p.ProcessingStarted)

	// the previous holder can no longer release it
	require.NoError(t, m.Release(context.Background(), "p1", "w1"))
	_, err = m.TryClaim(context.Background(), "p1", "w3")
	assert.True(t, errors.Is(err, models.ErrLeaseConflict))
}

func TestRelease(t *testing.T) {
	m, st, _ := setup(t, now.Add(-time.Minute))
	ctx := context.Background()
	_, err := m.TryClaim(ctx, "p1", "w1")
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, "p1", "w2"), "foreign release is a no-op")
	p, err := st.GetSchedule(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "w1", p.ProcessingBy)

	require.NoError(t, m.Release(ctx, "p1", "w1"))
	p, err = st.GetSchedule(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, p.Status)
	assert.Empty(t, p.ProcessingBy)
	assert.Nil(t, p.ProcessingStarted)

	_, err = m.TryClaim(ctx, "p1", "w2")
	assert.NoError(t, err, "released schedule is claimable again")
}

func TestClaimCancelled(t *testing.T) {
	m, st, _ := setup(t, now.Add(-time.Minute))
	ctx := context.Background()
	_, err := st.AtomicUpdate(ctx, "p1", store.Precondition{}, store.Patch{Status: store.Set(models.StatusCancelled), UpdatedAt: now}, nil)
	require.NoError(t, err)

	_, err = m.TryClaim(ctx, "p1", "w1")
	assert.True(t, errors.Is(err, models.ErrLeaseConflict))
}
