package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpal/paymentscheduler/pkg/models"
)

var base = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func newSchedule(next time.Time) *models.ScheduledPayment {
	return &models.ScheduledPayment{
		ID:              uuid.NewString(),
		OwnerID:         "owner-1",
		ChainID:         1,
		SourceAddress:   "0x1111111111111111111111111111111111111111",
		Token:           models.Token{Symbol: "ETH", Decimals: 18},
		Recipient:       "0x2222222222222222222222222222222222222222",
		Amount:          "0.5",
		Frequency:       models.FrequencyMonthly,
		Status:          models.StatusActive,
		NextExecutionAt: ptr(next),
		MaxExecutions:   12,
		CreatedAt:       base.Add(-time.Hour),
		UpdatedAt:       base.Add(-time.Hour),
	}
}

func claimPre(now time.Time, ttl time.Duration) Precondition {
	return Precondition{
		Statuses:         []models.Status{models.StatusActive},
		DueBy:            ptr(now),
		StaleLeaseBefore: ptr(now.Add(-ttl)),
	}
}

func claimPatch(worker string, now time.Time) Patch {
	return Patch{
		Status:            Set(models.StatusProcessing),
		ProcessingBy:      Set(worker),
		ProcessingStarted: Set(ptr(now)),
		UpdatedAt:         now,
	}
}

// runStoreContract exercises the behaviour every Store backend must share
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, err := s.GetSchedule(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("insert and get", func(t *testing.T) {
		p := newSchedule(base)
		require.NoError(t, s.InsertSchedule(ctx, p))

		got, err := s.GetSchedule(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.Amount, got.Amount)
		assert.Equal(t, models.StatusActive, got.Status)
		assert.True(t, p.NextExecutionAt.Equal(*got.NextExecutionAt))
	})

	t.Run("atomic update respects precondition", func(t *testing.T) {
		p := newSchedule(base)
		require.NoError(t, s.InsertSchedule(ctx, p))

		updated, err := s.AtomicUpdate(ctx, p.ID, claimPre(base, time.Minute), claimPatch("w1", base), nil)
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, updated.Status)
		assert.Equal(t, "w1", updated.ProcessingBy)

		_, err = s.AtomicUpdate(ctx, p.ID, claimPre(base, time.Minute), claimPatch("w2", base), nil)
		assert.ErrorIs(t, err, ErrConflict)

		// lease older than ttl can be taken over
		later := base.Add(2 * time.Minute)
		updated, err = s.AtomicUpdate(ctx, p.ID, claimPre(later, time.Minute), claimPatch("w2", later), nil)
		require.NoError(t, err)
		assert.Equal(t, "w2", updated.ProcessingBy)
	})

	t.Run("not due cannot be claimed", func(t *testing.T) {
		p := newSchedule(base.Add(time.Hour))
		require.NoError(t, s.InsertSchedule(ctx, p))
		_, err := s.AtomicUpdate(ctx, p.ID, claimPre(base, time.Minute), claimPatch("w1", base), nil)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("last tx hash", func(t *testing.T) {
		p := newSchedule(base)
		p.LastTxHash = "0x01"
		require.NoError(t, s.InsertSchedule(ctx, p))

		got, err := s.GetSchedule(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "0x01", got.LastTxHash)

		updated, err := s.AtomicUpdate(ctx, p.ID, Precondition{}, Patch{LastTxHash: Set("0x02"), UpdatedAt: base}, nil)
		require.NoError(t, err)
		assert.Equal(t, "0x02", updated.LastTxHash)

		// untouched by patches that do not name it
		updated, err = s.AtomicUpdate(ctx, p.ID, Precondition{}, Patch{RetryCount: Set(1), UpdatedAt: base}, nil)
		require.NoError(t, err)
		assert.Equal(t, "0x02", updated.LastTxHash)
	})

	t.Run("update missing", func(t *testing.T) {
		_, err := s.AtomicUpdate(ctx, "missing", Precondition{}, Patch{UpdatedAt: base}, nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("one completed record per occurrence", func(t *testing.T) {
		p := newSchedule(base)
		require.NoError(t, s.InsertSchedule(ctx, p))

		rec := func() *models.ExecutionRecord {
			return &models.ExecutionRecord{
				ID:         uuid.NewString(),
				ScheduleID: p.ID,
				Occurrence: base,
				ChainID:    1,
				TxHash:     "0xAbC",
				Status:     models.ExecutionCompleted,
				ExecutorID: "w1",
				ExecutedAt: base,
			}
		}
		_, err := s.AtomicUpdate(ctx, p.ID, Precondition{}, Patch{ExecutedCount: Set(1), UpdatedAt: base}, rec())
		require.NoError(t, err)

		_, err = s.AtomicUpdate(ctx, p.ID, Precondition{}, Patch{ExecutedCount: Set(2), UpdatedAt: base}, rec())
		assert.ErrorIs(t, err, ErrDuplicateExecution)

		got, err := s.GetSchedule(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.ExecutedCount, "rejected record must not apply the patch")

		n, err := s.CountExecutions(ctx, ExecutionFilter{ScheduleID: p.ID, Status: models.ExecutionCompleted})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.CountExecutions(ctx, ExecutionFilter{TxHash: "0xabc"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("find sorts by next execution", func(t *testing.T) {
		owner := uuid.NewString()
		var ids []string
		for _, offset := range []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour} {
			p := newSchedule(base.Add(-offset))
			p.OwnerID = owner
			require.NoError(t, s.InsertSchedule(ctx, p))
			ids = append(ids, p.ID)
		}

		found, err := s.FindSchedules(ctx, ScheduleFilter{OwnerID: owner}, 2)
		require.NoError(t, err)
		require.Len(t, found, 2)
		assert.Equal(t, ids[0], found[0].ID)
		assert.Equal(t, ids[2], found[1].ID)

		n, err := s.CountSchedules(ctx, ScheduleFilter{OwnerID: owner, DueBefore: ptr(base.Add(-90 * time.Minute))})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := NewPostgresStore(context.Background(), dsn)
	require.NoError(t, err)
	defer s.Close()

	// connecting applied the schema; applying it again is a no-op
	require.NoError(t, s.Migrate(context.Background()))
	runStoreContract(t, s)
}

func TestMemoryStoreConcurrentClaim(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := newSchedule(base)
	require.NoError(t, s.InsertSchedule(ctx, p))

	var (
		wg      sync.WaitGroup
		winners int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AtomicUpdate(ctx, p.ID, claimPre(base, time.Minute), claimPatch(uuid.NewString(), base), nil)
			if err == nil {
				atomic.AddInt32(&winners, 1)
				return
			}
			assert.True(t, errors.Is(err, ErrConflict))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := newSchedule(base)
	require.NoError(t, s.InsertSchedule(ctx, p))

	got, err := s.GetSchedule(ctx, p.ID)
	require.NoError(t, err)
	*got.NextExecutionAt = base.Add(24 * time.Hour)
	got.Status = models.StatusFailed

	again, err := s.GetSchedule(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, again.Status)
	assert.True(t, again.NextExecutionAt.Equal(base))
}

func TestScheduleFilterMatches(t *testing.T) {
	now := base
	p := newSchedule(now.Add(-time.Minute))

	assert.True(t, ScheduleFilter{Statuses: []models.Status{models.StatusActive}, DueBefore: ptr(now)}.Matches(p))
	assert.False(t, ScheduleFilter{DueAfter: ptr(now)}.Matches(p))
	assert.True(t, ScheduleFilter{SettledBefore: ptr(now)}.Matches(p))
	assert.False(t, ScheduleFilter{SettledBefore: ptr(now.Add(-2 * time.Hour))}.Matches(p))

	p.LastExecutionAt = ptr(now.Add(-10 * time.Second))
	assert.False(t, ScheduleFilter{LastExecutedBefore: ptr(now.Add(-time.Minute))}.Matches(p))
	assert.True(t, ScheduleFilter{LastExecutedBefore: ptr(now)}.Matches(p))

	p.ProcessingBy = "w1"
	p.ProcessingStarted = ptr(now.Add(-time.Minute))
	assert.False(t, ScheduleFilter{LeaseFreeOrStale: ptr(now.Add(-5 * time.Minute))}.Matches(p))
	assert.True(t, ScheduleFilter{LeaseFreeOrStale: ptr(now.Add(-30 * time.Second))}.Matches(p))
}

func TestPreconditionHolds(t *testing.T) {
	holder := "w1"
	p := newSchedule(base)
	p.Status = models.StatusProcessing
	p.ProcessingBy = holder
	p.ProcessingStarted = ptr(base)

	assert.True(t, Precondition{Statuses: []models.Status{models.StatusProcessing}, Holder: &holder}.Holds(p))
	other := "w2"
	assert.False(t, Precondition{Statuses: []models.Status{models.StatusProcessing}, Holder: &other}.Holds(p))
	assert.False(t, Precondition{Statuses: []models.Status{models.StatusActive}}.Holds(p))
	assert.True(t, Precondition{Statuses: []models.Status{models.StatusActive}, StaleLeaseBefore: ptr(base.Add(time.Second))}.Holds(p))
	assert.False(t, Precondition{DueBy: ptr(base.Add(-time.Second))}.Holds(p))
}
