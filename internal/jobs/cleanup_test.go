package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"

	"github.com/talkwire/callcore/internal/config"
	"github.com/talkwire/callcore/internal/model"
	"github.com/talkwire/callcore/internal/repository"
)

type mockCallRepo struct {
	staleCalls   int32
	expiredCalls int32
	staleCutoff  atomic.Value
	expireCutoff atomic.Value
}

func (m *mockCallRepo) Create(ctx context.Context, params model.CreateCallParams) (*model.Call, error) {
	return nil, nil
}

func (m *mockCallRepo) FindByID(ctx context.Context, id string) (*model.Call, error) {
	return nil, nil
}

func (m *mockCallRepo) FindOngoingBetween(ctx context.Context, userA, userB string) (*model.Call, error) {
	return nil, nil
}

func (m *mockCallRepo) FindRingingByRecipient(ctx context.Context, recipientID string) ([]model.Call, error) {
	return nil, nil
}

func (m *mockCallRepo) UpdateStatus(ctx context.Context, id string, from, to model.CallStatus) (bool, error) {
	return false, nil
}

func (m *mockCallRepo) SetAnswer(ctx context.Context, id, answer string) (bool, error) {
	return false, nil
}

func (m *mockCallRepo) SetConnectedAt(ctx context.Context, id string, at time.Time) (bool, error) {
	return false, nil
}

func (m *mockCallRepo) MarkStaleRingingMissed(ctx context.Context, olderThan time.Time) (int64, error) {
	m.staleCutoff.Store(olderThan)
	return int64(atomic.AddInt32(&m.staleCalls, 1)), nil
}

func (m *mockCallRepo) DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.expireCutoff.Store(cutoff)
	return int64(atomic.AddInt32(&m.expiredCalls, 1)), nil
}

func (m *mockCallRepo) WithTx(tx *sqlx.Tx) repository.CallRepository { return m }

func TestCleanupJob(t *testing.T) {
	t.Run("creates job with correct interval", func(t *testing.T) {
		job := NewCleanupJob(nil, 30*24*time.Hour, 2*time.Minute, 5*time.Minute)

		assert.NotNil(t, job)
		assert.Equal(t, 5*time.Minute, job.interval)
	})

	t.Run("defaults the stale window when unset", func(t *testing.T) {
		job := NewCleanupJob(nil, 24*time.Hour, 0, time.Hour)
		assert.Equal(t, config.StaleRingWindow, job.staleAfter)
	})

	t.Run("runs both sweeps on start then stops", func(t *testing.T) {
		repo := &mockCallRepo{}
		job := NewCleanupJob(repo, 24*time.Hour, 90*time.Second, 1*time.Hour)

		job.Start()
		assert.Eventually(t, func() bool {
			return atomic.LoadInt32(&repo.staleCalls) >= 1 && atomic.LoadInt32(&repo.expiredCalls) >= 1
		}, time.Second, 5*time.Millisecond)
		job.Stop()

		cutoff, ok := repo.expireCutoff.Load().(time.Time)
		assert.True(t, ok)
		assert.WithinDuration(t, time.Now().UTC().Add(-24*time.Hour), cutoff, 5*time.Second)

		staleCutoff, ok := repo.staleCutoff.Load().(time.Time)
		assert.True(t, ok)
		assert.WithinDuration(t, time.Now().UTC().Add(-90*time.Second), staleCutoff, 5*time.Second)
	})

	t.Run("keeps ticking until stopped", func(t *testing.T) {
		repo := &mockCallRepo{}
		job := NewCleanupJob(repo, 24*time.Hour, 2*time.Minute, 20*time.Millisecond)

		job.Start()
		assert.Eventually(t, func() bool {
			return atomic.LoadInt32(&repo.staleCalls) >= 3
		}, time.Second, 5*time.Millisecond)
		job.Stop()
	})
}
