package scheduler_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusnet/tg-warden/app/scheduler"
	"github.com/campusnet/tg-warden/app/scheduler/mocks"
	"github.com/campusnet/tg-warden/app/storage"
	"github.com/campusnet/tg-warden/app/storage/engine"
)

var _ scheduler.Queue = (*storage.Tasks)(nil)

// newTestDB makes an in-memory sqlite engine for job tests
func newTestDB(t *testing.T) *engine.SQL {
	db, err := engine.NewSqlite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestScheduler_RunsAndAcks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tasks, err := storage.NewTasks(ctx, newTestDB(t))
	require.NoError(t, err)
	_, err = tasks.Enqueue(ctx, "ping", map[string]string{"v": "hello"}, time.Now().Add(-time.Second), 0)
	require.NoError(t, err)

	var got atomic.Value
	sched := &scheduler.Scheduler{Queue: tasks, Workers: 2, Poll: 10 * time.Millisecond}
	sched.Register("ping", func(_ context.Context, payload json.RawMessage) error {
		got.Store(string(payload))
		return nil
	})

	done := make(chan error)
	go func() { done <- sched.Do(ctx) }()

	require.Eventually(t, func() bool {
		pending, perr := tasks.Pending(context.Background())
		return perr == nil && pending == 0
	}, time.Second, 10*time.Millisecond, "task executed and acked")
	assert.JSONEq(t, `{"v":"hello"}`, got.Load().(string))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestScheduler_UnknownTaskDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tasks, err := storage.NewTasks(ctx, newTestDB(t))
	require.NoError(t, err)
	_, err = tasks.Enqueue(ctx, "nobody_handles_this", nil, time.Now().Add(-time.Second), 0)
	require.NoError(t, err)

	sched := &scheduler.Scheduler{Queue: tasks, Workers: 1, Poll: 10 * time.Millisecond}
	go sched.Do(ctx) //nolint:errcheck // stopped by cancel

	require.Eventually(t, func() bool {
		pending, perr := tasks.Pending(context.Background())
		return perr == nil && pending == 0
	}, time.Second, 10*time.Millisecond, "unhandled task dropped instead of wedging the queue")
}

func TestScheduler_FailedTaskStaysClaimed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var claims, acks atomic.Int32
	queue := &mocks.QueueMock{
		ClaimFunc: func(ctx context.Context, visibility time.Duration) (*storage.Task, error) {
			if claims.Add(1) > 1 {
				return nil, nil // hand the task out once
			}
			return &storage.Task{ID: 1, Name: "boom", Payload: json.RawMessage(`{}`)}, nil
		},
		AckFunc: func(ctx context.Context, task *storage.Task) error {
			acks.Add(1)
			return nil
		},
	}

	sched := &scheduler.Scheduler{Queue: queue, Workers: 1, Poll: 5 * time.Millisecond}
	sched.Register("boom", func(context.Context, json.RawMessage) error { return errors.New("oh no") })
	go sched.Do(ctx) //nolint:errcheck // stopped by cancel

	require.Eventually(t, func() bool { return claims.Load() > 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.Equal(t, int32(0), acks.Load(), "failed task not acked, left for the visibility timeout")
}

func TestScheduler_Defaults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var visibilities atomic.Value
	queue := &mocks.QueueMock{
		ClaimFunc: func(ctx context.Context, visibility time.Duration) (*storage.Task, error) {
			visibilities.Store(visibility)
			cancel()
			return nil, nil
		},
	}
	sched := &scheduler.Scheduler{Queue: queue} // all defaults
	err := sched.Do(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 5*time.Minute, visibilities.Load().(time.Duration))
}
