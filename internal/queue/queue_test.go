package queue

import (
	"context"
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEnqueueReceiveDelete(t *testing.T) {
	db := openTestDB(t)
	mgr, err := NewManager(db, "default", 3)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Enqueue(ctx, "job-1"))

	msg, deleteFn, err := mgr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", msg.JobID)

	require.NoError(t, deleteFn(ctx))

	_, _, err = mgr.Receive(ctx)
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestReceiveOnEmptyQueueReturnsErrNoMessage(t *testing.T) {
	db := openTestDB(t)
	mgr, err := NewManager(db, "default", 3)
	require.NoError(t, err)

	_, _, err = mgr.Receive(context.Background())
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestExtendVisibilityTimeout(t *testing.T) {
	db := openTestDB(t)
	mgr, err := NewManager(db, "default", 3)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Enqueue(ctx, "job-2"))

	msg, _, err := mgr.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, mgr.Extend(ctx, msg.ID(), 30*time.Second))
}

type fakeJobStorage struct {
	markCalls int32
}

func (f *fakeJobStorage) MarkRunningJobsAsPending(ctx context.Context) (int, error) {
	atomic.AddInt32(&f.markCalls, 1)
	return 0, nil
}

func TestWorkerPoolProcessesEnqueuedJob(t *testing.T) {
	db := openTestDB(t)
	mgr, err := NewManager(db, "default", 3)
	require.NoError(t, err)

	require.NoError(t, mgr.Enqueue(context.Background(), "job-3"))

	var handled int32
	handler := func(ctx context.Context, jobID string) error {
		atomic.AddInt32(&handled, 1)
		return nil
	}

	storage := &fakeJobStorage{}
	pool := NewWorkerPool(context.Background(), mgr, storage, handler, 2, 20*time.Millisecond, arbor.NewLogger())
	pool.Start()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&handled) == 1
	}, 2*time.Second, 10*time.Millisecond)

	pool.Stop()
	assert.EqualValues(t, 1, atomic.LoadInt32(&storage.markCalls))
}

func TestWorkerPoolAcksEvenOnHandlerError(t *testing.T) {
	db := openTestDB(t)
	mgr, err := NewManager(db, "default", 1)
	require.NoError(t, err)

	require.NoError(t, mgr.Enqueue(context.Background(), "job-4"))

	var attempts int32
	handler := func(ctx context.Context, jobID string) error {
		atomic.AddInt32(&attempts, 1)
		return assert.AnError
	}

	storage := &fakeJobStorage{}
	pool := NewWorkerPool(context.Background(), mgr, storage, handler, 1, 20*time.Millisecond, arbor.NewLogger())
	pool.Start()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&attempts) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Give the ack a moment to land, then confirm no redelivery occurs.
	time.Sleep(100 * time.Millisecond)
	pool.Stop()
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}
