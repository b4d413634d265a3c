package queue

import (
	"context"
	"testing"
	"time"

	"github.com/capulus/dbgnexus/internal/common/logger"
	"github.com/capulus/dbgnexus/internal/debugger/cache"
	"github.com/capulus/dbgnexus/internal/debugger/timeoutsvc"
	"github.com/capulus/dbgnexus/internal/debugger/tracker"
	"github.com/capulus/dbgnexus/internal/debugger/types"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	delay  time.Duration
	output string
	err    error
}

func (f *fakeExecutor) Execute(ctx context.Context, command string) (string, error) {
	select {
	case <-time.After(f.delay):
		return f.output, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func newTestQueue(exec Executor) (*Queue, *tracker.Tracker) {
	trk := tracker.New()
	c := cache.New(10, 0)
	ts := timeoutsvc.New()
	q := New("sess-000001-abcdef01", exec, trk, c, ts, 10, logger.Default())
	return q, trk
}

func TestQueue_ExecutesEnqueuedCommand(t *testing.T) {
	q, trk := newTestQueue(&fakeExecutor{output: "ok"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.Eventually(t, q.IsReady, time.Second, time.Millisecond)

	cmd := &types.Command{ID: "c1", SessionID: "sess-000001-abcdef01", Text: "k"}
	require.NoError(t, q.Enqueue(cmd))

	require.Eventually(t, func() bool {
		c, err := trk.Get("c1")
		return err == nil && c.State == types.CommandCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestQueue_WaitReadyBlocksUntilWorkerStarts(t *testing.T) {
	q, _ := newTestQueue(&fakeExecutor{output: "ok"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.NoError(t, q.WaitReady(context.Background()))
	require.True(t, q.IsReady())
}

func TestQueue_WaitReadyRespectsContext(t *testing.T) {
	q, _ := newTestQueue(&fakeExecutor{output: "ok"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := q.WaitReady(ctx)
	require.Error(t, err)
}

func TestQueue_EnqueueRejectsWhenFull(t *testing.T) {
	trk := tracker.New()
	c := cache.New(10, 0)
	ts := timeoutsvc.New()
	q := New("sess-000002-abcdef02", &fakeExecutor{delay: time.Hour}, trk, c, ts, 1, logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	require.Eventually(t, q.IsReady, time.Second, time.Millisecond)

	require.NoError(t, q.Enqueue(&types.Command{ID: "c1", Text: "k"}))
	require.Eventually(t, func() bool { _, ok := q.CurrentCommand(); return ok }, time.Second, 5*time.Millisecond)
	require.NoError(t, q.Enqueue(&types.Command{ID: "c2", Text: "k"}))

	err := q.Enqueue(&types.Command{ID: "c3", Text: "k"})
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestQueue_CancelCurrentCommand(t *testing.T) {
	q, trk := newTestQueue(&fakeExecutor{delay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	require.Eventually(t, q.IsReady, time.Second, time.Millisecond)

	require.NoError(t, q.Enqueue(&types.Command{ID: "c1", Text: "k"}))
	require.Eventually(t, func() bool { _, ok := q.CurrentCommand(); return ok }, time.Second, 5*time.Millisecond)

	require.True(t, q.Cancel("c1"))

	require.Eventually(t, func() bool {
		c, err := trk.Get("c1")
		return err == nil && c.State == types.CommandCancelled
	}, time.Second, 5*time.Millisecond)
}

func TestQueue_CancelAllForRecoveryFailsNotCancels(t *testing.T) {
	q, trk := newTestQueue(&fakeExecutor{delay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	require.Eventually(t, q.IsReady, time.Second, time.Millisecond)

	require.NoError(t, q.Enqueue(&types.Command{ID: "c1", Text: "k"}))
	require.Eventually(t, func() bool { _, ok := q.CurrentCommand(); return ok }, time.Second, 5*time.Millisecond)
	require.NoError(t, q.Enqueue(&types.Command{ID: "c2", Text: "k"}))

	n := q.CancelAllForRecovery()
	require.Equal(t, 2, n)

	require.Eventually(t, func() bool {
		c1, err1 := trk.Get("c1")
		c2, err2 := trk.Get("c2")
		return err1 == nil && err2 == nil && c1.State == types.CommandFailed && c2.State == types.CommandFailed
	}, time.Second, 5*time.Millisecond)

	result, ok := q.cache.Get("c1")
	require.True(t, ok)
	require.EqualError(t, result.Err, "session recovered")
}
