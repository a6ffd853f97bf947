package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMachine(t *testing.T) (*Machine, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewMachine(rdb), mr
}

func TestUnknownIDIsAwol(t *testing.T) {
	m, _ := newTestMachine(t)

	current, err := m.Current(context.Background(), "deadbeefdeadbeefdeadbeefdeadbeef")
	require.NoError(t, err)
	assert.Equal(t, Awol, current)
}

func TestLifecycleHappyPath(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	id := "0123456789abcdef0123456789abcdef"

	for _, step := range []struct {
		event Event
		want  State
	}{
		{EventEnqueue, Queued},
		{EventExecute, Executing},
		{EventFinish, Completed},
	} {
		after, applied, err := m.Trigger(ctx, id, step.event)
		require.NoError(t, err)
		assert.True(t, applied, "event %s should apply", step.event)
		assert.Equal(t, step.want, after)
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	id := "11111111111111111111111111111111"

	_, applied, err := m.Trigger(ctx, id, EventEnqueue)
	require.NoError(t, err)
	assert.True(t, applied)

	// Second enqueue observes the existing slot without a transition.
	after, applied, err := m.Trigger(ctx, id, EventEnqueue)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, Queued, after)
}

func TestIllegalTransitionsDoNotApply(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	id := "22222222222222222222222222222222"

	// Cannot execute before enqueueing.
	after, applied, err := m.Trigger(ctx, id, EventExecute)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, Known, after)

	// Cannot finish from queued.
	_, _, err = m.Trigger(ctx, id, EventEnqueue)
	require.NoError(t, err)
	after, applied, err = m.Trigger(ctx, id, EventFinish)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, Queued, after)
}

func TestCancelFromQueuedAndExecuting(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	t.Run("queued", func(t *testing.T) {
		id := "33333333333333333333333333333333"
		_, _, err := m.Trigger(ctx, id, EventEnqueue)
		require.NoError(t, err)

		after, applied, err := m.Trigger(ctx, id, EventCancel)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, Cancelled, after)
	})

	t.Run("executing", func(t *testing.T) {
		id := "44444444444444444444444444444444"
		_, _, err := m.Trigger(ctx, id, EventEnqueue)
		require.NoError(t, err)
		_, _, err = m.Trigger(ctx, id, EventExecute)
		require.NoError(t, err)

		after, applied, err := m.Trigger(ctx, id, EventCancel)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, Cancelled, after)
	})

	t.Run("completed is not cancellable", func(t *testing.T) {
		id := "55555555555555555555555555555555"
		for _, e := range []Event{EventEnqueue, EventExecute, EventFinish} {
			_, _, err := m.Trigger(ctx, id, e)
			require.NoError(t, err)
		}
		after, applied, err := m.Trigger(ctx, id, EventCancel)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, Completed, after)
	})
}

func TestResetRequeuesErroredQuery(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	id := "66666666666666666666666666666666"

	for _, e := range []Event{EventEnqueue, EventExecute, EventError} {
		_, _, err := m.Trigger(ctx, id, e)
		require.NoError(t, err)
	}

	after, applied, err := m.Trigger(ctx, id, EventReset)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, Resetting, after)

	after, applied, err = m.Trigger(ctx, id, EventFinishReset)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, Known, after)
}

func TestConcurrentEnqueueAppliesExactlyOnce(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	id := "77777777777777777777777777777777"

	var wg sync.WaitGroup
	var mu sync.Mutex
	appliedCount := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, applied, err := m.Trigger(ctx, id, EventEnqueue)
			require.NoError(t, err)
			if applied {
				mu.Lock()
				appliedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, appliedCount)
}

func TestWaitUntilTerminal(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	id := "88888888888888888888888888888888"

	_, _, err := m.Trigger(ctx, id, EventEnqueue)
	require.NoError(t, err)
	_, _, err = m.Trigger(ctx, id, EventExecute)
	require.NoError(t, err)

	done := make(chan State, 1)
	go func() {
		final, err := m.WaitUntilTerminal(ctx, id)
		require.NoError(t, err)
		done <- final
	}()

	// Give the waiter a moment to attach, then finish the query.
	time.Sleep(20 * time.Millisecond)
	_, _, err = m.Trigger(ctx, id, EventFinish)
	require.NoError(t, err)

	select {
	case final := <-done:
		assert.Equal(t, Completed, final)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not observe the terminal transition")
	}
}

func TestWaitUntilTerminalHonoursContext(t *testing.T) {
	m, _ := newTestMachine(t)
	id := "99999999999999999999999999999999"

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := m.Trigger(context.Background(), id, EventEnqueue)
	require.NoError(t, err)

	_, err = m.WaitUntilTerminal(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestErrorCauseRoundTrip(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	id := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	cause, err := m.Error(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, cause)

	require.NoError(t, m.SetError(ctx, id, "dependency_failed(bbbb)"))
	cause, err = m.Error(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "dependency_failed(bbbb)", cause)
}

func TestQueuedOrExecuting(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	_, _, err := m.Trigger(ctx, "q1111111111111111111111111111111", EventEnqueue)
	require.NoError(t, err)
	for _, e := range []Event{EventEnqueue, EventExecute} {
		_, _, err = m.Trigger(ctx, "e2222222222222222222222222222222", e)
		require.NoError(t, err)
	}
	for _, e := range []Event{EventEnqueue, EventExecute, EventFinish} {
		_, _, err = m.Trigger(ctx, "c3333333333333333333333333333333", e)
		require.NoError(t, err)
	}

	ids, err := m.QueuedOrExecuting(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"q1111111111111111111111111111111",
		"e2222222222222222222222222222222",
	}, ids)
}

func TestForgetRemovesState(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	id := "f0000000000000000000000000000000"

	_, _, err := m.Trigger(ctx, id, EventEnqueue)
	require.NoError(t, err)
	require.NoError(t, m.SetError(ctx, id, "boom"))

	require.NoError(t, m.Forget(ctx, id))

	current, err := m.Current(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Awol, current)
}
