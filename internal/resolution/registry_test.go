package resolution

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
)

func TestRegistryJoinSharesOneStart(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)}
	reg := NewRegistry(clk)
	release := make(chan struct{})
	var starts atomic.Int32
	start := func() (captcha.ResolutionTask, error) {
		starts.Add(1)
		<-release
		return captcha.ResolutionTask{ID: "t1", State: captcha.StateSolved, Solution: "tok"}, nil
	}

	const n = 5
	var joinedCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, joined, err := reg.Join(context.Background(), "key", start)
			assert.NoError(t, err)
			assert.Equal(t, "t1", task.ID)
			if joined {
				joinedCount.Add(1)
			}
		}()
	}

	require.Eventually(t, func() bool {
		e, ok := reg.Lookup("key")
		return ok && e.Waiters == n
	}, time.Second, 5*time.Millisecond)
	e, _ := reg.Lookup("key")
	assert.Equal(t, clk.Now(), e.StartedAt)
	assert.Equal(t, 1, reg.Len())

	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, starts.Load())
	assert.EqualValues(t, n-1, joinedCount.Load())
	_, ok := reg.Lookup("key")
	assert.False(t, ok)
}

func TestRegistryKeysAreIndependent(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	var starts atomic.Int32
	start := func() (captcha.ResolutionTask, error) {
		starts.Add(1)
		return captcha.ResolutionTask{State: captcha.StateSolved}, nil
	}

	_, joined, err := reg.Join(context.Background(), "a", start)
	require.NoError(t, err)
	assert.False(t, joined)
	_, joined, err = reg.Join(context.Background(), "b", start)
	require.NoError(t, err)
	assert.False(t, joined)
	assert.EqualValues(t, 2, starts.Load())
	assert.Zero(t, reg.Len())
}

func TestRegistryWaiterLeavesOnCancel(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	release := make(chan struct{})
	finished := make(chan struct{})
	start := func() (captcha.ResolutionTask, error) {
		defer close(finished)
		<-release
		return captcha.ResolutionTask{State: captcha.StateSolved}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := reg.Join(ctx, "key", start)
		done <- err
	}()
	require.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	e, ok := reg.Lookup("key")
	require.True(t, ok, "entry dropped while start is still running")
	assert.Zero(t, e.Waiters)
	assert.Equal(t, 1, reg.Len())

	close(release)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("start did not run to completion after its only waiter left")
	}
	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRegistryLateCallerJoinsAbandonedResolution(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)}
	reg := NewRegistry(clk)
	release := make(chan struct{})
	var starts atomic.Int32
	start := func() (captcha.ResolutionTask, error) {
		starts.Add(1)
		<-release
		return captcha.ResolutionTask{ID: "t1", State: captcha.StateSolved}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, _, err := reg.Join(ctx, "key", start)
		first <- err
	}()
	require.Eventually(t, func() bool { return starts.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	clk.Advance(time.Minute)
	type result struct {
		task   captcha.ResolutionTask
		joined bool
	}
	second := make(chan result, 1)
	go func() {
		task, joined, err := reg.Join(context.Background(), "key", start)
		assert.NoError(t, err)
		second <- result{task: task, joined: joined}
	}()
	require.Eventually(t, func() bool {
		e, ok := reg.Lookup("key")
		return ok && e.Waiters == 1
	}, time.Second, 5*time.Millisecond)
	e, _ := reg.Lookup("key")
	assert.Equal(t, clk.Now().Add(-time.Minute), e.StartedAt, "late caller must not restart the clock")

	close(release)
	got := <-second
	assert.True(t, got.joined)
	assert.Equal(t, "t1", got.task.ID)
	assert.EqualValues(t, 1, starts.Load())
	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)

	_, joined, err := reg.Join(context.Background(), "key", func() (captcha.ResolutionTask, error) {
		return captcha.ResolutionTask{}, nil
	})
	require.NoError(t, err)
	assert.False(t, joined, "finished resolution still attracted callers")
}
