package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLanes_PreservesPerKeyOrder(t *testing.T) {
	l := NewLanes(4, nil)

	var mu sync.Mutex
	seen := make(map[string][]int)
	for i := 0; i < 50; i++ {
		for _, key := range []string{"a", "b", "c"} {
			key, i := key, i
			require.NoError(t, l.Submit(key, func(ctx context.Context) {
				mu.Lock()
				seen[key] = append(seen[key], i)
				mu.Unlock()
			}))
		}
	}
	l.Stop(context.Background())

	for _, key := range []string{"a", "b", "c"} {
		require.Len(t, seen[key], 50, key)
		for i, v := range seen[key] {
			assert.Equal(t, i, v)
		}
	}
}

func TestLanes_SlowKeyDoesNotStallOthers(t *testing.T) {
	l := NewLanes(2, nil)
	release := make(chan struct{})
	defer func() {
		close(release)
		l.Stop(context.Background())
	}()

	require.NoError(t, l.Submit("1:a", func(ctx context.Context) { <-release }))

	// Submit returns at once however long the backlog of a stuck key grows.
	submitted := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			_ = l.Submit("1:a", func(ctx context.Context) {})
		}
		close(submitted)
	}()
	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("submit blocked behind a slow job")
	}

	// Every other key still runs, whatever it would have hashed to.
	for i := 0; i < 20; i++ {
		done := make(chan struct{})
		key := fmt.Sprintf("2:%d", i)
		require.NoError(t, l.Submit(key, func(ctx context.Context) { close(done) }))
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("job for %s was blocked by another key", key)
		}
	}
}

func TestLanes_ForgetsIdleKeys(t *testing.T) {
	l := NewLanes(4, nil)
	defer l.Stop(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, l.Submit(fmt.Sprintf("k%d", i), func(ctx context.Context) { wg.Done() }))
	}
	wg.Wait()
	assert.Eventually(t, func() bool { return l.active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestLanes_StopDrainsQueuedJobs(t *testing.T) {
	l := NewLanes(1, nil)
	var mu sync.Mutex
	ran := 0
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Submit("x", func(ctx context.Context) {
			time.Sleep(time.Millisecond)
			mu.Lock()
			ran++
			mu.Unlock()
		}))
	}
	l.Stop(context.Background())
	assert.Equal(t, 5, ran)
}

func TestLanes_SubmitAfterStop(t *testing.T) {
	l := NewLanes(1, nil)
	l.Stop(context.Background())
	assert.ErrorIs(t, l.Submit("x", func(ctx context.Context) {}), ErrStopped)
}

func TestLanes_RecoversPanics(t *testing.T) {
	l := NewLanes(1, nil)
	ran := make(chan struct{})
	require.NoError(t, l.Submit("x", func(ctx context.Context) { panic("boom") }))
	require.NoError(t, l.Submit("x", func(ctx context.Context) { close(ran) }))
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("lane died after panic")
	}
	l.Stop(context.Background())
}
