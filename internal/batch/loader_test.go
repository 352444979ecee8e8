package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parquedb/parquedb/internal/types"
)

func TestPluralize(t *testing.T) {
	cases := map[string]string{
		"Post":     "posts",
		"User":     "users",
		"Category": "categories",
		"Box":      "boxes",
		"Match":    "matches",
		"posts":    "posts",
		"Class":    "classes",
		"Day":      "days",
	}
	for typ, want := range cases {
		require.Equal(t, want, Pluralize(typ), "Pluralize(%q)", typ)
	}
}

func TestNormalizeID(t *testing.T) {
	require.Equal(t, "p1", NormalizeID("posts/p1"))
	require.Equal(t, "p1", NormalizeID("p1"))
}

// Spec scenario: ten parallel author lookups make at most ten underlying
// calls, with duplicates shared.
func TestParallelLoadsCoalesce(t *testing.T) {
	var calls atomic.Int64
	fetch := func(ctx context.Context, ns, id, relation string) ([]types.Entity, error) {
		calls.Add(1)
		return []types.Entity{{"$id": "users/author-of-" + id}}, nil
	}
	l := NewLoader(fetch, Options{Window: 20 * time.Millisecond})

	// Ten posts sharing five distinct IDs.
	var wg sync.WaitGroup
	results := make([][]types.Entity, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("posts/p%d", i%5)
			results[i], errs[i] = l.Load(context.Background(), "Post", id, "author")
		}(i)
	}
	wg.Wait()

	require.LessOrEqual(t, calls.Load(), int64(5))
	for i := 0; i < 10; i++ {
		require.NoError(t, errs[i])
		require.Len(t, results[i], 1)
		require.Equal(t, fmt.Sprintf("users/author-of-p%d", i%5), results[i][0]["$id"])
	}
}

func TestDedupDisabled(t *testing.T) {
	var calls atomic.Int64
	fetch := func(ctx context.Context, ns, id, relation string) ([]types.Entity, error) {
		calls.Add(1)
		return nil, nil
	}
	l := NewLoader(fetch, Options{Window: 20 * time.Millisecond, DisableDedup: true})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Load(context.Background(), "Post", "p1", "author")
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 4, calls.Load())
}

func TestMaxBatchSizeFlushesEarly(t *testing.T) {
	started := make(chan struct{}, 10)
	fetch := func(ctx context.Context, ns, id, relation string) ([]types.Entity, error) {
		started <- struct{}{}
		return nil, nil
	}
	// A long window so only the size cap can trigger the flush.
	l := NewLoader(fetch, Options{Window: time.Minute, MaxBatchSize: 3})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Load(context.Background(), "Post", fmt.Sprintf("p%d", i), "author")
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()
	require.Len(t, started, 3)
}

func TestErrorsScopedToTriggeringRequests(t *testing.T) {
	fetch := func(ctx context.Context, ns, id, relation string) ([]types.Entity, error) {
		if id == "bad" {
			return nil, fmt.Errorf("%w: no such entity", types.ErrNotFound)
		}
		return []types.Entity{{"$id": ns + "/" + id}}, nil
	}
	l := NewLoader(fetch, Options{Window: 10 * time.Millisecond})

	var wg sync.WaitGroup
	var goodErr, badErr error
	wg.Add(2)
	go func() { defer wg.Done(); _, goodErr = l.Load(context.Background(), "Post", "good", "author") }()
	go func() { defer wg.Done(); _, badErr = l.Load(context.Background(), "Post", "bad", "author") }()
	wg.Wait()

	require.NoError(t, goodErr)
	require.ErrorIs(t, badErr, types.ErrNotFound)
}

func TestExplicitFlush(t *testing.T) {
	fetch := func(ctx context.Context, ns, id, relation string) ([]types.Entity, error) {
		return []types.Entity{{"$id": "x"}}, nil
	}
	l := NewLoader(fetch, Options{Window: time.Minute})

	done := make(chan error, 1)
	go func() {
		_, err := l.Load(context.Background(), "Post", "p1", "author")
		done <- err
	}()

	// Give the request time to queue, then force the flush.
	time.Sleep(20 * time.Millisecond)
	l.Flush()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not release the pending request")
	}
}

func TestClearRejectsPending(t *testing.T) {
	fetch := func(ctx context.Context, ns, id, relation string) ([]types.Entity, error) {
		return nil, nil
	}
	l := NewLoader(fetch, Options{Window: time.Minute})

	done := make(chan error, 1)
	go func() {
		_, err := l.Load(context.Background(), "Post", "p1", "author")
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	l.Clear()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrCleared)
		require.ErrorIs(t, err, types.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("clear did not reject the pending request")
	}

	// The loader stays usable afterwards.
	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Flush()
	}()
	_, err := l.Load(context.Background(), "Post", "p2", "author")
	require.NoError(t, err)
}
