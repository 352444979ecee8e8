package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parquedb/parquedb/internal/types"
)

func testLog(t *testing.T, opts Options) *Log {
	t.Helper()
	ix, err := OpenIndex(t.TempDir() + "/index.db")
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return New(ix, opts)
}

func makeEvent(ns, id string, op types.Op) types.Event {
	return types.Event{
		Op:     op,
		Target: ns + ":" + id,
		After:  types.Entity{"$id": ns + "/" + id, "title": "event " + id},
		Actor:  "tester",
	}
}

func TestAppendAssignsMonotonicSequences(t *testing.T) {
	ctx := context.Background()
	log := testLog(t, Options{})

	var last uint64
	for i := 0; i < 20; i++ {
		ev, err := log.Append(ctx, makeEvent("posts", fmt.Sprintf("p%d", i), types.OpCreate))
		require.NoError(t, err)
		require.Greater(t, ev.Seq, last, "sequences must be strictly monotonic")
		require.NotEmpty(t, ev.ID)
		last = ev.Seq
	}

	// Sequences are per namespace.
	ev, err := log.Append(ctx, makeEvent("users", "u1", types.OpCreate))
	require.NoError(t, err)
	require.EqualValues(t, 1, ev.Seq)
}

func TestFlushAndReadBack(t *testing.T) {
	ctx := context.Background()
	log := testLog(t, Options{})

	for i := 0; i < 10; i++ {
		_, err := log.Append(ctx, makeEvent("posts", fmt.Sprintf("p%d", i), types.OpCreate))
		require.NoError(t, err)
	}
	require.NoError(t, log.Flush(ctx, "posts"))

	events, err := log.Events(ctx, "posts", 1)
	require.NoError(t, err)
	require.Len(t, events, 10)
	for i, e := range events {
		require.EqualValues(t, i+1, e.Seq)
	}

	// fromSeq slices the stream.
	events, err = log.Events(ctx, "posts", 7)
	require.NoError(t, err)
	require.Len(t, events, 4)
	require.EqualValues(t, 7, events[0].Seq)
}

func TestEventsSpanBufferAndIndex(t *testing.T) {
	ctx := context.Background()
	log := testLog(t, Options{FlushCount: 1000})

	_, err := log.Append(ctx, makeEvent("posts", "a", types.OpCreate))
	require.NoError(t, err)
	require.NoError(t, log.Flush(ctx, "posts"))
	_, err = log.Append(ctx, makeEvent("posts", "b", types.OpCreate))
	require.NoError(t, err)

	// One event flushed, one still buffered; both visible in order.
	events, err := log.Events(ctx, "posts", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.EqualValues(t, 1, events[0].Seq)
	require.EqualValues(t, 2, events[1].Seq)
}

func TestCountThresholdTriggersFlush(t *testing.T) {
	ctx := context.Background()
	log := testLog(t, Options{FlushCount: 5})

	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, makeEvent("posts", fmt.Sprintf("p%d", i), types.OpCreate))
		require.NoError(t, err)
	}
	// The batch must already be durable without an explicit Flush.
	high, err := log.index.HighWater(ctx, "posts")
	require.NoError(t, err)
	require.EqualValues(t, 5, high)
}

func TestSequencesResumeAfterReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ix, err := OpenIndex(dir + "/index.db")
	require.NoError(t, err)
	log := New(ix, Options{})
	_, err = log.Append(ctx, makeEvent("posts", "a", types.OpCreate))
	require.NoError(t, err)
	require.NoError(t, log.Flush(ctx, ""))
	require.NoError(t, ix.Close())

	ix2, err := OpenIndex(dir + "/index.db")
	require.NoError(t, err)
	defer ix2.Close()
	log2 := New(ix2, Options{})
	ev, err := log2.Append(ctx, makeEvent("posts", "b", types.OpCreate))
	require.NoError(t, err)
	require.EqualValues(t, 2, ev.Seq)
}

func TestFollowTailsLiveEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := testLog(t, Options{})

	_, err := log.Append(ctx, makeEvent("posts", "a", types.OpCreate))
	require.NoError(t, err)

	ch, err := log.Follow(ctx, "posts", 1)
	require.NoError(t, err)

	// Stored event arrives first.
	ev := <-ch
	require.EqualValues(t, 1, ev.Seq)

	// Then a live append.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := log.Append(ctx, makeEvent("posts", "b", types.OpUpdate))
		require.NoError(t, err)
	}()
	select {
	case ev = <-ch:
		require.EqualValues(t, 2, ev.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live event")
	}
	<-done

	cancel()
	for range ch {
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	events := []types.Event{
		{ID: "1", Seq: 1, Op: types.OpCreate, Target: "posts:a",
			After: types.Entity{"title": "héllo wörld  ", "ctrl": "line1\nline2\ttab\x00"}},
		{ID: "2", Seq: 2, Op: types.OpDelete, Target: "posts:b",
			Before: types.Entity{"emoji": "日本語テキスト 🎉"}},
	}
	blob, err := CompressEvents(events)
	require.NoError(t, err)
	require.True(t, IsCompressed(blob))

	got, err := DecompressEvents(blob)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "héllo wörld  ", got[0].After["title"])
	require.Equal(t, "line1\nline2\ttab\x00", got[0].After["ctrl"])
	require.Equal(t, "日本語テキスト 🎉", got[1].Before["emoji"])
}

func TestCompressionRatioTypicalBatch(t *testing.T) {
	events := make([]types.Event, 60)
	for i := range events {
		events[i] = types.Event{
			ID: fmt.Sprintf("evt-%08d", i), Seq: uint64(i + 1), Op: types.OpCreate,
			Target: fmt.Sprintf("posts:post-%d", i),
			TS:     time.Date(2025, 5, 1, 12, 0, i, 0, time.UTC),
			After: types.Entity{
				"$id": fmt.Sprintf("posts/post-%d", i), "$type": "Post",
				"title": fmt.Sprintf("Post number %d with a moderately long title", i),
				"status": "published", "views": float64(i * 13),
			},
			Actor: "writer@example.com",
		}
	}
	raw, err := json.Marshal(events)
	require.NoError(t, err)
	blob, err := CompressEvents(events)
	require.NoError(t, err)
	require.Less(t, float64(len(blob)), 0.7*float64(len(raw)),
		"typical batches must compress at least 30%%: %d -> %d", len(raw), len(blob))
}

func TestCompressionRatioRepetitiveBatch(t *testing.T) {
	events := make([]types.Event, 100)
	for i := range events {
		events[i] = types.Event{
			ID: fmt.Sprintf("evt-%04d", i), Seq: uint64(i + 1), Op: types.OpUpdate,
			Target: "metrics:counter",
			After:  types.Entity{"name": "requests_total", "value": float64(i)},
		}
	}
	raw, err := json.Marshal(events)
	require.NoError(t, err)
	blob, err := CompressEvents(events)
	require.NoError(t, err)
	require.Less(t, float64(len(blob)), 0.6*float64(len(raw)),
		"repetitive batches must compress at least 40%%: %d -> %d", len(raw), len(blob))
}

func TestDecompressRejectsUnmagicked(t *testing.T) {
	_, err := DecompressEvents([]byte(`[{"id":"1"}]`))
	require.Error(t, err)
}

func TestPendingGroupIndex(t *testing.T) {
	ctx := context.Background()
	ix, err := OpenIndex(t.TempDir() + "/index.db")
	require.NoError(t, err)
	defer ix.Close()

	for i, id := range []string{"b1", "b2"} {
		require.NoError(t, ix.AddPendingGroup(ctx, PendingGroup{
			BatchID: id, Ns: "posts", Path: "data/posts/pending/" + id + ".parquet",
			RowCount: int64(5 + i), FirstSeq: uint64(i*10 + 1), LastSeq: uint64(i*10 + 5),
			CreatedAt: time.Now(),
		}))
	}

	groups, err := ix.PendingGroups(ctx, "posts")
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Equal(t, "b1", groups[0].BatchID)

	// Removal is bounded by lastSeq and idempotent.
	require.NoError(t, ix.RemovePendingGroups(ctx, "posts", 5))
	groups, err = ix.PendingGroups(ctx, "posts")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, "b2", groups[0].BatchID)
	require.NoError(t, ix.RemovePendingGroups(ctx, "posts", 15))
	groups, err = ix.PendingGroups(ctx, "posts")
	require.NoError(t, err)
	require.Empty(t, groups)
}
