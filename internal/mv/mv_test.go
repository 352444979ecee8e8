package mv

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parquedb/parquedb/internal/types"
	"github.com/parquedb/parquedb/internal/wal"
)

func testLog(t *testing.T) *wal.Log {
	t.Helper()
	ix, err := wal.OpenIndex(t.TempDir() + "/index.db")
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return wal.New(ix, wal.Options{})
}

// recorder captures delivered sequences per namespace.
type recorder struct {
	name string
	nss  []string

	mu   sync.Mutex
	seqs map[string][]uint64
}

func newRecorder(name string, nss ...string) *recorder {
	return &recorder{name: name, nss: nss, seqs: make(map[string][]uint64)}
}

func (r *recorder) Name() string               { return r.name }
func (r *recorder) SourceNamespaces() []string { return r.nss }

func (r *recorder) Process(ctx context.Context, events []types.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range events {
		r.seqs[ev.Ns()] = append(r.seqs[ev.Ns()], ev.Seq)
	}
	return nil
}

func (r *recorder) Reset() {
	r.mu.Lock()
	r.seqs = make(map[string][]uint64)
	r.mu.Unlock()
}

func (r *recorder) sequences(ns string) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.seqs[ns]))
	copy(out, r.seqs[ns])
	return out
}

func appendN(t *testing.T, log *wal.Log, ns string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := log.Append(context.Background(), types.Event{
			Op:     types.OpCreate,
			Target: fmt.Sprintf("%s:e%d", ns, i),
			After:  types.Entity{"n": float64(i)},
		})
		require.NoError(t, err)
	}
}

func TestFlushDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)
	eng := NewEngine(log)
	rec := newRecorder("rec", "posts")
	require.NoError(t, eng.Register(rec, HandlerOptions{}))

	appendN(t, log, "posts", 5)
	require.NoError(t, eng.Flush(ctx))
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, rec.sequences("posts"))

	// A second flush delivers nothing new; the cursor never regresses.
	require.NoError(t, eng.Flush(ctx))
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, rec.sequences("posts"))

	appendN(t, log, "posts", 2)
	require.NoError(t, eng.Flush(ctx))
	require.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7}, rec.sequences("posts"))
}

func TestHandlersOnlySeeTheirNamespaces(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)
	eng := NewEngine(log)
	rec := newRecorder("rec", "posts")
	require.NoError(t, eng.Register(rec, HandlerOptions{}))

	appendN(t, log, "posts", 1)
	appendN(t, log, "users", 3)
	require.NoError(t, eng.Flush(ctx))
	require.Len(t, rec.sequences("posts"), 1)
	require.Empty(t, rec.sequences("users"))
}

func TestStreamingMode(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)
	eng := NewEngine(log)
	rec := newRecorder("rec", "posts")
	require.NoError(t, eng.Register(rec, HandlerOptions{Mode: ModeStreaming}))
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop()

	appendN(t, log, "posts", 3)
	require.Eventually(t, func() bool {
		return len(rec.sequences("posts")) == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRefreshRebuildsFromScratch(t *testing.T) {
	ctx := context.Background()
	log := testLog(t)
	eng := NewEngine(log)
	rec := newRecorder("rec", "posts")
	require.NoError(t, eng.Register(rec, HandlerOptions{Mode: ModeFull}))

	appendN(t, log, "posts", 3)
	require.NoError(t, eng.Flush(ctx))
	require.NoError(t, eng.Refresh(ctx, "rec"))
	// Reset dropped the first pass; the replay delivered all three again.
	require.Equal(t, []uint64{1, 2, 3}, rec.sequences("posts"))

	require.ErrorIs(t, eng.Refresh(ctx, "nope"), types.ErrNotFound)
}

func TestRegisterDuplicate(t *testing.T) {
	eng := NewEngine(testLog(t))
	require.NoError(t, eng.Register(newRecorder("a", "x"), HandlerOptions{}))
	require.ErrorIs(t, eng.Register(newRecorder("a", "y"), HandlerOptions{}), types.ErrConflict)
}

func scoreEvent(seq uint64, suite, scorer string, score float64, ts time.Time) types.Event {
	return types.Event{
		Op: types.OpCreate, Seq: seq, Target: "scores:s" + fmt.Sprint(seq), TS: ts,
		After: types.Entity{"suiteName": suite, "scorerName": scorer, "score": score, "runId": "r1"},
	}
}

func TestEvalScoresExtraction(t *testing.T) {
	ctx := context.Background()
	v := NewEvalScores(EvalScoresOptions{})
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	events := []types.Event{
		scoreEvent(1, "suite-a", "accuracy", 0.9, now),
		// Alternate field spellings.
		{Op: types.OpCreate, Seq: 2, Target: "scores:s2", TS: now,
			After: types.Entity{"suite": "suite-a", "scorer": "accuracy", "value": 0.7}},
		// Missing score: skipped.
		{Op: types.OpCreate, Seq: 3, Target: "scores:s3", TS: now,
			After: types.Entity{"suite": "suite-a", "scorer": "accuracy"}},
		// Empty scorer: skipped.
		{Op: types.OpCreate, Seq: 4, Target: "scores:s4", TS: now,
			After: types.Entity{"suite": "suite-a", "scorer": "", "score": 0.1}},
	}
	require.NoError(t, v.Process(ctx, events))
	require.Len(t, v.Recent(0), 2)

	st := v.Stats(ByScorer, "accuracy")
	require.Equal(t, 2, st.Count)
	require.InDelta(t, 0.7, st.Min, 1e-9)
	require.InDelta(t, 0.9, st.Max, 1e-9)
	require.InDelta(t, 0.8, st.Average, 1e-9)
	require.InDelta(t, 0.1, st.StdDev, 1e-9)
	// 0.7 and 0.9 land in buckets 7 and 9 of the default 10.
	require.Equal(t, 1, st.Histogram[7])
	require.Equal(t, 1, st.Histogram[9])
}

func TestEvalScoresRingBound(t *testing.T) {
	ctx := context.Background()
	v := NewEvalScores(EvalScoresOptions{MaxScores: 3})
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, v.Process(ctx, []types.Event{
			scoreEvent(uint64(i+1), "s", "acc", float64(i)/10, now),
		}))
	}
	recent := v.Recent(0)
	require.Len(t, recent, 3)
	// Oldest two evicted.
	require.InDelta(t, 0.2, recent[0].Score, 1e-9)
	require.InDelta(t, 0.4, recent[2].Score, 1e-9)

	// Stats reflect only retained scores.
	st := v.Stats(ByScorer, "acc")
	require.Equal(t, 3, st.Count)
}

func TestEvalScoresStatsCacheInvalidation(t *testing.T) {
	ctx := context.Background()
	v := NewEvalScores(EvalScoresOptions{})
	now := time.Now().UTC()
	require.NoError(t, v.Process(ctx, []types.Event{scoreEvent(1, "s", "acc", 0.5, now)}))
	require.Equal(t, 1, v.Stats(ByScorer, "acc").Count)

	require.NoError(t, v.Process(ctx, []types.Event{scoreEvent(2, "s", "acc", 0.6, now)}))
	require.Equal(t, 2, v.Stats(ByScorer, "acc").Count, "stats cache must invalidate on insert")
}

func TestEvalScoresTrends(t *testing.T) {
	ctx := context.Background()
	v := NewEvalScores(EvalScoresOptions{})
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, v.Process(ctx, []types.Event{
		scoreEvent(1, "s", "acc", 0.4, base),
		scoreEvent(2, "s", "acc", 0.6, base.Add(10*time.Minute)),
		scoreEvent(3, "s", "acc", 1.0, base.Add(90*time.Minute)),
	}))
	trends := v.Trends("acc", time.Hour)
	require.Len(t, trends, 2)
	require.Equal(t, base, trends[0].Start)
	require.Equal(t, 2, trends[0].Count)
	require.InDelta(t, 0.5, trends[0].Average, 1e-9)
	require.Equal(t, 1, trends[1].Count)
}

func TestPercentile(t *testing.T) {
	require.Zero(t, Percentile(nil, 95))
	require.EqualValues(t, 7, Percentile([]float64{7}, 99))
	data := []float64{10, 20, 30, 40, 50}
	require.EqualValues(t, 30, Percentile(data, 50))
	require.EqualValues(t, 10, Percentile(data, 0))
	require.EqualValues(t, 50, Percentile(data, 100))
	// Linear interpolation between ranks.
	require.InDelta(t, 48, Percentile(data, 95), 1e-9)
}

func TestWorkerRequestsAggregation(t *testing.T) {
	v := NewWorkerRequests(WorkerRequestsOptions{Bucket: BucketMinute, Group: GroupPath})
	base := time.Date(2025, 6, 1, 10, 0, 30, 0, time.UTC)

	for i, r := range []Request{
		{Path: "/api", Status: 200, CacheHit: true, LatencyMs: 10},
		{Path: "/api", Status: 200, LatencyMs: 20},
		{Path: "/api", Status: 500, LatencyMs: 30},
		{Path: "/other", Status: 404, LatencyMs: 5},
	} {
		r.TS = base.Add(time.Duration(i) * time.Second)
		v.Add(r)
	}

	aggs := v.Aggregates()
	require.Len(t, aggs, 2)
	api := aggs[0]
	if api.Group != "/api" {
		api = aggs[1]
	}
	require.Equal(t, 3, api.Count)
	require.Equal(t, 2, api.Status2xx)
	require.Equal(t, 1, api.Status5xx)
	require.InDelta(t, 1.0/3, api.CacheHitRatio, 1e-9)
	require.InDelta(t, 1.0/3, api.ErrorRate, 1e-9)
	require.EqualValues(t, 20, api.P50)
	require.Equal(t, base.Truncate(time.Minute), api.BucketStart)
}

func TestWorkerRequestsFromEvents(t *testing.T) {
	ctx := context.Background()
	v := NewWorkerRequests(WorkerRequestsOptions{Bucket: BucketHour})
	require.NoError(t, v.Process(ctx, []types.Event{
		{Op: types.OpCreate, Seq: 1, Target: "requests:r1", TS: time.Now().UTC(),
			After: types.Entity{"path": "/x", "status": 200.0, "latencyMs": 12.0, "cacheStatus": "HIT"}},
		// No status: skipped.
		{Op: types.OpCreate, Seq: 2, Target: "requests:r2", TS: time.Now().UTC(),
			After: types.Entity{"path": "/x"}},
	}))
	aggs := v.Aggregates()
	require.Len(t, aggs, 1)
	require.Equal(t, 1, aggs[0].Count)
	require.EqualValues(t, 1, aggs[0].CacheHitRatio)
}

func TestRequestBuffer(t *testing.T) {
	var mu sync.Mutex
	var flushed [][]Request
	sink := func(batch []Request) error {
		mu.Lock()
		flushed = append(flushed, batch)
		mu.Unlock()
		return nil
	}

	b := NewRequestBuffer(sink, 3, time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Add(Request{Status: 200}))
	}
	mu.Lock()
	require.Len(t, flushed, 1)
	require.Len(t, flushed[0], 3)
	mu.Unlock()

	// Close flushes the remainder synchronously.
	require.NoError(t, b.Add(Request{Status: 404}))
	require.NoError(t, b.Close())
	mu.Lock()
	require.Len(t, flushed, 2)
	require.Len(t, flushed[1], 1)
	mu.Unlock()

	// Adds after close are dropped.
	require.NoError(t, b.Add(Request{Status: 200}))
}

func TestRequestBufferTimer(t *testing.T) {
	var mu sync.Mutex
	count := 0
	sink := func(batch []Request) error {
		mu.Lock()
		count += len(batch)
		mu.Unlock()
		return nil
	}
	b := NewRequestBuffer(sink, 100, 20*time.Millisecond)
	defer b.Close()
	require.NoError(t, b.Add(Request{Status: 200}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, 2*time.Second, 10*time.Millisecond)
}
