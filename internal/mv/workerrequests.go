package mv

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/parquedb/parquedb/internal/types"
)

// TimeBucket is the aggregation granularity.
type TimeBucket string

const (
	BucketMinute TimeBucket = "minute"
	BucketHour   TimeBucket = "hour"
	BucketDay    TimeBucket = "day"
	BucketMonth  TimeBucket = "month"
)

// GroupBy selects an optional secondary grouping dimension.
type GroupBy string

const (
	GroupNone    GroupBy = ""
	GroupPath    GroupBy = "path"
	GroupColo    GroupBy = "colo"
	GroupCountry GroupBy = "country"
	GroupStatus  GroupBy = "status"
)

// Request is one extracted HTTP request record.
type Request struct {
	TS        time.Time `json:"ts"`
	Path      string    `json:"path,omitempty"`
	Colo      string    `json:"colo,omitempty"`
	Country   string    `json:"country,omitempty"`
	Status    int       `json:"status"`
	CacheHit  bool      `json:"cacheHit"`
	LatencyMs float64   `json:"latencyMs"`
}

// RequestAggregate is one (bucket, group) cell.
type RequestAggregate struct {
	BucketStart   time.Time `json:"bucketStart"`
	Group         string    `json:"group,omitempty"`
	Count         int       `json:"count"`
	Status2xx     int       `json:"status2xx"`
	Status3xx     int       `json:"status3xx"`
	Status4xx     int       `json:"status4xx"`
	Status5xx     int       `json:"status5xx"`
	CacheHitRatio float64   `json:"cacheHitRatio"`
	P50           float64   `json:"p50"`
	P95           float64   `json:"p95"`
	P99           float64   `json:"p99"`
	ErrorRate     float64   `json:"errorRate"`
}

// WorkerRequestsOptions tune the view.
type WorkerRequestsOptions struct {
	Bucket TimeBucket
	Group  GroupBy
}

type reqCell struct {
	count     int
	s2xx      int
	s3xx      int
	s4xx      int
	s5xx      int
	cacheHits int
	latencies []float64
}

type cellKey struct {
	start time.Time
	group string
}

// WorkerRequests materializes HTTP request metrics: time-bucketed counts,
// status tallies, cache hit ratio, latency percentiles, and error rates.
type WorkerRequests struct {
	opts WorkerRequestsOptions

	mu    sync.RWMutex
	cells map[cellKey]*reqCell
}

// NewWorkerRequests creates the view. Default bucket is hour.
func NewWorkerRequests(opts WorkerRequestsOptions) *WorkerRequests {
	if opts.Bucket == "" {
		opts.Bucket = BucketHour
	}
	return &WorkerRequests{opts: opts, cells: make(map[cellKey]*reqCell)}
}

func (v *WorkerRequests) Name() string { return "worker_requests" }

func (v *WorkerRequests) SourceNamespaces() []string { return []string{"worker_requests", "requests"} }

// Process folds request events into the cells.
func (v *WorkerRequests) Process(ctx context.Context, events []types.Event) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range events {
		ev := &events[i]
		if ev.Op == types.OpDelete {
			continue
		}
		r, ok := extractRequest(ev)
		if !ok {
			continue
		}
		v.addLocked(r)
	}
	return nil
}

// Add records one request directly, bypassing the event stream.
func (v *WorkerRequests) Add(r Request) {
	v.mu.Lock()
	v.addLocked(r)
	v.mu.Unlock()
}

func (v *WorkerRequests) addLocked(r Request) {
	key := cellKey{start: truncateBucket(r.TS, v.opts.Bucket), group: v.groupOf(&r)}
	cell, ok := v.cells[key]
	if !ok {
		cell = &reqCell{}
		v.cells[key] = cell
	}
	cell.count++
	switch {
	case r.Status >= 500:
		cell.s5xx++
	case r.Status >= 400:
		cell.s4xx++
	case r.Status >= 300:
		cell.s3xx++
	case r.Status >= 200:
		cell.s2xx++
	}
	if r.CacheHit {
		cell.cacheHits++
	}
	cell.latencies = append(cell.latencies, r.LatencyMs)
}

func (v *WorkerRequests) groupOf(r *Request) string {
	switch v.opts.Group {
	case GroupPath:
		return r.Path
	case GroupColo:
		return r.Colo
	case GroupCountry:
		return r.Country
	case GroupStatus:
		return statusClass(r.Status)
	}
	return ""
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	}
	return "1xx"
}

// Reset drops all cells.
func (v *WorkerRequests) Reset() {
	v.mu.Lock()
	v.cells = make(map[cellKey]*reqCell)
	v.mu.Unlock()
}

// Aggregates returns all cells ordered by bucket start, then group.
func (v *WorkerRequests) Aggregates() []RequestAggregate {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]RequestAggregate, 0, len(v.cells))
	for key, cell := range v.cells {
		agg := RequestAggregate{
			BucketStart: key.start,
			Group:       key.group,
			Count:       cell.count,
			Status2xx:   cell.s2xx,
			Status3xx:   cell.s3xx,
			Status4xx:   cell.s4xx,
			Status5xx:   cell.s5xx,
		}
		if cell.count > 0 {
			agg.CacheHitRatio = float64(cell.cacheHits) / float64(cell.count)
			agg.ErrorRate = float64(cell.s4xx+cell.s5xx) / float64(cell.count)
		}
		sorted := make([]float64, len(cell.latencies))
		copy(sorted, cell.latencies)
		sort.Float64s(sorted)
		agg.P50 = Percentile(sorted, 50)
		agg.P95 = Percentile(sorted, 95)
		agg.P99 = Percentile(sorted, 99)
		out = append(out, agg)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BucketStart.Equal(out[j].BucketStart) {
			return out[i].BucketStart.Before(out[j].BucketStart)
		}
		return out[i].Group < out[j].Group
	})
	return out
}

// Percentile computes the p-th percentile of an ascending slice with
// linear interpolation. Empty input yields 0; a single element yields
// itself.
func Percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(rank)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

func truncateBucket(ts time.Time, bucket TimeBucket) time.Time {
	ts = ts.UTC()
	switch bucket {
	case BucketMinute:
		return ts.Truncate(time.Minute)
	case BucketDay:
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	case BucketMonth:
		return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return ts.Truncate(time.Hour)
	}
}

func extractRequest(ev *types.Event) (Request, bool) {
	state := ev.State()
	if state == nil {
		return Request{}, false
	}
	status, ok := pickNumber(state, "status", "statusCode", "status_code")
	if !ok {
		return Request{}, false
	}
	r := Request{
		TS:      ev.TS,
		Path:    pickString(state, "path", "url"),
		Colo:    pickString(state, "colo"),
		Country: pickString(state, "country"),
		Status:  int(status),
	}
	if hit, ok := state["cacheHit"].(bool); ok {
		r.CacheHit = hit
	} else if cs := pickString(state, "cacheStatus", "cache_status"); cs == "HIT" || cs == "hit" {
		r.CacheHit = true
	}
	if lat, ok := pickNumber(state, "latencyMs", "latency_ms", "duration"); ok {
		r.LatencyMs = lat
	}
	if tsStr := pickString(state, "timestamp", "ts"); tsStr != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, tsStr); err == nil {
			r.TS = parsed.UTC()
		}
	}
	return r, true
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
