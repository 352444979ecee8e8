package mv

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/parquedb/parquedb/internal/types"
)

// Score is one extracted evaluation score.
type Score struct {
	RunID       string         `json:"runId"`
	SuiteName   string         `json:"suiteName"`
	ScorerName  string         `json:"scorerName"`
	Score       float64        `json:"score"`
	Description string         `json:"description,omitempty"`
	EvalID      string         `json:"evalId,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	TS          time.Time      `json:"ts"`
}

// ScoreStats summarize one dimension's scores.
type ScoreStats struct {
	Count     int     `json:"count"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Average   float64 `json:"average"`
	StdDev    float64 `json:"stdDev"`
	Histogram []int   `json:"histogram"`
}

// TrendPoint is one time bucket of a scorer's trend series.
type TrendPoint struct {
	Start   time.Time `json:"start"`
	Count   int       `json:"count"`
	Average float64   `json:"average"`
}

// EvalScoresOptions tune the view.
type EvalScoresOptions struct {
	// MaxScores bounds the retained ring buffer. Default 1000.
	MaxScores int
	// HistogramBuckets splits [0,1] evenly. Default 10.
	HistogramBuckets int
}

func (o EvalScoresOptions) withDefaults() EvalScoresOptions {
	if o.MaxScores <= 0 {
		o.MaxScores = 1000
	}
	if o.HistogramBuckets <= 0 {
		o.HistogramBuckets = 10
	}
	return o
}

// EvalScores materializes evaluation scores: a bounded recent-score
// buffer, per-scorer/suite/run indexes, per-dimension statistics, and
// time-bucketed trends. Events missing a score or with empty suite or
// scorer names are skipped.
type EvalScores struct {
	opts EvalScoresOptions

	mu    sync.RWMutex
	ring  []Score
	start int // ring head when full
	full  bool
	stats map[string]*ScoreStats // cached per dimension key; nil after invalidation
}

// NewEvalScores creates the view.
func NewEvalScores(opts EvalScoresOptions) *EvalScores {
	o := opts.withDefaults()
	return &EvalScores{opts: o, ring: make([]Score, 0, o.MaxScores)}
}

func (v *EvalScores) Name() string { return "eval_scores" }

func (v *EvalScores) SourceNamespaces() []string { return []string{"evalite_scores", "scores"} }

// Process folds score events into the view.
func (v *EvalScores) Process(ctx context.Context, events []types.Event) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range events {
		ev := &events[i]
		if ev.Op == types.OpDelete {
			continue
		}
		s, ok := extractScore(ev)
		if !ok {
			continue
		}
		v.insertLocked(s)
	}
	return nil
}

func (v *EvalScores) insertLocked(s Score) {
	if len(v.ring) < v.opts.MaxScores {
		v.ring = append(v.ring, s)
	} else {
		v.ring[v.start] = s
		v.start = (v.start + 1) % v.opts.MaxScores
		v.full = true
	}
	// Cached statistics go stale on every insert.
	v.stats = nil
}

// Reset drops all derived state.
func (v *EvalScores) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ring = v.ring[:0]
	v.start = 0
	v.full = false
	v.stats = nil
}

// snapshotLocked returns retained scores oldest first.
func (v *EvalScores) snapshotLocked() []Score {
	if !v.full {
		return v.ring
	}
	out := make([]Score, 0, len(v.ring))
	out = append(out, v.ring[v.start:]...)
	out = append(out, v.ring[:v.start]...)
	return out
}

// Recent returns up to n most recent scores, newest last.
func (v *EvalScores) Recent(n int) []Score {
	v.mu.RLock()
	defer v.mu.RUnlock()
	snap := v.snapshotLocked()
	if n > 0 && len(snap) > n {
		snap = snap[len(snap)-n:]
	}
	out := make([]Score, len(snap))
	copy(out, snap)
	return out
}

// Dimension selects a statistics grouping.
type Dimension string

const (
	ByScorer Dimension = "scorer"
	BySuite  Dimension = "suite"
	ByRun    Dimension = "run"
)

func dimensionKey(d Dimension, s *Score) string {
	switch d {
	case BySuite:
		return s.SuiteName
	case ByRun:
		return s.RunID
	default:
		return s.ScorerName
	}
}

// Stats computes (and caches) statistics for one dimension value.
func (v *EvalScores) Stats(d Dimension, key string) ScoreStats {
	cacheKey := string(d) + "\x00" + key

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stats != nil {
		if cached, ok := v.stats[cacheKey]; ok {
			return *cached
		}
	} else {
		v.stats = make(map[string]*ScoreStats)
	}

	st := ScoreStats{Histogram: make([]int, v.opts.HistogramBuckets)}
	var sum, sumSq float64
	for _, s := range v.snapshotLocked() {
		if dimensionKey(d, &s) != key {
			continue
		}
		if st.Count == 0 || s.Score < st.Min {
			st.Min = s.Score
		}
		if st.Count == 0 || s.Score > st.Max {
			st.Max = s.Score
		}
		st.Count++
		sum += s.Score
		sumSq += s.Score * s.Score
		// The epsilon keeps boundary scores like 0.7 in their nominal
		// bucket despite float rounding.
		bucket := int(s.Score*float64(v.opts.HistogramBuckets) + 1e-9)
		if bucket >= v.opts.HistogramBuckets {
			bucket = v.opts.HistogramBuckets - 1
		}
		if bucket < 0 {
			bucket = 0
		}
		st.Histogram[bucket]++
	}
	if st.Count > 0 {
		st.Average = sum / float64(st.Count)
		variance := sumSq/float64(st.Count) - st.Average*st.Average
		if variance > 0 {
			st.StdDev = math.Sqrt(variance)
		}
	}
	v.stats[cacheKey] = &st
	return st
}

// Trends buckets one scorer's history by the given width, oldest first.
func (v *EvalScores) Trends(scorer string, bucket time.Duration) []TrendPoint {
	if bucket <= 0 {
		bucket = time.Hour
	}
	v.mu.RLock()
	defer v.mu.RUnlock()

	sums := make(map[time.Time]*TrendPoint)
	totals := make(map[time.Time]float64)
	for _, s := range v.snapshotLocked() {
		if s.ScorerName != scorer {
			continue
		}
		start := s.TS.Truncate(bucket)
		p, ok := sums[start]
		if !ok {
			p = &TrendPoint{Start: start}
			sums[start] = p
		}
		p.Count++
		totals[start] += s.Score
	}
	out := make([]TrendPoint, 0, len(sums))
	for start, p := range sums {
		p.Average = totals[start] / float64(p.Count)
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// extractScore pulls a Score out of an event state, accepting the
// alternate field spellings upstream producers use.
func extractScore(ev *types.Event) (Score, bool) {
	state := ev.State()
	if state == nil {
		return Score{}, false
	}
	score, ok := pickNumber(state, "score", "value")
	if !ok {
		return Score{}, false
	}
	suite := pickString(state, "suiteName", "suite", "suite_name")
	scorer := pickString(state, "scorerName", "scorer", "scorer_name", "name")
	if suite == "" || scorer == "" {
		return Score{}, false
	}
	s := Score{
		RunID:       pickString(state, "runId", "run_id", "run"),
		SuiteName:   suite,
		ScorerName:  scorer,
		Score:       score,
		Description: pickString(state, "description"),
		EvalID:      pickString(state, "evalId", "eval_id"),
		TS:          ev.TS,
	}
	if meta, ok := state["metadata"].(map[string]any); ok {
		s.Metadata = meta
	}
	return s, true
}

func pickString(state map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := state[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func pickNumber(state map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if f, ok := asNumber(state[k]); ok {
			return f, true
		}
	}
	return 0, false
}
