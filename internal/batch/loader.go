// Package batch coalesces relationship fetches. Lookups arriving within a
// short window are grouped by (type, relation), duplicates share one
// in-flight call, and the grouped lookups run concurrently on flush. This
// turns N+1 traversal patterns into one round per relation.
package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/parquedb/parquedb/internal/debug"
	"github.com/parquedb/parquedb/internal/types"
)

// LoadFunc resolves one entity's relation to its related entities.
type LoadFunc func(ctx context.Context, ns, id, relation string) ([]types.Entity, error)

// ErrCleared rejects requests that were pending when Clear ran.
var ErrCleared = fmt.Errorf("%w: batch loader cleared", types.ErrCancelled)

// Options tune the coalescing window.
type Options struct {
	// Window is how long the loader waits for more requests before
	// flushing. Default 5ms.
	Window time.Duration
	// MaxBatchSize flushes early once this many distinct requests are
	// pending. Default 100.
	MaxBatchSize int
	// DisableDedup gives every caller its own underlying call even for
	// identical (type, id, relation) tuples.
	DisableDedup bool
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = 5 * time.Millisecond
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 100
	}
	return o
}

type requestKey struct {
	ns, id, relation string
}

type request struct {
	key    requestKey
	done   chan struct{}
	result []types.Entity
	err    error
}

// Loader is the coalescing front of a LoadFunc.
type Loader struct {
	fetch LoadFunc
	opts  Options

	mu      sync.Mutex
	pending map[requestKey]*request
	queue   []*request
	timer   *time.Timer
	cycle   uint64

	flushMu sync.Mutex
}

// NewLoader wraps fetch with coalescing.
func NewLoader(fetch LoadFunc, opts Options) *Loader {
	return &Loader{
		fetch:   fetch,
		opts:    opts.withDefaults(),
		pending: make(map[requestKey]*request),
	}
}

// Load resolves the relation of (typ, id). typ is an entity type name and
// is pluralized to its namespace; id may be raw or namespaced.
func (l *Loader) Load(ctx context.Context, typ, id, relation string) ([]types.Entity, error) {
	key := requestKey{ns: Pluralize(typ), id: NormalizeID(id), relation: relation}

	l.mu.Lock()
	req, shared := l.pending[key]
	if shared && !l.opts.DisableDedup {
		l.mu.Unlock()
	} else {
		req = &request{key: key, done: make(chan struct{})}
		if !l.opts.DisableDedup {
			l.pending[key] = req
		}
		l.queue = append(l.queue, req)
		if len(l.queue) >= l.opts.MaxBatchSize {
			l.flushLocked()
			l.mu.Unlock()
		} else {
			if l.timer == nil {
				l.timer = time.AfterFunc(l.opts.Window, l.windowExpired)
			}
			l.mu.Unlock()
		}
	}

	select {
	case <-req.done:
		return req.result, req.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", types.ErrCancelled, ctx.Err())
	}
}

func (l *Loader) windowExpired() {
	l.mu.Lock()
	l.flushLocked()
	l.mu.Unlock()
}

// Flush runs all pending requests immediately.
func (l *Loader) Flush() {
	l.mu.Lock()
	l.flushLocked()
	l.mu.Unlock()
}

// flushLocked hands the queued requests to a flush cycle. Caller holds mu.
// Cycles serialize on flushMu; the requests inside one cycle run
// concurrently.
func (l *Loader) flushLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if len(l.queue) == 0 {
		return
	}
	queue := l.queue
	l.queue = nil
	l.pending = make(map[requestKey]*request)
	l.cycle++
	cycle := l.cycle

	go func() {
		l.flushMu.Lock()
		defer l.flushMu.Unlock()

		byRelation := make(map[string]int)
		var wg sync.WaitGroup
		for _, req := range queue {
			byRelation[req.key.ns+"."+req.key.relation]++
			wg.Add(1)
			go func(req *request) {
				defer wg.Done()
				defer close(req.done)
				req.result, req.err = l.fetch(context.Background(), req.key.ns, req.key.id, req.key.relation)
			}(req)
		}
		wg.Wait()
		debug.Logf("batch: cycle %d resolved %d requests across %d relations", cycle, len(queue), len(byRelation))
	}()
}

// Clear rejects every pending request and empties internal state.
func (l *Loader) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	for _, req := range l.queue {
		req.err = ErrCleared
		close(req.done)
	}
	l.queue = nil
	l.pending = make(map[requestKey]*request)
}

// NormalizeID strips a namespace prefix, accepting raw local IDs and
// namespaced ones alike.
func NormalizeID(id string) string {
	if i := strings.IndexByte(id, '/'); i >= 0 {
		return id[i+1:]
	}
	return id
}

// Pluralize maps an entity type name to its collection namespace. Already
// lowercase-plural names pass through unchanged.
func Pluralize(typ string) string {
	s := strings.ToLower(typ)
	switch {
	case s == "":
		return s
	case strings.HasSuffix(s, "ies") || (strings.HasSuffix(s, "s") && !strings.HasSuffix(s, "ss")):
		return s
	case strings.HasSuffix(s, "y") && !strings.HasSuffix(s, "ay") && !strings.HasSuffix(s, "ey") && !strings.HasSuffix(s, "oy") && !strings.HasSuffix(s, "uy"):
		return s[:len(s)-1] + "ies"
	case strings.HasSuffix(s, "s") || strings.HasSuffix(s, "x") || strings.HasSuffix(s, "z") ||
		strings.HasSuffix(s, "ch") || strings.HasSuffix(s, "sh"):
		return s + "es"
	default:
		return s + "s"
	}
}
