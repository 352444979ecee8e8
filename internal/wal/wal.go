// Package wal implements ParqueDB's write-ahead log: an append-only,
// per-namespace, compressed event stream over a local SQLite index table.
package wal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/parquedb/parquedb/internal/debug"
	"github.com/parquedb/parquedb/internal/telemetry"
	"github.com/parquedb/parquedb/internal/types"
)

// Options tune batching behavior.
type Options struct {
	// FlushCount is the soft batch-count threshold. Default 64.
	FlushCount int
	// FlushBytes is the hard batch-size threshold (approximate, measured
	// on uncompressed event JSON). Default 256 KiB.
	FlushBytes int
}

func (o Options) withDefaults() Options {
	if o.FlushCount <= 0 {
		o.FlushCount = 64
	}
	if o.FlushBytes <= 0 {
		o.FlushBytes = 256 << 10
	}
	return o
}

// Log is the event log. Appends buffer in memory per namespace and flush
// to the index as compressed batches on count/byte thresholds or an
// explicit Flush.
type Log struct {
	index *Index
	opts  Options

	mu         sync.Mutex
	namespaces map[string]*nsLog
}

// nsLog holds one namespace's buffer. All fields are guarded by mu; cond
// broadcasts on every append so tailing readers wake up.
type nsLog struct {
	mu             sync.Mutex
	cond           *sync.Cond
	seq            uint64 // last assigned sequence
	flushedThrough uint64 // last sequence durably in the index
	buf            []types.Event
	bufBytes       int
}

// New creates a Log over an opened index.
func New(index *Index, opts Options) *Log {
	return &Log{
		index:      index,
		opts:       opts.withDefaults(),
		namespaces: make(map[string]*nsLog),
	}
}

func (l *Log) ns(ctx context.Context, name string) (*nsLog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.namespaces[name]
	if !ok {
		high, err := l.index.HighWater(ctx, name)
		if err != nil {
			return nil, err
		}
		n = &nsLog{seq: high, flushedThrough: high}
		n.cond = sync.NewCond(&n.mu)
		l.namespaces[name] = n
	}
	return n, nil
}

// Append assigns the event its namespace sequence (and an ID when the
// caller left it empty) and buffers it. The buffer flushes inline when a
// threshold trips.
func (l *Log) Append(ctx context.Context, event types.Event) (types.Event, error) {
	nsName := event.Ns()
	if nsName == "" {
		return event, fmt.Errorf("%w: event target %q has no namespace", types.ErrInvariant, event.Target)
	}
	if !event.Op.Valid() {
		return event, fmt.Errorf("%w: bad event op %q", types.ErrInvariant, event.Op)
	}
	n, err := l.ns(ctx, nsName)
	if err != nil {
		return event, err
	}

	n.mu.Lock()
	n.seq++
	event.Seq = n.seq
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.TS.IsZero() {
		event.TS = time.Now().UTC()
	}
	n.buf = append(n.buf, event)
	n.bufBytes += approxSize(&event)
	shouldFlush := len(n.buf) >= l.opts.FlushCount || n.bufBytes >= l.opts.FlushBytes
	var flushErr error
	if shouldFlush {
		flushErr = l.flushLocked(ctx, nsName, n)
	}
	n.cond.Broadcast()
	n.mu.Unlock()

	if flushErr != nil {
		return event, flushErr
	}
	return event, nil
}

// Flush persists every buffered batch. With ns == "" all namespaces
// flush.
func (l *Log) Flush(ctx context.Context, ns string) error {
	var names []string
	l.mu.Lock()
	if ns != "" {
		names = []string{ns}
	} else {
		for name := range l.namespaces {
			names = append(names, name)
		}
	}
	l.mu.Unlock()

	for _, name := range names {
		n, err := l.ns(ctx, name)
		if err != nil {
			return err
		}
		n.mu.Lock()
		err = l.flushLocked(ctx, name, n)
		n.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// flushLocked writes the buffered events as one compressed batch. Caller
// holds n.mu. Transient index failures are retried once.
func (l *Log) flushLocked(ctx context.Context, name string, n *nsLog) error {
	if len(n.buf) == 0 {
		return nil
	}
	blob, err := CompressEvents(n.buf)
	if err != nil {
		return err
	}
	first := n.buf[0].Seq
	last := n.buf[len(n.buf)-1].Seq

	attempt := func() error {
		return l.index.AppendBatch(ctx, name, first, last, blob)
	}
	if err := attempt(); err != nil {
		if !errors.Is(err, types.ErrUnavailable) {
			return err
		}
		debug.Logf("wal: transient flush failure for %s [%d,%d], retrying: %v", name, first, last, err)
		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)
		if err := backoff.Retry(attempt, bo); err != nil {
			return err
		}
	}

	debug.Logf("wal: flushed %d events for %s [%d,%d] (%d bytes compressed)",
		len(n.buf), name, first, last, len(blob))
	telemetry.AddEventsAppended(ctx, name, int64(len(n.buf)))
	n.flushedThrough = last
	n.buf = n.buf[:0]
	n.bufBytes = 0
	return nil
}

// HighWater returns the last assigned sequence for ns (buffered events
// included).
func (l *Log) HighWater(ctx context.Context, ns string) (uint64, error) {
	n, err := l.ns(ctx, ns)
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seq, nil
}

// Events returns all events of ns with seq >= fromSeq, in order, spanning
// both flushed batches and the in-memory buffer.
func (l *Log) Events(ctx context.Context, ns string, fromSeq uint64) ([]types.Event, error) {
	n, err := l.ns(ctx, ns)
	if err != nil {
		return nil, err
	}

	blobs, err := l.index.Batches(ctx, ns, fromSeq)
	if err != nil {
		return nil, err
	}
	var out []types.Event
	for _, blob := range blobs {
		events, err := DecompressEvents(blob)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if e.Seq >= fromSeq {
				out = append(out, e)
			}
		}
	}

	n.mu.Lock()
	for _, e := range n.buf {
		if e.Seq >= fromSeq {
			out = append(out, e)
		}
	}
	n.mu.Unlock()
	return out, nil
}

// Follow tails ns from fromSeq: stored events first, then live events as
// they are appended. The channel closes when ctx is done.
func (l *Log) Follow(ctx context.Context, ns string, fromSeq uint64) (<-chan types.Event, error) {
	n, err := l.ns(ctx, ns)
	if err != nil {
		return nil, err
	}
	out := make(chan types.Event)

	// Waking the cond waiter on cancellation needs a broadcast.
	go func() {
		<-ctx.Done()
		n.mu.Lock()
		n.cond.Broadcast()
		n.mu.Unlock()
	}()

	go func() {
		defer close(out)
		cursor := fromSeq
		for {
			events, err := l.Events(ctx, ns, cursor)
			if err != nil {
				debug.Logf("wal: follow %s: %v", ns, err)
				return
			}
			for _, e := range events {
				select {
				case out <- e:
					cursor = e.Seq + 1
				case <-ctx.Done():
					return
				}
			}
			n.mu.Lock()
			for ctx.Err() == nil && n.seq < cursor {
				n.cond.Wait()
			}
			n.mu.Unlock()
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return out, nil
}

// Namespaces lists namespaces known to the log (flushed or buffered).
func (l *Log) Namespaces(ctx context.Context) ([]string, error) {
	stored, err := l.index.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(stored))
	for _, ns := range stored {
		seen[ns] = true
	}
	l.mu.Lock()
	for name, n := range l.namespaces {
		n.mu.Lock()
		if len(n.buf) > 0 {
			seen[name] = true
		}
		n.mu.Unlock()
	}
	l.mu.Unlock()
	out := make([]string, 0, len(seen))
	for ns := range seen {
		out = append(out, ns)
	}
	return out, nil
}

func approxSize(e *types.Event) int {
	size := 64 + len(e.ID) + len(e.Target) + len(e.Actor)
	if raw, err := types.CanonicalJSON(e.After); err == nil {
		size += len(raw)
	}
	if raw, err := types.CanonicalJSON(e.Before); err == nil {
		size += len(raw)
	}
	return size
}
