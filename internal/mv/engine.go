// Package mv is the materialized-view refresh engine: registered
// handlers receive WAL events in per-namespace order and fold them into
// derived state. Delivery is at-least-once; a handler's processed
// sequence never moves backwards.
package mv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parquedb/parquedb/internal/debug"
	"github.com/parquedb/parquedb/internal/types"
	"github.com/parquedb/parquedb/internal/wal"
)

// Handler folds events into one materialized view.
type Handler interface {
	Name() string
	SourceNamespaces() []string
	Process(ctx context.Context, events []types.Event) error
}

// Resettable handlers can drop their derived state for a full refresh.
type Resettable interface {
	Reset()
}

// Mode selects how a view refreshes.
type Mode string

const (
	// ModeStreaming tails the log and processes events as they land.
	ModeStreaming Mode = "streaming"
	// ModeScheduled drains the log on a fixed interval.
	ModeScheduled Mode = "scheduled"
	// ModeFull rebuilds from sequence zero on every Refresh call.
	ModeFull Mode = "full"
)

// HandlerOptions describe one registered view.
type HandlerOptions struct {
	Mode         Mode
	Interval     time.Duration // scheduled mode; default 1s
	MaxStaleness time.Duration
	Indexes      []string
	Tags         []string
	Description  string
}

func (o HandlerOptions) withDefaults() HandlerOptions {
	if o.Mode == "" {
		o.Mode = ModeStreaming
	}
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	return o
}

type registration struct {
	handler Handler
	opts    HandlerOptions

	mu      sync.Mutex
	lastSeq map[string]uint64
}

func (r *registration) sources() map[string]bool {
	out := make(map[string]bool)
	for _, ns := range r.handler.SourceNamespaces() {
		out[ns] = true
	}
	return out
}

// deliver hands events at and beyond the handler's cursor to the
// handler, then advances the cursor. Serialized per registration so the
// handler sees per-namespace order.
func (r *registration) deliver(ctx context.Context, ns string, events []types.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	last := r.lastSeq[ns]
	pending := events[:0:0]
	for _, ev := range events {
		if ev.Seq > last {
			pending = append(pending, ev)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if err := r.handler.Process(ctx, pending); err != nil {
		return fmt.Errorf("mv %s: %w", r.handler.Name(), err)
	}
	r.lastSeq[ns] = pending[len(pending)-1].Seq
	return nil
}

// Engine runs the registered views over a WAL.
type Engine struct {
	log *wal.Log

	mu       sync.Mutex
	handlers map[string]*registration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
}

// NewEngine creates an engine over the event log.
func NewEngine(log *wal.Log) *Engine {
	return &Engine{log: log, handlers: make(map[string]*registration)}
}

// Register adds a view. Names are unique; registering while running is
// rejected.
func (e *Engine) Register(h Handler, opts HandlerOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("%w: cannot register while running", types.ErrInvariant)
	}
	if _, dup := e.handlers[h.Name()]; dup {
		return fmt.Errorf("%w: mv %q already registered", types.ErrConflict, h.Name())
	}
	e.handlers[h.Name()] = &registration{
		handler: h,
		opts:    opts.withDefaults(),
		lastSeq: make(map[string]uint64),
	}
	return nil
}

// Start launches streaming tails and scheduled drains. Stop cancels them.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("%w: mv engine already started", types.ErrInvariant)
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true

	for _, reg := range e.handlers {
		switch reg.opts.Mode {
		case ModeStreaming:
			for ns := range reg.sources() {
				e.wg.Add(1)
				go e.streamLoop(runCtx, reg, ns)
			}
		case ModeScheduled:
			e.wg.Add(1)
			go e.scheduleLoop(runCtx, reg)
		case ModeFull:
			// Full views refresh only on explicit Refresh.
		}
	}
	return nil
}

func (e *Engine) streamLoop(ctx context.Context, reg *registration, ns string) {
	defer e.wg.Done()
	reg.mu.Lock()
	from := reg.lastSeq[ns] + 1
	reg.mu.Unlock()

	ch, err := e.log.Follow(ctx, ns, from)
	if err != nil {
		debug.Logf("mv %s: follow %s: %v", reg.handler.Name(), ns, err)
		return
	}
	for ev := range ch {
		if err := reg.deliver(ctx, ns, []types.Event{ev}); err != nil {
			debug.Logf("%v", err)
		}
	}
}

func (e *Engine) scheduleLoop(ctx context.Context, reg *registration) {
	defer e.wg.Done()
	ticker := time.NewTicker(reg.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.drain(ctx, reg); err != nil {
				debug.Logf("%v", err)
			}
		}
	}
}

func (e *Engine) drain(ctx context.Context, reg *registration) error {
	for ns := range reg.sources() {
		reg.mu.Lock()
		from := reg.lastSeq[ns] + 1
		reg.mu.Unlock()
		events, err := e.log.Events(ctx, ns, from)
		if err != nil {
			return err
		}
		if err := reg.deliver(ctx, ns, events); err != nil {
			return err
		}
	}
	return nil
}

// Flush synchronously delivers every event logged so far to every view.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	regs := make([]*registration, 0, len(e.handlers))
	for _, reg := range e.handlers {
		regs = append(regs, reg)
	}
	e.mu.Unlock()
	for _, reg := range regs {
		if err := e.drain(ctx, reg); err != nil {
			return err
		}
	}
	return nil
}

// Refresh rebuilds one view from scratch: reset derived state, rewind the
// cursor, and replay the full history.
func (e *Engine) Refresh(ctx context.Context, name string) error {
	e.mu.Lock()
	reg, ok := e.handlers[name]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: mv %q", types.ErrNotFound, name)
	}
	reg.mu.Lock()
	if r, can := reg.handler.(Resettable); can {
		r.Reset()
	}
	reg.lastSeq = make(map[string]uint64)
	reg.mu.Unlock()
	return e.drain(ctx, reg)
}

// Reset clears a view's derived state and cursor without replaying.
func (e *Engine) Reset(name string) error {
	e.mu.Lock()
	reg, ok := e.handlers[name]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: mv %q", types.ErrNotFound, name)
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, can := reg.handler.(Resettable); can {
		r.Reset()
	}
	reg.lastSeq = make(map[string]uint64)
	return nil
}

// Stop cancels streaming and scheduled work and waits for it to settle.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	e.running = false
	e.mu.Unlock()
	cancel()
	e.wg.Wait()
}

// Status reports one view's cursor positions.
type Status struct {
	Name        string            `json:"name"`
	Mode        Mode              `json:"mode"`
	Description string            `json:"description,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	LastSeq     map[string]uint64 `json:"lastSeq"`
}

// Statuses lists every registered view.
func (e *Engine) Statuses() []Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Status, 0, len(e.handlers))
	for _, reg := range e.handlers {
		reg.mu.Lock()
		last := make(map[string]uint64, len(reg.lastSeq))
		for ns, seq := range reg.lastSeq {
			last[ns] = seq
		}
		reg.mu.Unlock()
		out = append(out, Status{
			Name:        reg.handler.Name(),
			Mode:        reg.opts.Mode,
			Description: reg.opts.Description,
			Tags:        reg.opts.Tags,
			LastSeq:     last,
		})
	}
	return out
}
