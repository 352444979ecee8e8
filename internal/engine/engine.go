// Package engine is ParqueDB's read/write core: bulk writes stage pending
// column files off the event log, a per-namespace merge folds them into
// the committed file, and queries stream both regions through the
// columnar scan operator.
package engine

import (
	"context"
	"errors"
	"path"
	"sync"

	"github.com/parquedb/parquedb/internal/batch"
	"github.com/parquedb/parquedb/internal/columnar"
	"github.com/parquedb/parquedb/internal/rels"
	"github.com/parquedb/parquedb/internal/storage"
	"github.com/parquedb/parquedb/internal/types"
	"github.com/parquedb/parquedb/internal/wal"
)

// Options configure an Engine.
type Options struct {
	// Columnar tunes the row-group writer for both pending and merged
	// files.
	Columnar columnar.Options
	// HydrateDepth caps recursive hydration. Default 3.
	HydrateDepth int
	// Loader tunes the relationship batch loader.
	Loader batch.Options
}

func (o Options) withDefaults() Options {
	if o.HydrateDepth <= 0 {
		o.HydrateDepth = 3
	}
	return o
}

// Engine owns one database directory.
type Engine struct {
	backend storage.Backend
	log     *wal.Log
	index   *wal.Index
	rels    *rels.Store
	opts    Options

	loader *batch.Loader

	schemaMu sync.RWMutex
	schemas  map[string]types.CollectionSchema // keyed by namespace

	mergeMu sync.Mutex
	merges  map[string]*sync.Mutex // per-namespace merge locks
}

// New creates an engine over the backend. log and index carry the event
// stream and the pending-group registry; relStore may be nil when the
// database has no relationships.
func New(backend storage.Backend, log *wal.Log, index *wal.Index, relStore *rels.Store, opts Options) *Engine {
	e := &Engine{
		backend: backend,
		log:     log,
		index:   index,
		rels:    relStore,
		opts:    opts.withDefaults(),
		schemas: make(map[string]types.CollectionSchema),
		merges:  make(map[string]*sync.Mutex),
	}
	e.loader = batch.NewLoader(e.loadRelated, opts.Loader)
	return e
}

// RegisterSchema attaches a collection schema; subsequent writes to its
// namespace validate against it.
func (e *Engine) RegisterSchema(ns string, schema types.CollectionSchema) {
	e.schemaMu.Lock()
	e.schemas[ns] = schema
	e.schemaMu.Unlock()
}

// Schema returns the registered schema for ns, if any.
func (e *Engine) Schema(ns string) (types.CollectionSchema, bool) {
	e.schemaMu.RLock()
	defer e.schemaMu.RUnlock()
	s, ok := e.schemas[ns]
	return s, ok
}

// Schemas returns a copy of every registered collection schema, keyed by
// namespace.
func (e *Engine) Schemas() map[string]types.CollectionSchema {
	e.schemaMu.RLock()
	defer e.schemaMu.RUnlock()
	out := make(map[string]types.CollectionSchema, len(e.schemas))
	for ns, s := range e.schemas {
		out[ns] = s
	}
	return out
}

// Loader exposes the relationship batch loader, shared with hydration.
func (e *Engine) Loader() *batch.Loader { return e.loader }

func (e *Engine) mergeLock(ns string) *sync.Mutex {
	e.mergeMu.Lock()
	defer e.mergeMu.Unlock()
	m, ok := e.merges[ns]
	if !ok {
		m = &sync.Mutex{}
		e.merges[ns] = m
	}
	return m
}

func mergedPath(ns string) string { return path.Join("data", ns, "data.parquet") }
func pendingDir(ns string) string { return path.Join("data", ns, "pending") }
func pendingPath(ns, batchID string) string {
	return path.Join(pendingDir(ns), batchID+".parquet")
}

// NsStats summarizes one namespace's storage state.
type NsStats struct {
	Ns           string `json:"ns"`
	MergedRows   int64  `json:"mergedRows"`
	PendingFiles int    `json:"pendingFiles"`
	PendingRows  int64  `json:"pendingRows"`
	HighWater    uint64 `json:"highWater"`
}

// Stats reports per-namespace row and pending counts.
func (e *Engine) Stats(ctx context.Context) ([]NsStats, error) {
	names, err := e.log.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	var out []NsStats
	for _, ns := range names {
		st := NsStats{Ns: ns}
		if r, err := columnar.OpenReader(ctx, e.backend, mergedPath(ns)); err == nil {
			st.MergedRows = r.Footer().NumRows
		} else if !isNotFound(err) {
			return nil, err
		}
		groups, err := e.index.PendingGroups(ctx, ns)
		if err != nil {
			return nil, err
		}
		st.PendingFiles = len(groups)
		for _, g := range groups {
			st.PendingRows += g.RowCount
		}
		if st.HighWater, err = e.log.HighWater(ctx, ns); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}
