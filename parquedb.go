// Package parquedb is the public surface of ParqueDB: a document database
// whose durable form is a directory of columnar collection files, a
// relationship file, and a compressed event log, with git-style branching
// over content-addressed commits.
//
// Open a database rooted at a directory, write documents through BulkWrite
// (or the Put/Update/Delete helpers), query with Mongo-style filters, and
// snapshot state into the commit DAG:
//
//	db, err := parquedb.Open(ctx, ".parquedb", parquedb.Options{})
//	...
//	db.Put(ctx, "posts", "p1", parquedb.Entity{"title": "hello"})
//	docs, err := db.Find(ctx, "posts", map[string]any{"status": "published"}, parquedb.FindOptions{})
//	db.Commit(ctx, "initial content")
package parquedb

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquedb/parquedb/internal/engine"
	"github.com/parquedb/parquedb/internal/mv"
	"github.com/parquedb/parquedb/internal/rels"
	"github.com/parquedb/parquedb/internal/storage"
	"github.com/parquedb/parquedb/internal/subscribe"
	"github.com/parquedb/parquedb/internal/telemetry"
	"github.com/parquedb/parquedb/internal/types"
	"github.com/parquedb/parquedb/internal/vcs"
	"github.com/parquedb/parquedb/internal/wal"
)

// Core types re-exported for callers.
type (
	Entity           = types.Entity
	Event            = types.Event
	Edge             = types.Edge
	Commit           = types.Commit
	CommitState      = types.CommitState
	CollectionSchema = types.CollectionSchema
	Field            = types.Field
	SchemaSnapshot   = types.SchemaSnapshot
	Op               = types.Op

	Write        = engine.Write
	BulkResult   = engine.BulkResult
	FindOptions  = engine.FindOptions
	GetOptions   = engine.GetOptions
	NsStats      = engine.NsStats
	MergeOptions = vcs.MergeOptions
	MergeResult  = vcs.MergeResult
	DiffResult   = vcs.DiffResult

	RelatedOptions = rels.GetRelatedOptions
	RelatedPage    = rels.Page
)

// Mutation kinds.
const (
	OpCreate = types.OpCreate
	OpUpdate = types.OpUpdate
	OpDelete = types.OpDelete
	OpAll    = types.OpAll
)

// Sentinel errors.
var (
	ErrNotFound    = types.ErrNotFound
	ErrConflict    = types.ErrConflict
	ErrInvariant   = types.ErrInvariant
	ErrCancelled   = types.ErrCancelled
	ErrUnavailable = types.ErrUnavailable
	ErrFatal       = types.ErrFatal
)

// Options configure an opened database.
type Options struct {
	// Backend overrides the storage layer. Defaults to a Local backend
	// rooted at the open path.
	Backend storage.Backend
	// IndexPath overrides the WAL SQLite index location. Defaults to
	// wal/index.db under the root (":memory:" for memory backends).
	IndexPath string
	// WAL tunes event batching.
	WAL wal.Options
	// Engine tunes queries, hydration, and the columnar writer.
	Engine engine.Options
	// Subscriptions tunes the subscription manager.
	Subscriptions subscribe.Options
	// Actor stamps createdBy/updatedBy and commit authorship.
	Actor string
	// WatchRefs enables the fsnotify watcher over _meta for local
	// backends so external ref updates invalidate the resolver cache.
	WatchRefs bool
}

// DB is one open ParqueDB database.
type DB struct {
	root    string
	backend storage.Backend
	index   *wal.Index
	log     *wal.Log
	rels    *rels.Store
	engine  *engine.Engine
	commits *vcs.CommitStore
	refs    *vcs.RefManager
	merger  *vcs.Merger
	views   *mv.Engine
	subs    *subscribe.Manager
	actor   string
}

// Open opens (or initializes) a database rooted at dir.
func Open(ctx context.Context, dir string, opts Options) (*DB, error) {
	backend := opts.Backend
	indexPath := opts.IndexPath
	if backend == nil {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating database root: %w", err)
		}
		local, err := storage.NewLocal(dir)
		if err != nil {
			return nil, err
		}
		backend = telemetry.WrapBackend(local)
		if indexPath == "" {
			walDir := filepath.Join(dir, "wal")
			if err := os.MkdirAll(walDir, 0750); err != nil {
				return nil, fmt.Errorf("creating wal dir: %w", err)
			}
			indexPath = filepath.Join(walDir, "index.db")
		}
	}
	if indexPath == "" {
		indexPath = ":memory:"
	}

	index, err := wal.OpenIndex(indexPath)
	if err != nil {
		return nil, err
	}
	log := wal.New(index, opts.WAL)

	relStore := rels.NewStore(backend, "rels")
	if err := relStore.Load(ctx); err != nil {
		index.Close()
		return nil, err
	}

	commits := vcs.NewCommitStore(backend, "")
	refs := vcs.NewRefManager(backend, commits, "_meta")
	db := &DB{
		root:    dir,
		backend: backend,
		index:   index,
		log:     log,
		rels:    relStore,
		engine:  engine.New(backend, log, index, relStore, opts.Engine),
		commits: commits,
		refs:    refs,
		merger:  vcs.NewMerger(commits, refs, &walSource{log: log}),
		views:   mv.NewEngine(log),
		subs:    subscribe.NewManager(opts.Subscriptions),
		actor:   opts.Actor,
	}
	if opts.WatchRefs && opts.Backend == nil {
		metaDir := filepath.Join(dir, "_meta")
		if err := os.MkdirAll(filepath.Join(metaDir, "refs", "heads"), 0750); err == nil {
			_ = os.MkdirAll(filepath.Join(metaDir, "refs", "tags"), 0750)
			if err := refs.WatchLocal(metaDir); err != nil {
				index.Close()
				return nil, err
			}
		}
	}
	return db, nil
}

// OpenMemory opens an ephemeral in-memory database (tests, scratch work).
func OpenMemory(ctx context.Context, opts Options) (*DB, error) {
	if opts.Backend == nil {
		opts.Backend = storage.NewMemory()
	}
	return Open(ctx, "", opts)
}

// Close flushes buffered events and releases the database.
func (db *DB) Close(ctx context.Context) error {
	db.views.Stop()
	var firstErr error
	if names, err := db.log.Namespaces(ctx); err == nil {
		for _, ns := range names {
			if err := db.log.Flush(ctx, ns); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	} else if firstErr == nil {
		firstErr = err
	}
	if err := db.refs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// RegisterSchema attaches a collection schema to a namespace; writes to it
// validate from then on, and commits snapshot it.
func (db *DB) RegisterSchema(ns string, schema CollectionSchema) {
	db.engine.RegisterSchema(ns, schema)
}

// BulkWrite stages a batch of mutations and fans the resulting events out
// to live subscriptions.
func (db *DB) BulkWrite(ctx context.Context, ns string, writes []Write) (BulkResult, error) {
	res, err := db.engine.BulkWrite(ctx, ns, writes, db.actor)
	if err != nil {
		return res, err
	}
	events, err := db.log.Events(ctx, ns, res.FirstSeq)
	if err != nil {
		return res, nil
	}
	for _, ev := range events {
		if ev.Seq > res.LastSeq {
			break
		}
		db.subs.Dispatch(ev)
	}
	return res, nil
}

// Put creates a document. Empty id lets the engine generate one; the
// assigned id comes back.
func (db *DB) Put(ctx context.Context, ns, id string, doc Entity) (string, error) {
	res, err := db.BulkWrite(ctx, ns, []Write{{Op: OpCreate, ID: id, Doc: doc}})
	if err != nil {
		return "", err
	}
	return res.IDs[0], nil
}

// Update applies update operators to an existing document.
func (db *DB) Update(ctx context.Context, ns, id string, update map[string]any) error {
	_, err := db.BulkWrite(ctx, ns, []Write{{Op: OpUpdate, ID: id, Update: update}})
	return err
}

// Delete tombstones a document; physical removal happens at merge time.
func (db *DB) Delete(ctx context.Context, ns, id string) error {
	_, err := db.BulkWrite(ctx, ns, []Write{{Op: OpDelete, ID: id}})
	return err
}

// Get returns a document's current state, or ErrNotFound.
func (db *DB) Get(ctx context.Context, ns, id string, opts GetOptions) (Entity, error) {
	return db.engine.Get(ctx, ns, id, opts)
}

// Find streams the namespace through filter/sort/skip/limit.
func (db *DB) Find(ctx context.Context, ns string, filter map[string]any, opts FindOptions) ([]Entity, error) {
	return db.engine.Find(ctx, ns, filter, opts)
}

// Count counts matching documents. A nil filter uses footer row counts
// when no pending writes exist.
func (db *DB) Count(ctx context.Context, ns string, filter map[string]any) (int64, error) {
	return db.engine.Count(ctx, ns, filter)
}

// Flush merges a namespace's pending files into its committed file and
// returns the merged row count.
func (db *DB) Flush(ctx context.Context, ns string) (int, error) {
	return db.engine.FlushPendingToCommitted(ctx, ns)
}

// FlushAll merges every namespace with pending writes.
func (db *DB) FlushAll(ctx context.Context) error {
	names, err := db.log.Namespaces(ctx)
	if err != nil {
		return err
	}
	for _, ns := range names {
		if _, err := db.engine.FlushPendingToCommitted(ctx, ns); err != nil {
			return fmt.Errorf("flush %s: %w", ns, err)
		}
	}
	return nil
}

// Relate records (or re-versions) an edge.
func (db *DB) Relate(ctx context.Context, edge Edge) (Edge, error) {
	if edge.CreatedBy == "" {
		edge.CreatedBy = db.actor
	}
	return db.rels.Put(ctx, edge)
}

// Unrelate soft-deletes an edge.
func (db *DB) Unrelate(ctx context.Context, fromNs, fromID, predicate, toNs, toID string) error {
	return db.rels.Delete(ctx, fromNs, fromID, predicate, toNs, toID, db.actor)
}

// Related pages through an entity's outgoing edges for a predicate.
func (db *DB) Related(ctx context.Context, ns, id, predicate string, opts RelatedOptions) (RelatedPage, error) {
	return db.rels.GetRelated(ctx, ns, id, predicate, opts)
}

// ReverseRelated pages through incoming edges by reverse predicate name.
func (db *DB) ReverseRelated(ctx context.Context, ns, id, reverse string, opts RelatedOptions) (RelatedPage, error) {
	return db.rels.GetReverseRelated(ctx, ns, id, reverse, opts)
}

// SaveRelationships persists buffered edges and returns the forward and
// reverse file hashes.
func (db *DB) SaveRelationships(ctx context.Context) (string, string, error) {
	return db.rels.Save(ctx)
}

// Commit flushes all pending state and records a commit on the current
// branch: per-collection file hashes and row counts, relationship file
// hashes, the event-log position, and a schema snapshot.
func (db *DB) Commit(ctx context.Context, message string) (Commit, error) {
	names, err := db.log.Namespaces(ctx)
	if err != nil {
		return Commit{}, err
	}
	state := types.CommitState{Collections: make(map[string]types.CollectionState)}
	var totalEvents uint64
	for _, ns := range names {
		if err := db.log.Flush(ctx, ns); err != nil {
			return Commit{}, err
		}
		if _, err := db.engine.FlushPendingToCommitted(ctx, ns); err != nil {
			return Commit{}, fmt.Errorf("flush %s: %w", ns, err)
		}
		high, err := db.log.HighWater(ctx, ns)
		if err != nil {
			return Commit{}, err
		}
		totalEvents += high

		cs := types.CollectionState{}
		raw, err := db.backend.Read(ctx, "data/"+ns+"/data.parquet")
		switch {
		case err == nil:
			cs.DataHash = fmt.Sprintf("%x", sha256.Sum256(raw))
		case errors.Is(err, types.ErrNotFound):
			// All events for this ns were deletes; nothing merged.
		default:
			return Commit{}, err
		}
		if c, err := db.engine.Count(ctx, ns, nil); err == nil {
			cs.RowCount = c
		}
		if schema, ok := db.engine.Schema(ns); ok {
			if h, err := schema.ComputeHash(); err == nil {
				cs.SchemaHash = h
			}
		}
		state.Collections[ns] = cs
	}

	fwd, rev, err := db.rels.Save(ctx)
	if err != nil {
		return Commit{}, err
	}
	state.Relationships = types.RelationshipState{ForwardHash: fwd, ReverseHash: rev}
	state.EventLog = types.EventLogPosition{Offset: totalEvents}

	head, err := db.refs.GetHead(ctx)
	if err != nil {
		return Commit{}, err
	}
	var parents []string
	if parent, err := db.refs.ResolveRef(ctx, types.RefHEAD); err != nil {
		return Commit{}, err
	} else if parent != "" {
		parents = []string{parent}
	}

	snapshot := types.SchemaSnapshot{
		CapturedAt:  time.Now().UTC(),
		Collections: db.engine.Schemas(),
	}
	c, err := db.commits.CreateCommitWithSchema(ctx, state, snapshot, vcs.CommitOptions{
		Message: message,
		Author:  db.actor,
		Parents: parents,
	})
	if err != nil {
		return Commit{}, err
	}

	if head.Type == "branch" {
		if err := db.refs.UpdateRef(ctx, head.Ref, c.Hash); err != nil {
			return Commit{}, err
		}
	} else {
		if err := db.refs.DetachHead(ctx, c.Hash); err != nil {
			return Commit{}, err
		}
	}
	return c, nil
}

// Branch creates a branch at the current HEAD commit.
func (db *DB) Branch(ctx context.Context, name string) error {
	hash, err := db.refs.ResolveRef(ctx, types.RefHEAD)
	if err != nil {
		return err
	}
	if hash == "" {
		return fmt.Errorf("%w: no commits yet", types.ErrInvariant)
	}
	return db.refs.UpdateRef(ctx, name, hash)
}

// Checkout attaches HEAD to a branch.
func (db *DB) Checkout(ctx context.Context, branch string) error {
	hash, err := db.refs.ResolveRef(ctx, branch)
	if err != nil {
		return err
	}
	if hash == "" {
		return fmt.Errorf("%w: branch %s", types.ErrNotFound, branch)
	}
	return db.refs.SetHead(ctx, branch)
}

// DeleteBranch removes a branch ref. The checked-out branch cannot be
// deleted.
func (db *DB) DeleteBranch(ctx context.Context, name string) error {
	head, err := db.refs.GetHead(ctx)
	if err != nil {
		return err
	}
	if head.Type == "branch" && head.Ref == name {
		return fmt.Errorf("%w: branch %s is checked out", types.ErrInvariant, name)
	}
	return db.refs.DeleteRef(ctx, name)
}

// Branches lists branch names.
func (db *DB) Branches(ctx context.Context) ([]string, error) {
	return db.refs.ListBranches(ctx)
}

// Head reports the current HEAD.
func (db *DB) Head(ctx context.Context) (types.Head, error) {
	return db.refs.GetHead(ctx)
}

// Merge merges a source branch into the current branch.
func (db *DB) Merge(ctx context.Context, source string, opts MergeOptions) (MergeResult, error) {
	head, err := db.refs.GetHead(ctx)
	if err != nil {
		return MergeResult{}, err
	}
	if head.Type != "branch" {
		return MergeResult{}, fmt.Errorf("%w: cannot merge onto a detached HEAD", types.ErrInvariant)
	}
	if opts.Author == "" {
		opts.Author = db.actor
	}
	return db.merger.MergeBranches(ctx, source, head.Ref, opts)
}

// History walks first-parent history from HEAD, newest first.
func (db *DB) History(ctx context.Context, limit int) ([]Commit, error) {
	hash, err := db.refs.ResolveRef(ctx, types.RefHEAD)
	if err != nil {
		return nil, err
	}
	if hash == "" {
		return nil, nil
	}
	return db.commits.Log(ctx, hash, limit)
}

// DiffSchemas compares the schema snapshots pinned at two commits.
func (db *DB) DiffSchemas(ctx context.Context, fromHash, toHash string) (DiffResult, error) {
	from, err := db.commits.LoadSchemaAtCommit(ctx, fromHash)
	if err != nil {
		return DiffResult{}, err
	}
	to, err := db.commits.LoadSchemaAtCommit(ctx, toHash)
	if err != nil {
		return DiffResult{}, err
	}
	return vcs.DiffSchemas(from, to), nil
}

// GC removes commits unreachable from any ref and returns how many were
// deleted.
func (db *DB) GC(ctx context.Context) (int, error) {
	return vcs.GC(ctx, db.commits, db.refs)
}

// Stats reports per-namespace storage statistics.
func (db *DB) Stats(ctx context.Context) ([]NsStats, error) {
	return db.engine.Stats(ctx)
}

// Subscriptions exposes the subscription manager for transports.
func (db *DB) Subscriptions() *subscribe.Manager { return db.subs }

// Views exposes the materialized-view engine.
func (db *DB) Views() *mv.Engine { return db.views }

// Events reads a namespace's event stream from a sequence.
func (db *DB) Events(ctx context.Context, ns string, fromSeq uint64) ([]Event, error) {
	return db.log.Events(ctx, ns, fromSeq)
}

// walSource adapts the per-namespace WAL to the merge engine's global
// event-range view. Global order is (ts, id); a position's offset counts
// events at or before it in that order.
type walSource struct {
	log *wal.Log
}

func (s *walSource) EventsBetween(ctx context.Context, from, to types.EventLogPosition) ([]types.Event, error) {
	names, err := s.log.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	var all []types.Event
	for _, ns := range names {
		events, err := s.log.Events(ctx, ns, 1)
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].TS.Equal(all[j].TS) {
			return all[i].TS.Before(all[j].TS)
		}
		return all[i].ID < all[j].ID
	})
	lo := int(from.Offset)
	hi := int(to.Offset)
	if lo > len(all) {
		lo = len(all)
	}
	if hi > len(all) {
		hi = len(all)
	}
	if lo >= hi {
		return nil, nil
	}
	return all[lo:hi], nil
}
