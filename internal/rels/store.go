package rels

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/parquedb/parquedb/internal/columnar"
	"github.com/parquedb/parquedb/internal/debug"
	"github.com/parquedb/parquedb/internal/filter"
	"github.com/parquedb/parquedb/internal/storage"
	"github.com/parquedb/parquedb/internal/types"
)

const (
	forwardFile = "forward.parquet"
	reverseFile = "reverse.parquet"
)

// edgeKey identifies one logical edge across its versions.
type edgeKey struct {
	fromNs, fromID, predicate, toNs, toID string
}

func keyOf(e *types.Edge) edgeKey {
	return edgeKey{e.FromNs, e.FromID, e.Predicate, e.ToNs, e.ToID}
}

type edgeState struct {
	version int
	deleted bool
}

// Store persists edges as a forward file keyed on (fromNs, fromId,
// predicate) and a reverse file keyed on (toNs, toId, reverse). Writes
// buffer in memory until Save rewrites both files.
type Store struct {
	backend storage.Backend
	dir     string

	mu      sync.RWMutex
	saved   []types.Edge
	pending []types.Edge
	latest  map[edgeKey]edgeState

	forwardHash string
	reverseHash string
}

// NewStore creates a store rooted at dir within the backend.
func NewStore(backend storage.Backend, dir string) *Store {
	return &Store{
		backend: backend,
		dir:     dir,
		latest:  make(map[edgeKey]edgeState),
	}
}

// Load reads the forward file into memory. A missing file is an empty
// store.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := columnar.OpenReader(ctx, s.backend, path.Join(s.dir, forwardFile))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			s.saved = nil
			s.latest = make(map[edgeKey]edgeState)
			return nil
		}
		return err
	}
	var edges []types.Edge
	for gi := 0; gi < r.NumRowGroups(); gi++ {
		rows, err := r.ReadRowGroup(ctx, gi, nil)
		if err != nil {
			return err
		}
		for _, row := range rows {
			e, err := rowToEdge(row)
			if err != nil {
				return err
			}
			edges = append(edges, e)
		}
	}
	s.saved = edges
	s.latest = buildLatest(edges)
	debug.Logf("rels: loaded %d edge rows from %s", len(edges), s.dir)
	return nil
}

func buildLatest(edges []types.Edge) map[edgeKey]edgeState {
	latest := make(map[edgeKey]edgeState, len(edges))
	for i := range edges {
		e := &edges[i]
		k := keyOf(e)
		if cur, ok := latest[k]; !ok || e.Version > cur.version {
			latest[k] = edgeState{version: e.Version, deleted: e.Deleted()}
		}
	}
	return latest
}

// Put appends a new version of the edge. Match-quality metadata is
// validated and the version counter advances past any prior version of
// the same edge.
func (s *Store) Put(ctx context.Context, e types.Edge) (types.Edge, error) {
	if e.FromNs == "" || e.FromID == "" || e.Predicate == "" || e.ToNs == "" || e.ToID == "" {
		return e, fmt.Errorf("%w: edge missing key fields", types.ErrInvariant)
	}
	if err := ValidateShredded(e.MatchMode, e.Similarity); err != nil {
		return e, err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyOf(&e)
	e.Version = s.latest[k].version + 1
	e.DeletedAt = nil
	e.DeletedBy = ""
	s.pending = append(s.pending, e)
	s.latest[k] = edgeState{version: e.Version}
	return e, nil
}

// Delete soft-deletes the edge by appending a tombstone version. Deleting
// an absent or already deleted edge fails with NotFound.
func (s *Store) Delete(ctx context.Context, fromNs, fromID, predicate, toNs, toID, by string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := edgeKey{fromNs, fromID, predicate, toNs, toID}
	cur, ok := s.latest[k]
	if !ok || cur.deleted {
		return fmt.Errorf("%w: edge %s/%s -[%s]-> %s/%s", types.ErrNotFound, fromNs, fromID, predicate, toNs, toID)
	}

	live, ok := s.findVersionLocked(k, cur.version)
	if !ok {
		return fmt.Errorf("%w: edge index out of sync for %v", types.ErrFatal, k)
	}
	now := time.Now().UTC()
	tomb := live
	tomb.Version = cur.version + 1
	tomb.DeletedAt = &now
	tomb.DeletedBy = by
	s.pending = append(s.pending, tomb)
	s.latest[k] = edgeState{version: tomb.Version, deleted: true}
	return nil
}

func (s *Store) findVersionLocked(k edgeKey, version int) (types.Edge, bool) {
	for i := len(s.pending) - 1; i >= 0; i-- {
		if keyOf(&s.pending[i]) == k && s.pending[i].Version == version {
			return s.pending[i], true
		}
	}
	for i := len(s.saved) - 1; i >= 0; i-- {
		if keyOf(&s.saved[i]) == k && s.saved[i].Version == version {
			return s.saved[i], true
		}
	}
	return types.Edge{}, false
}

// Save rewrites both column files from the full edge history and returns
// their content hashes (forward, reverse).
func (s *Store) Save(ctx context.Context) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]types.Edge, 0, len(s.saved)+len(s.pending))
	all = append(all, s.saved...)
	all = append(all, s.pending...)

	fwd := make([]types.Edge, len(all))
	copy(fwd, all)
	sort.SliceStable(fwd, func(i, j int) bool {
		a, b := &fwd[i], &fwd[j]
		if a.FromNs != b.FromNs {
			return a.FromNs < b.FromNs
		}
		if a.FromID != b.FromID {
			return a.FromID < b.FromID
		}
		if a.Predicate != b.Predicate {
			return a.Predicate < b.Predicate
		}
		return a.Version < b.Version
	})
	fh, err := s.writeFileLocked(ctx, forwardFile, fwd)
	if err != nil {
		return "", "", err
	}

	rev := make([]types.Edge, len(all))
	copy(rev, all)
	sort.SliceStable(rev, func(i, j int) bool {
		a, b := &rev[i], &rev[j]
		if a.ToNs != b.ToNs {
			return a.ToNs < b.ToNs
		}
		if a.ToID != b.ToID {
			return a.ToID < b.ToID
		}
		if a.Reverse != b.Reverse {
			return a.Reverse < b.Reverse
		}
		return a.Version < b.Version
	})
	rh, err := s.writeFileLocked(ctx, reverseFile, rev)
	if err != nil {
		return "", "", err
	}

	s.saved = all
	s.pending = nil
	s.forwardHash = fh
	s.reverseHash = rh
	debug.Logf("rels: saved %d edge rows (forward %s, reverse %s)", len(all), fh[:8], rh[:8])
	return fh, rh, nil
}

func (s *Store) writeFileLocked(ctx context.Context, name string, edges []types.Edge) (string, error) {
	rows := make([]map[string]any, 0, len(edges))
	for i := range edges {
		row, err := edgeToRow(edges[i])
		if err != nil {
			return "", err
		}
		rows = append(rows, row)
	}
	p := path.Join(s.dir, name)
	if err := columnar.Write(ctx, s.backend, p, rows, forwardColumns, columnar.Options{}); err != nil {
		return "", err
	}
	raw, err := s.backend.Read(ctx, p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Hashes returns the content hashes from the last Save.
func (s *Store) Hashes() (forward, reverse string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.forwardHash, s.reverseHash
}

// MatchFilter constrains edges by shredded match quality. All fields push
// down to row-group statistics on the edge files.
type MatchFilter struct {
	MatchMode     types.MatchMode
	MinSimilarity *float64
	MaxSimilarity *float64
}

// GetRelatedOptions page and filter a traversal.
type GetRelatedOptions struct {
	// Match constrains the shredded columns.
	Match MatchFilter
	// Filter is a secondary document filter evaluated against the target
	// side of each edge plus its merged metadata.
	Filter map[string]any
	Limit  int
	Skip   int
}

// Page is one page of traversal results.
type Page struct {
	Items   []types.Edge
	Total   int
	HasMore bool
}

// GetRelated returns the live outgoing edges of (fromNs, fromId) along
// predicate.
func (s *Store) GetRelated(ctx context.Context, fromNs, fromID, predicate string, opts GetRelatedOptions) (Page, error) {
	key := map[string]any{
		"fromNs":    fromNs,
		"fromId":    fromID,
		"predicate": predicate,
	}
	match := func(e *types.Edge) bool {
		return e.FromNs == fromNs && e.FromID == fromID && e.Predicate == predicate
	}
	return s.query(ctx, forwardFile, key, match, opts)
}

// GetReverseRelated returns the live incoming edges of (toNs, toId) along
// the reverse predicate name.
func (s *Store) GetReverseRelated(ctx context.Context, toNs, toID, reverse string, opts GetRelatedOptions) (Page, error) {
	key := map[string]any{
		"toNs":    toNs,
		"toId":    toID,
		"reverse": reverse,
	}
	match := func(e *types.Edge) bool {
		return e.ToNs == toNs && e.ToID == toID && e.Reverse == reverse
	}
	return s.query(ctx, reverseFile, key, match, opts)
}

func (s *Store) query(ctx context.Context, file string, key map[string]any, match func(*types.Edge) bool, opts GetRelatedOptions) (Page, error) {
	scanFilter := make(map[string]any, len(key)+2)
	for k, v := range key {
		scanFilter[k] = v
	}
	if opts.Match.MatchMode != "" {
		scanFilter["matchMode"] = string(opts.Match.MatchMode)
	}
	if simOps := simFilter(opts.Match); simOps != nil {
		scanFilter["similarity"] = simOps
	}

	var candidates []types.Edge
	r, err := columnar.OpenReader(ctx, s.backend, path.Join(s.dir, file))
	switch {
	case err == nil:
		it, err := r.Scan(ctx, columnar.ScanOptions{Filter: scanFilter})
		if err != nil {
			return Page{}, err
		}
		defer it.Close()
		for {
			row, err := it.Next()
			if err != nil {
				return Page{}, err
			}
			if row == nil {
				break
			}
			e, err := rowToEdge(row)
			if err != nil {
				return Page{}, err
			}
			candidates = append(candidates, e)
		}
	case errors.Is(err, types.ErrNotFound):
		// No saved file yet; buffered edges may still match.
	default:
		return Page{}, err
	}

	s.mu.RLock()
	for i := range s.pending {
		e := &s.pending[i]
		if match(e) && edgeMatchesShredded(e, opts.Match) {
			candidates = append(candidates, *e)
		}
	}
	latest := s.latest
	s.mu.RUnlock()

	var items []types.Edge
	for i := range candidates {
		e := &candidates[i]
		st, ok := latest[keyOf(e)]
		if !ok || st.deleted || e.Version != st.version {
			continue
		}
		if opts.Filter != nil {
			ok, err := filter.Matches(edgeDoc(e), opts.Filter)
			if err != nil {
				return Page{}, err
			}
			if !ok {
				continue
			}
		}
		items = append(items, *e)
	}

	total := len(items)
	if opts.Skip > 0 {
		if opts.Skip >= len(items) {
			items = nil
		} else {
			items = items[opts.Skip:]
		}
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return Page{
		Items:   items,
		Total:   total,
		HasMore: opts.Skip+len(items) < total,
	}, nil
}

func simFilter(m MatchFilter) map[string]any {
	if m.MinSimilarity == nil && m.MaxSimilarity == nil {
		return nil
	}
	ops := make(map[string]any, 2)
	if m.MinSimilarity != nil {
		ops["$gte"] = *m.MinSimilarity
	}
	if m.MaxSimilarity != nil {
		ops["$lte"] = *m.MaxSimilarity
	}
	return ops
}

func edgeMatchesShredded(e *types.Edge, m MatchFilter) bool {
	if m.MatchMode != "" && e.MatchMode != m.MatchMode {
		return false
	}
	if m.MinSimilarity != nil && (e.Similarity == nil || *e.Similarity < *m.MinSimilarity) {
		return false
	}
	if m.MaxSimilarity != nil && (e.Similarity == nil || *e.Similarity > *m.MaxSimilarity) {
		return false
	}
	return true
}

// edgeDoc is the view of an edge the secondary filter evaluates against:
// target identity plus the merged metadata map.
func edgeDoc(e *types.Edge) map[string]any {
	doc := map[string]any{
		"toNs": e.ToNs,
		"toId": e.ToID,
	}
	if e.ToType != "" {
		doc["toType"] = e.ToType
	}
	if e.ToName != "" {
		doc["toName"] = e.ToName
	}
	for k, v := range MergeShredded(e.MatchMode, e.Similarity, e.Data) {
		doc[k] = v
	}
	return doc
}
