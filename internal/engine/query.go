package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/parquedb/parquedb/internal/columnar"
	"github.com/parquedb/parquedb/internal/filter"
	"github.com/parquedb/parquedb/internal/rels"
	"github.com/parquedb/parquedb/internal/types"
)

// FindOptions page, order, project, and hydrate a query.
type FindOptions struct {
	Sort    []columnar.SortField
	Skip    int
	Limit   int
	Columns []string
	// Hydrate lists link fields to resolve inline through the batch
	// loader.
	Hydrate []string
}

// GetOptions control a point lookup.
type GetOptions struct {
	Hydrate []string
}

// overlay is the pending region of a namespace: every staged row keyed by
// full id, in write order, tombstones included.
type overlay struct {
	order []string
	byID  map[string]map[string]any
}

func (o *overlay) empty() bool { return len(o.byID) == 0 }

func (e *Engine) loadOverlay(ctx context.Context, ns string) (*overlay, error) {
	o := &overlay{byID: make(map[string]map[string]any)}
	groups, err := e.index.PendingGroups(ctx, ns)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		rows, err := e.readAllRows(ctx, g.Path)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		for _, row := range rows {
			id, _ := row[types.FieldID].(string)
			if id == "" {
				continue
			}
			if _, ok := o.byID[id]; !ok {
				o.order = append(o.order, id)
			}
			o.byID[id] = row
		}
	}
	return o, nil
}

// Find queries ns. The merged file streams through the columnar scan
// operator with filter pushdown; the pending region overlays it with
// later writes winning.
func (e *Engine) Find(ctx context.Context, ns string, f map[string]any, opts FindOptions) ([]types.Entity, error) {
	ov, err := e.loadOverlay(ctx, ns)
	if err != nil {
		return nil, err
	}

	var results []types.Entity
	if ov.empty() {
		results, err = e.scanMerged(ctx, ns, f, columnar.ScanOptions{
			Sort:    opts.Sort,
			Skip:    opts.Skip,
			Limit:   opts.Limit,
			Columns: opts.Columns,
		}, nil)
		if err != nil {
			return nil, err
		}
	} else {
		merged, err := e.scanMerged(ctx, ns, f, columnar.ScanOptions{}, ov.byID)
		if err != nil {
			return nil, err
		}
		results = merged
		for _, id := range ov.order {
			row := ov.byID[id]
			if t, _ := row[tombstoneField].(bool); t {
				continue
			}
			if f != nil {
				ok, err := filter.Matches(row, f)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
			}
			results = append(results, row)
		}
		sortEntities(results, opts.Sort)
		if opts.Skip > 0 {
			if opts.Skip >= len(results) {
				results = nil
			} else {
				results = results[opts.Skip:]
			}
		}
		if opts.Limit > 0 && len(results) > opts.Limit {
			results = results[:opts.Limit]
		}
		if len(opts.Columns) > 0 {
			results = projectColumns(results, opts.Columns)
		}
	}

	if len(opts.Hydrate) > 0 {
		visited := map[string]bool{}
		if err := e.hydrate(ctx, ns, results, opts.Hydrate, e.opts.HydrateDepth, visited); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// scanMerged streams the committed file. exclude suppresses ids the
// pending overlay supersedes.
func (e *Engine) scanMerged(ctx context.Context, ns string, f map[string]any, scanOpts columnar.ScanOptions, exclude map[string]map[string]any) ([]types.Entity, error) {
	r, err := columnar.OpenReader(ctx, e.backend, mergedPath(ns))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	scanOpts.Filter = f
	it, err := r.Scan(ctx, scanOpts)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []types.Entity
	for {
		row, err := it.Next()
		if err != nil {
			return nil, err
		}
		if row == nil {
			return out, nil
		}
		if exclude != nil {
			if id, _ := row[types.FieldID].(string); id != "" {
				if _, shadowed := exclude[id]; shadowed {
					continue
				}
			}
		}
		out = append(out, row)
	}
}

// Get returns the current state of ns/id, or NotFound.
func (e *Engine) Get(ctx context.Context, ns, id string, opts GetOptions) (types.Entity, error) {
	doc, err := e.currentState(ctx, ns, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s/%s", types.ErrNotFound, ns, id)
	}
	if len(opts.Hydrate) > 0 {
		visited := map[string]bool{ns + "/" + id: true}
		if err := e.hydrate(ctx, ns, []types.Entity{doc}, opts.Hydrate, e.opts.HydrateDepth, visited); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// currentState resolves ns/id against pending first, merged second. A nil
// entity with nil error means absent (or tombstoned).
func (e *Engine) currentState(ctx context.Context, ns, id string) (types.Entity, error) {
	full := ns + "/" + id
	ov, err := e.loadOverlay(ctx, ns)
	if err != nil {
		return nil, err
	}
	if row, ok := ov.byID[full]; ok {
		if t, _ := row[tombstoneField].(bool); t {
			return nil, nil
		}
		return row, nil
	}
	matches, err := e.scanMerged(ctx, ns, map[string]any{types.FieldID: full}, columnar.ScanOptions{Limit: 1}, nil)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

// Count returns the number of live entities matching f. With no filter
// and no pending region the footer row count answers without a scan.
func (e *Engine) Count(ctx context.Context, ns string, f map[string]any) (int64, error) {
	ov, err := e.loadOverlay(ctx, ns)
	if err != nil {
		return 0, err
	}
	if f == nil && ov.empty() {
		r, err := columnar.OpenReader(ctx, e.backend, mergedPath(ns))
		if err != nil {
			if isNotFound(err) {
				return 0, nil
			}
			return 0, err
		}
		return r.Footer().NumRows, nil
	}
	results, err := e.Find(ctx, ns, f, FindOptions{})
	if err != nil {
		return 0, err
	}
	return int64(len(results)), nil
}

// hydrate resolves link fields inline. Entities already on the current
// path are left unexpanded so cyclic graphs terminate; depth caps the
// recursion regardless.
func (e *Engine) hydrate(ctx context.Context, ns string, ents []types.Entity, fields []string, depth int, visited map[string]bool) error {
	if depth <= 0 {
		return nil
	}
	schema, hasSchema := e.Schema(ns)

	type task struct {
		ent       types.Entity
		field     string
		typ, id   string
		predicate string
		related   []types.Entity
	}
	var tasks []*task
	for _, ent := range ents {
		full, _ := ent[types.FieldID].(string)
		if full != "" {
			visited[full] = true
		}
		typ, _ := ent[types.FieldTypeKey].(string)
		if typ == "" {
			typ = ns
		}
		for _, field := range fields {
			predicate := field
			if hasSchema {
				if sf := schema.FieldByName(field); sf != nil && sf.Relation != nil && sf.Relation.Predicate != "" {
					predicate = sf.Relation.Predicate
				}
			}
			tasks = append(tasks, &task{ent: ent, field: field, typ: typ, id: full, predicate: predicate})
		}
	}

	// Fire all lookups at once so the batch loader coalesces them into
	// one flush cycle.
	g, gctx := errgroup.WithContext(ctx)
	for _, tk := range tasks {
		g.Go(func() error {
			related, err := e.loader.Load(gctx, tk.typ, tk.id, tk.predicate)
			if err != nil && !isNotFound(err) {
				return err
			}
			tk.related = related
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, tk := range tasks {
		expanded := make([]any, 0, len(tk.related))
		for _, rel := range tk.related {
			relID, _ := rel[types.FieldID].(string)
			if relID != "" && visited[relID] {
				expanded = append(expanded, map[string]any{types.FieldID: relID})
				continue
			}
			if relNs, _, ok := strings.Cut(relID, "/"); ok && depth > 1 {
				if err := e.hydrate(ctx, relNs, []types.Entity{rel}, fields, depth-1, visited); err != nil {
					return err
				}
			}
			expanded = append(expanded, map[string]any(rel))
		}
		tk.ent[tk.field] = expanded
	}
	return nil
}

// loadRelated backs the batch loader: forward edges of (ns, id, relation)
// resolved to their target entities.
func (e *Engine) loadRelated(ctx context.Context, ns, id, relation string) ([]types.Entity, error) {
	if e.rels == nil {
		return nil, nil
	}
	page, err := e.rels.GetRelated(ctx, ns, id, relation, rels.GetRelatedOptions{})
	if err != nil {
		return nil, err
	}
	var out []types.Entity
	for _, edge := range page.Items {
		target, err := e.Get(ctx, edge.ToNs, edge.ToID, GetOptions{})
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, target)
	}
	return out, nil
}

func sortEntities(ents []types.Entity, fields []columnar.SortField) {
	if len(fields) == 0 {
		return
	}
	sort.SliceStable(ents, func(i, j int) bool {
		for _, f := range fields {
			c := filter.CompareSortKeys(ents[i][f.Field], ents[j][f.Field])
			if c == 0 {
				continue
			}
			if f.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func projectColumns(ents []types.Entity, columns []string) []types.Entity {
	out := make([]types.Entity, len(ents))
	for i, ent := range ents {
		p := make(types.Entity, len(columns))
		for _, c := range columns {
			if v, ok := ent[c]; ok {
				p[c] = v
			}
		}
		out[i] = p
	}
	return out
}

func numValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
