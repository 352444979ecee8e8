package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parquedb/parquedb/internal/columnar"
	"github.com/parquedb/parquedb/internal/debug"
	"github.com/parquedb/parquedb/internal/filter"
	"github.com/parquedb/parquedb/internal/types"
	"github.com/parquedb/parquedb/internal/wal"
)

// tombstoneField marks a deleted entity's row in pending files.
const tombstoneField = "$tombstone"

// Write is one mutation in a bulk batch. Create carries Doc; Update
// carries update operators; Delete carries neither.
type Write struct {
	Op     types.Op
	ID     string // local id; generated for creates when empty
	Doc    types.Entity
	Update map[string]any
}

// BulkResult reports one staged batch.
type BulkResult struct {
	BatchID  string
	IDs      []string
	FirstSeq uint64
	LastSeq  uint64
}

// BulkWrite validates, logs, and stages a batch of mutations for ns. The
// batch is durable in the event log and queryable (via the pending
// region) when BulkWrite returns; merging into the committed file happens
// later in FlushPendingToCommitted.
func (e *Engine) BulkWrite(ctx context.Context, ns string, writes []Write, actor string) (BulkResult, error) {
	if len(writes) == 0 {
		return BulkResult{}, fmt.Errorf("%w: empty bulk write", types.ErrInvariant)
	}
	schema, hasSchema := e.Schema(ns)
	now := time.Now().UTC()

	var (
		events []types.Event
		rows   []map[string]any
		ids    []string
		seen   = make(map[string]bool, len(writes))
	)
	for i := range writes {
		w := &writes[i]
		var ev types.Event
		var row map[string]any
		var err error
		switch w.Op {
		case types.OpCreate:
			ev, row, err = e.prepareCreate(ctx, ns, w, schema, hasSchema, seen, actor, now)
		case types.OpUpdate:
			ev, row, err = e.prepareUpdate(ctx, ns, w, schema, hasSchema, actor, now)
		case types.OpDelete:
			ev, row, err = e.prepareDelete(ctx, ns, w, now)
		default:
			err = fmt.Errorf("%w: bulk write op %q", types.ErrInvariant, w.Op)
		}
		if err != nil {
			return BulkResult{}, err
		}
		ev.Actor = actor
		ev.TS = now
		events = append(events, ev)
		rows = append(rows, row)
		ids = append(ids, w.ID)
	}

	res := BulkResult{BatchID: uuid.NewString(), IDs: ids}
	for i := range events {
		logged, err := e.log.Append(ctx, events[i])
		if err != nil {
			return BulkResult{}, err
		}
		if i == 0 {
			res.FirstSeq = logged.Seq
		}
		res.LastSeq = logged.Seq
	}

	p := pendingPath(ns, res.BatchID)
	if err := columnar.Write(ctx, e.backend, p, rows, nil, e.opts.Columnar); err != nil {
		return BulkResult{}, err
	}
	if err := e.index.AddPendingGroup(ctx, wal.PendingGroup{
		BatchID:   res.BatchID,
		Ns:        ns,
		Path:      p,
		RowCount:  int64(len(rows)),
		FirstSeq:  res.FirstSeq,
		LastSeq:   res.LastSeq,
		CreatedAt: now,
	}); err != nil {
		return BulkResult{}, err
	}
	debug.Logf("engine: staged batch %s for %s (%d writes, seq [%d,%d])",
		res.BatchID, ns, len(writes), res.FirstSeq, res.LastSeq)
	return res, nil
}

func (e *Engine) prepareCreate(ctx context.Context, ns string, w *Write, schema types.CollectionSchema, hasSchema bool, seen map[string]bool, actor string, now time.Time) (types.Event, map[string]any, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	full := ns + "/" + w.ID
	if seen[w.ID] {
		return types.Event{}, nil, fmt.Errorf("%w: duplicate id %s in batch", types.ErrConflict, full)
	}
	seen[w.ID] = true
	if cur, err := e.currentState(ctx, ns, w.ID); err != nil {
		return types.Event{}, nil, err
	} else if cur != nil {
		return types.Event{}, nil, fmt.Errorf("%w: %s already exists", types.ErrConflict, full)
	}

	doc := make(types.Entity, len(w.Doc)+6)
	for k, v := range w.Doc {
		doc[k] = v
	}
	doc[types.FieldID] = full
	if hasSchema && schema.Name != "" {
		doc[types.FieldTypeKey] = schema.Name
	}
	doc[types.FieldCreatedAt] = now.Format(time.RFC3339Nano)
	doc[types.FieldUpdatedAt] = now.Format(time.RFC3339Nano)
	if actor != "" {
		doc[types.FieldCreatedBy] = actor
		doc[types.FieldUpdatedBy] = actor
	}
	doc[types.FieldVersion] = 1

	if hasSchema {
		if err := e.validateDoc(ctx, ns, &schema, doc, w.ID); err != nil {
			return types.Event{}, nil, err
		}
	}
	ev := types.Event{Op: types.OpCreate, Target: ns + ":" + w.ID, After: doc}
	return ev, map[string]any(doc), nil
}

func (e *Engine) prepareUpdate(ctx context.Context, ns string, w *Write, schema types.CollectionSchema, hasSchema bool, actor string, now time.Time) (types.Event, map[string]any, error) {
	if w.ID == "" {
		return types.Event{}, nil, fmt.Errorf("%w: update requires an id", types.ErrInvariant)
	}
	cur, err := e.currentState(ctx, ns, w.ID)
	if err != nil {
		return types.Event{}, nil, err
	}
	if cur == nil {
		return types.Event{}, nil, fmt.Errorf("%w: %s/%s", types.ErrNotFound, ns, w.ID)
	}

	after, err := filter.Apply(cur, w.Update, filter.ApplyOptions{Now: now})
	if err != nil {
		return types.Event{}, nil, err
	}
	after[types.FieldUpdatedAt] = now.Format(time.RFC3339Nano)
	if actor != "" {
		after[types.FieldUpdatedBy] = actor
	}
	after[types.FieldVersion] = docVersion(cur) + 1

	if hasSchema {
		if err := e.validateDoc(ctx, ns, &schema, after, w.ID); err != nil {
			return types.Event{}, nil, err
		}
	}
	ev := types.Event{
		Op: types.OpUpdate, Target: ns + ":" + w.ID,
		Before: cur, After: after,
		// The raw operators ride along so merges can tell commutative
		// updates apart from rewrites.
		Metadata: map[string]any{"update": w.Update},
	}
	return ev, map[string]any(after), nil
}

func (e *Engine) prepareDelete(ctx context.Context, ns string, w *Write, now time.Time) (types.Event, map[string]any, error) {
	if w.ID == "" {
		return types.Event{}, nil, fmt.Errorf("%w: delete requires an id", types.ErrInvariant)
	}
	cur, err := e.currentState(ctx, ns, w.ID)
	if err != nil {
		return types.Event{}, nil, err
	}
	if cur == nil {
		return types.Event{}, nil, fmt.Errorf("%w: %s/%s", types.ErrNotFound, ns, w.ID)
	}
	ev := types.Event{Op: types.OpDelete, Target: ns + ":" + w.ID, Before: cur}
	row := map[string]any{
		types.FieldID:  ns + "/" + w.ID,
		tombstoneField: true,
	}
	return ev, row, nil
}

func docVersion(doc types.Entity) int {
	if f, ok := numValue(doc[types.FieldVersion]); ok {
		return int(f)
	}
	return 0
}

// validateDoc enforces the collection schema: required fields present,
// scalar types match, unique fields have no other live holder.
func (e *Engine) validateDoc(ctx context.Context, ns string, schema *types.CollectionSchema, doc types.Entity, localID string) error {
	for i := range schema.Fields {
		f := &schema.Fields[i]
		v, present := doc[f.Name]
		if !present || v == nil {
			if f.Required {
				return fmt.Errorf("%w: %s.%s is required", types.ErrInvariant, schema.Name, f.Name)
			}
			continue
		}
		if err := checkFieldType(f, v); err != nil {
			return err
		}
		if f.Unique {
			if err := e.checkUnique(ctx, ns, f.Name, v, localID); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkFieldType(f *types.Field, v any) error {
	if f.Array {
		arr, ok := v.([]any)
		if !ok {
			return fmt.Errorf("%w: field %s must be an array", types.ErrInvariant, f.Name)
		}
		for _, item := range arr {
			if item == nil {
				continue
			}
			if !scalarMatches(f.Type, item) {
				return fmt.Errorf("%w: field %s element is not %s", types.ErrInvariant, f.Name, f.Type)
			}
		}
		return nil
	}
	if !scalarMatches(f.Type, v) {
		return fmt.Errorf("%w: field %s is not %s", types.ErrInvariant, f.Name, f.Type)
	}
	return nil
}

func scalarMatches(t types.FieldType, v any) bool {
	switch t {
	case types.TypeString:
		_, ok := v.(string)
		return ok
	case types.TypeNumber:
		_, ok := numValue(v)
		return ok
	case types.TypeBoolean:
		_, ok := v.(bool)
		return ok
	case types.TypeDate:
		switch d := v.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339Nano, d)
			return err == nil
		}
		return false
	case types.TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case types.TypeNull:
		return v == nil
	}
	return true
}

// checkUnique scans the namespace for another live entity holding the
// same value.
func (e *Engine) checkUnique(ctx context.Context, ns, field string, value any, localID string) error {
	matches, err := e.Find(ctx, ns, map[string]any{field: value}, FindOptions{Limit: 2})
	if err != nil {
		return err
	}
	full := ns + "/" + localID
	for _, m := range matches {
		if m[types.FieldID] != full {
			return fmt.Errorf("%w: %s.%s=%v already taken by %v", types.ErrConflict, ns, field, value, m[types.FieldID])
		}
	}
	return nil
}

// FlushPendingToCommitted folds every staged pending file of ns into the
// committed file and returns the number of merged rows. Returns 0 when
// nothing is pending. Merges for one namespace serialize; the ordering
// (merged file durable, then pending blobs, then index rows) keeps a
// crash re-mergeable because later sequences win.
func (e *Engine) FlushPendingToCommitted(ctx context.Context, ns string) (int, error) {
	lock := e.mergeLock(ns)
	lock.Lock()
	defer lock.Unlock()

	groups, err := e.index.PendingGroups(ctx, ns)
	if err != nil {
		return 0, err
	}
	if len(groups) == 0 {
		return 0, nil
	}

	// Existing rows first so pending rows shadow them.
	order := make([]string, 0, len(groups)+1)
	byID := make(map[string]map[string]any)
	add := func(rows []map[string]any) {
		for _, row := range rows {
			id, _ := row[types.FieldID].(string)
			if id == "" {
				continue
			}
			if _, ok := byID[id]; !ok {
				order = append(order, id)
			}
			byID[id] = row
		}
	}

	existing, err := e.readAllRows(ctx, mergedPath(ns))
	if err != nil && !isNotFound(err) {
		return 0, err
	}
	add(existing)

	var lastSeq uint64
	for _, g := range groups {
		rows, err := e.readAllRows(ctx, g.Path)
		if err != nil {
			if isNotFound(err) {
				// Blob deleted by an earlier crash-interrupted merge;
				// its rows are already in the committed file.
				continue
			}
			return 0, err
		}
		add(rows)
		lastSeq = g.LastSeq
	}

	merged := make([]map[string]any, 0, len(order))
	for _, id := range order {
		row := byID[id]
		if t, _ := row[tombstoneField].(bool); t {
			continue
		}
		merged = append(merged, row)
	}
	if err := columnar.Write(ctx, e.backend, mergedPath(ns), merged, nil, e.opts.Columnar); err != nil {
		return 0, err
	}
	for _, g := range groups {
		if _, err := e.backend.Delete(ctx, g.Path); err != nil {
			return 0, err
		}
	}
	if err := e.index.RemovePendingGroups(ctx, ns, lastSeq); err != nil {
		return 0, err
	}
	debug.Logf("engine: merged %d pending files into %s (%d rows)", len(groups), mergedPath(ns), len(merged))
	return len(merged), nil
}

func (e *Engine) readAllRows(ctx context.Context, path string) ([]map[string]any, error) {
	r, err := columnar.OpenReader(ctx, e.backend, path)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for gi := 0; gi < r.NumRowGroups(); gi++ {
		rows, err := r.ReadRowGroup(ctx, gi, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}
