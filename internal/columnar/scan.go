package columnar

import (
	"container/heap"
	"context"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/parquedb/parquedb/internal/filter"
	"github.com/parquedb/parquedb/internal/telemetry"
)

// SortField orders a scan by one field.
type SortField struct {
	Field string
	Desc  bool
}

// ScanStats reports what a scan actually touched.
type ScanStats struct {
	RowGroupsTotal  int
	RowGroupsRead   int
	RowsScanned     int
	RowsYielded     int
	TerminatedEarly bool
}

// ScanOptions configure the streaming row-group operator.
type ScanOptions struct {
	Filter      map[string]any
	Sort        []SortField
	Skip        int
	Limit       int // 0 means unlimited
	Columns     []string
	Concurrency int
	OnStats     func(ScanStats)
}

// Iterator streams scan results. Callers must Close it; Close releases
// pending readers and cancels in-flight row-group loads.
type Iterator struct {
	rows   chan map[string]any
	errc   chan error
	cancel context.CancelFunc
	done   chan struct{}
	stats  *ScanStats
	err    error
}

// Next returns the next row, or (nil, nil) at end of stream.
func (it *Iterator) Next() (map[string]any, error) {
	row, ok := <-it.rows
	if ok {
		return row, nil
	}
	if it.err == nil {
		select {
		case it.err = <-it.errc:
		default:
		}
	}
	return nil, it.err
}

// Close stops the scan. Safe to call multiple times and after exhaustion.
func (it *Iterator) Close() {
	it.cancel()
	// Drain so producer goroutines unblock and exit.
	for range it.rows {
	}
	<-it.done
}

// Stats returns the scan counters. Complete after the iterator is
// exhausted or closed.
func (it *Iterator) Stats() ScanStats { return *it.stats }

// Scan runs the streaming operator against the file:
//
//   - Without sort, row groups stream in order, groups whose min/max
//     statistics cannot match the filter are skipped, and the scan
//     terminates early once limit rows have been yielded.
//   - With sort, every group is read and a bounded top-K heap yields rows
//     in sort order (early termination is disallowed).
//   - With Concurrency > 1 and no sort, up to Concurrency groups load in
//     parallel but rows are emitted in row-group order.
func (r *Reader) Scan(ctx context.Context, opts ScanOptions) (*Iterator, error) {
	ctx, cancel := context.WithCancel(ctx)
	stats := &ScanStats{RowGroupsTotal: len(r.footer.RowGroups)}
	it := &Iterator{
		rows:   make(chan map[string]any),
		errc:   make(chan error, 1),
		cancel: cancel,
		done:   make(chan struct{}),
		stats:  stats,
	}

	projected := projectionFor(opts)

	go func() {
		defer close(it.done)
		defer cancel() // stop background group loads once emission ends
		defer close(it.rows)
		var err error
		if len(opts.Sort) > 0 {
			err = r.scanSorted(ctx, opts, projected, stats, it.rows)
		} else {
			err = r.scanStreaming(ctx, opts, projected, stats, it.rows)
		}
		if err != nil && ctx.Err() == nil {
			it.errc <- err
		}
		telemetry.AddRowsScanned(ctx, int64(stats.RowsScanned))
		if opts.OnStats != nil {
			opts.OnStats(*stats)
		}
	}()
	return it, nil
}

// projectionFor widens the projection so filter and sort fields are
// available even when the caller projects a narrower column set.
func projectionFor(opts ScanOptions) []string {
	if opts.Columns == nil {
		return nil
	}
	need := make(map[string]bool)
	for _, c := range opts.Columns {
		need[c] = true
	}
	for _, f := range filterFields(opts.Filter) {
		need[f] = true
	}
	for _, s := range opts.Sort {
		need[s.Field] = true
	}
	out := make([]string, 0, len(need))
	for c := range need {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// filterFields collects the document field paths a filter touches,
// descending through $and/$or/$nor groups. Operator keys are not fields.
func filterFields(filter map[string]any) []string {
	var out []string
	for key, cond := range filter {
		if key == "$and" || key == "$or" || key == "$nor" {
			if groups, ok := cond.([]any); ok {
				for _, g := range groups {
					if sub, ok := g.(map[string]any); ok {
						out = append(out, filterFields(sub)...)
					}
				}
			}
			continue
		}
		if strings.HasPrefix(key, "$") {
			continue
		}
		// Dot paths read the top-level column; nested access happens
		// after decode.
		if idx := strings.IndexByte(key, '.'); idx > 0 {
			out = append(out, key[:idx])
			continue
		}
		out = append(out, key)
	}
	return out
}

func (r *Reader) scanStreaming(ctx context.Context, opts ScanOptions, projected []string, stats *ScanStats, out chan<- map[string]any) error {
	type groupResult struct {
		rows     []map[string]any
		skipRows int // rows consumed by skip without reading the group
		read     bool
	}

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	groups := r.footer.RowGroups
	results := make([]chan groupResult, len(groups))
	for i := range results {
		results[i] = make(chan groupResult, 1)
	}

	// With no filter every row matches, so groups wholly covered by skip
	// need not be read at all; footer row counts are enough.
	skipWhole := make([]bool, len(groups))
	if len(opts.Filter) == 0 && opts.Skip > 0 {
		remaining := int64(opts.Skip)
		for i := range groups {
			if remaining >= groups[i].NumRows {
				skipWhole[i] = true
				remaining -= groups[i].NumRows
			} else {
				break
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	// Dispatcher: launch bounded parallel group loads; pruned and
	// skip-covered groups cost no I/O. Result channels are buffered so no
	// send here ever blocks.
	waitErr := make(chan error, 1)
	go func() {
		for i := range groups {
			if gctx.Err() != nil {
				break
			}
			i := i
			if skipWhole[i] {
				results[i] <- groupResult{skipRows: int(groups[i].NumRows)}
				continue
			}
			if !GroupMayMatch(&groups[i], opts.Filter) {
				results[i] <- groupResult{}
				continue
			}
			g.Go(func() error {
				rows, err := r.ReadRowGroup(gctx, i, projected)
				if err != nil {
					return err
				}
				matched := make([]map[string]any, 0, len(rows))
				for _, row := range rows {
					ok, err := filter.Matches(row, opts.Filter)
					if err != nil {
						return err
					}
					if ok {
						matched = append(matched, row)
					}
				}
				select {
				case results[i] <- groupResult{rows: matched, read: true}:
				case <-gctx.Done():
				}
				return nil
			})
		}
		waitErr <- g.Wait()
	}()

	// Consumer: emit in row-group order, applying skip then limit.
	skip := opts.Skip
	for i := range groups {
		var res groupResult
		select {
		case res = <-results[i]:
		case <-ctx.Done():
			stats.TerminatedEarly = true
			return ctx.Err()
		case err := <-waitErr:
			if err != nil {
				return err
			}
			// All producers finished cleanly; every result is buffered.
			res = <-results[i]
		}
		if res.read {
			stats.RowGroupsRead++
			stats.RowsScanned += int(groups[i].NumRows)
		}
		skip -= res.skipRows
		for _, row := range res.rows {
			if skip > 0 {
				skip--
				continue
			}
			select {
			case out <- trimColumns(row, opts.Columns):
			case <-ctx.Done():
				stats.TerminatedEarly = true
				return ctx.Err()
			}
			stats.RowsYielded++
			if opts.Limit > 0 && stats.RowsYielded >= opts.Limit {
				stats.TerminatedEarly = i+1 < len(groups)
				return nil
			}
		}
	}
	return nil
}

func (r *Reader) scanSorted(ctx context.Context, opts ScanOptions, projected []string, stats *ScanStats, out chan<- map[string]any) error {
	// Sorting requires reading every group; early termination is
	// disallowed because a later group may hold a smaller sort key.
	// Zero limit means unlimited, so the heap must keep every row.
	bound := 0
	if opts.Limit > 0 {
		bound = opts.Skip + opts.Limit
	}
	top := newTopK(opts.Sort, bound)
	for i := range r.footer.RowGroups {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := r.ReadRowGroup(ctx, i, projected)
		if err != nil {
			return err
		}
		stats.RowGroupsRead++
		stats.RowsScanned += len(rows)
		for _, row := range rows {
			ok, err := filter.Matches(row, opts.Filter)
			if err != nil {
				return err
			}
			if ok {
				top.push(row)
			}
		}
	}
	sorted := top.drain()
	if opts.Skip > 0 {
		if opts.Skip >= len(sorted) {
			sorted = nil
		} else {
			sorted = sorted[opts.Skip:]
		}
	}
	if opts.Limit > 0 && len(sorted) > opts.Limit {
		sorted = sorted[:opts.Limit]
	}
	for _, row := range sorted {
		select {
		case out <- trimColumns(row, opts.Columns):
		case <-ctx.Done():
			return ctx.Err()
		}
		stats.RowsYielded++
	}
	return nil
}

// trimColumns drops fields outside the caller's projection (the working
// projection may be wider to evaluate filters and sorts).
func trimColumns(row map[string]any, columns []string) map[string]any {
	if columns == nil {
		return row
	}
	out := make(map[string]any, len(columns))
	for _, c := range columns {
		if v, ok := row[c]; ok {
			out[c] = v
		}
	}
	return out
}

// topK keeps the best k rows by sort key; k <= 0 keeps everything.
type topK struct {
	sort []SortField
	k    int
	rows rowHeap
}

func newTopK(sortFields []SortField, k int) *topK {
	t := &topK{sort: sortFields, k: k}
	t.rows.less = func(a, b map[string]any) bool {
		// Max-heap on the sort order: the root is the worst row, evicted
		// first when the heap overflows k.
		return compareRows(a, b, sortFields) > 0
	}
	return t
}

func (t *topK) push(row map[string]any) {
	heap.Push(&t.rows, row)
	if t.k > 0 && t.rows.Len() > t.k {
		heap.Pop(&t.rows)
	}
}

func (t *topK) drain() []map[string]any {
	out := make([]map[string]any, t.rows.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&t.rows).(map[string]any)
	}
	return out
}

func compareRows(a, b map[string]any, fields []SortField) int {
	for _, f := range fields {
		av := a[f.Field]
		bv := b[f.Field]
		c := filter.CompareSortKeys(av, bv)
		if f.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

type rowHeap struct {
	items []map[string]any
	less  func(a, b map[string]any) bool
}

func (h *rowHeap) Len() int           { return len(h.items) }
func (h *rowHeap) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }
func (h *rowHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *rowHeap) Push(x any)         { h.items = append(h.items, x.(map[string]any)) }
func (h *rowHeap) Pop() any {
	old := h.items
	n := len(old)
	x := old[n-1]
	h.items = old[:n-1]
	return x
}
