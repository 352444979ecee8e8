package columnar

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"

	"github.com/parquedb/parquedb/internal/storage"
)

// Write partitions rows into contiguous row groups and emits a pq1 file at
// path. columns selects and orders the file's columns; nil means the sorted
// union of all row keys.
func Write(ctx context.Context, backend storage.Backend, path string, rows []map[string]any, columns []string, opts Options) error {
	opts = opts.withDefaults()
	if columns == nil {
		columns = unionColumns(rows)
	}

	var buf bytes.Buffer
	buf.WriteString(headerMagic)

	footer := Footer{Version: 1, Columns: columns, NumRows: int64(len(rows))}
	for start := 0; start < len(rows); start += opts.RowGroupSize {
		end := start + opts.RowGroupSize
		if end > len(rows) {
			end = len(rows)
		}
		group, err := writeGroup(&buf, rows[start:end], columns, opts.Compression)
		if err != nil {
			return fmt.Errorf("write row group: %w", err)
		}
		footer.RowGroups = append(footer.RowGroups, group)
	}

	footerJSON, err := json.Marshal(footer)
	if err != nil {
		return fmt.Errorf("encode footer: %w", err)
	}
	buf.Write(footerJSON)
	var trailer [trailerSize]byte
	binary.LittleEndian.PutUint64(trailer[:8], uint64(len(footerJSON)))
	copy(trailer[8:], trailerMagic)
	buf.Write(trailer[:])

	if err := backend.Write(ctx, path, buf.Bytes()); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func writeGroup(buf *bytes.Buffer, rows []map[string]any, columns []string, comp Compression) (RowGroupMeta, error) {
	group := RowGroupMeta{NumRows: int64(len(rows))}
	for _, col := range columns {
		values := make([]any, len(rows))
		var nulls int64
		stats := newStatsCollector()
		for i, row := range rows {
			v, ok := row[col]
			if !ok || v == nil {
				values[i] = nil
				nulls++
				continue
			}
			values[i] = normalizeValue(v)
			stats.observe(values[i])
		}
		raw, err := json.Marshal(values)
		if err != nil {
			return group, fmt.Errorf("encode column %s: %w", col, err)
		}
		compressed, err := compressPage(raw, comp)
		if err != nil {
			return group, fmt.Errorf("compress column %s: %w", col, err)
		}
		chunk := ColumnChunk{
			Column:           col,
			Offset:           int64(buf.Len()),
			CompressedSize:   int64(len(compressed)),
			UncompressedSize: int64(len(raw)),
			Encoding:         "json",
			Compression:      comp,
			Nulls:            nulls,
		}
		chunk.Min, chunk.Max, chunk.HasStats = stats.bounds()
		buf.Write(compressed)
		group.Columns = append(group.Columns, chunk)
	}
	return group, nil
}

func compressPage(raw []byte, comp Compression) ([]byte, error) {
	switch comp {
	case CompressionNone:
		return raw, nil
	case CompressionSnappy:
		return s2.EncodeSnappy(nil, raw), nil
	case CompressionGzip:
		var out bytes.Buffer
		w := gzip.NewWriter(&out)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	}
	return nil, fmt.Errorf("unknown compression %q", comp)
}

func unionColumns(rows []map[string]any) []string {
	seen := make(map[string]bool)
	for _, row := range rows {
		for k := range row {
			seen[k] = true
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// statsCollector tracks exact min/max for orderable values. A single
// non-orderable value poisons the chunk's stats.
type statsCollector struct {
	min, max any
	valid    bool
	seen     bool
}

func newStatsCollector() *statsCollector {
	return &statsCollector{valid: true}
}

func (s *statsCollector) observe(v any) {
	if !s.valid {
		return
	}
	if !orderable(v) {
		s.valid = false
		return
	}
	if !s.seen {
		s.min, s.max, s.seen = v, v, true
		return
	}
	if c, ok := compareValues(v, s.min); ok && c < 0 {
		s.min = v
	} else if !ok {
		s.valid = false
		return
	}
	if c, ok := compareValues(v, s.max); ok && c > 0 {
		s.max = v
	}
}

func (s *statsCollector) bounds() (any, any, bool) {
	if !s.valid || !s.seen {
		return nil, nil, false
	}
	return s.min, s.max, true
}

func orderable(v any) bool {
	switch v.(type) {
	case string, bool:
		return true
	}
	_, ok := asFloat(v)
	return ok
}

// compareValues orders two encoded values of the same class.
func compareValues(a, b any) (int, bool) {
	if af, ok := asFloat(a); ok {
		bf, ok2 := asFloat(b)
		if !ok2 {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	if as, ok := a.(string); ok {
		bs, ok2 := b.(string)
		if !ok2 {
			return 0, false
		}
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		}
		return 0, true
	}
	if ab, ok := a.(bool); ok {
		bb, ok2 := b.(bool)
		if !ok2 {
			return 0, false
		}
		ai, bi := 0, 0
		if ab {
			ai = 1
		}
		if bb {
			bi = 1
		}
		return ai - bi, true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
