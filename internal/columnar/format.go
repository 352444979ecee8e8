// Package columnar implements ParqueDB's self-describing columnar file
// format ("pq1") and its streaming row-group scan operator.
//
// A pq1 file is laid out as:
//
//	magic "PQ1\n"
//	column pages, one per column per row group, individually compressed
//	footer: JSON row-group directory with per-column statistics
//	8-byte little-endian footer length
//	magic "PQ1F"
//
// Readers never load a whole file: they fetch the trailer, then the footer,
// then only the pages a query projects.
package columnar

import "time"

const (
	headerMagic  = "PQ1\n"
	trailerMagic = "PQ1F"
	trailerSize  = 12 // 8-byte footer length + 4-byte magic
)

// Compression selects the page codec.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionGzip   Compression = "gzip"
	CompressionSnappy Compression = "snappy"
)

// Options configure a write.
type Options struct {
	// RowGroupSize bounds the number of rows per group. Default 1000.
	RowGroupSize int
	// Compression applies to every page. Default snappy.
	Compression Compression
}

// DefaultRowGroupSize is used when Options.RowGroupSize is zero.
const DefaultRowGroupSize = 1000

func (o Options) withDefaults() Options {
	if o.RowGroupSize <= 0 {
		o.RowGroupSize = DefaultRowGroupSize
	}
	if o.Compression == "" {
		o.Compression = CompressionSnappy
	}
	return o
}

// ColumnChunk is the footer entry for one column within one row group.
type ColumnChunk struct {
	Column           string      `json:"column"`
	Offset           int64       `json:"offset"`
	CompressedSize   int64       `json:"compressedSize"`
	UncompressedSize int64       `json:"uncompressedSize"`
	Encoding         string      `json:"encoding"` // "json"
	Compression      Compression `json:"compression"`
	Dictionary       bool        `json:"dictionary,omitempty"`
	Nulls            int64       `json:"nulls"`
	// Min/Max are exact bounds for orderable values (numbers, strings,
	// booleans, timestamps); HasStats is false for columns whose values
	// are not orderable.
	Min      any  `json:"min,omitempty"`
	Max      any  `json:"max,omitempty"`
	HasStats bool `json:"hasStats"`
}

// RowGroupMeta is the footer entry for one row group.
type RowGroupMeta struct {
	NumRows int64         `json:"numRows"`
	Columns []ColumnChunk `json:"columns"`
}

// Footer is the self-describing directory at the end of a pq1 file.
type Footer struct {
	Version   int            `json:"version"`
	Columns   []string       `json:"columns"`
	NumRows   int64          `json:"numRows"`
	RowGroups []RowGroupMeta `json:"rowGroups"`
}

// Chunk returns the chunk for a column in a group, or nil.
func (g *RowGroupMeta) Chunk(column string) *ColumnChunk {
	for i := range g.Columns {
		if g.Columns[i].Column == column {
			return &g.Columns[i]
		}
	}
	return nil
}

// timeFormat is a fixed-width RFC3339 variant so encoded timestamps order
// lexically the same as chronologically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// normalizeValue converts write-side values into their encoded form:
// timestamps become fixed-width UTC strings, everything else passes
// through JSON encoding untouched.
func normalizeValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(timeFormat)
	}
	return v
}
