package columnar

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"

	"github.com/parquedb/parquedb/internal/storage"
	"github.com/parquedb/parquedb/internal/types"
)

// Reader provides random access to a pq1 file through ranged reads. It
// never loads the whole file: construction fetches only the trailer and
// footer.
type Reader struct {
	backend storage.Backend
	path    string
	footer  Footer
}

// OpenReader reads and validates the footer of the file at path.
func OpenReader(ctx context.Context, backend storage.Backend, path string) (*Reader, error) {
	info, err := backend.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	if info.Size < int64(len(headerMagic))+trailerSize {
		return nil, fmt.Errorf("%w: %s: truncated file (%d bytes)", types.ErrFatal, path, info.Size)
	}
	trailer, err := backend.ReadRange(ctx, path, info.Size-trailerSize, trailerSize)
	if err != nil {
		return nil, err
	}
	if len(trailer) != trailerSize || string(trailer[8:]) != trailerMagic {
		return nil, fmt.Errorf("%w: %s: bad trailer magic", types.ErrFatal, path)
	}
	footerLen := int64(binary.LittleEndian.Uint64(trailer[:8]))
	footerStart := info.Size - trailerSize - footerLen
	if footerLen <= 0 || footerStart < int64(len(headerMagic)) {
		return nil, fmt.Errorf("%w: %s: bad footer length %d", types.ErrFatal, path, footerLen)
	}
	raw, err := backend.ReadRange(ctx, path, footerStart, footerLen)
	if err != nil {
		return nil, err
	}
	var footer Footer
	if err := json.Unmarshal(raw, &footer); err != nil {
		return nil, fmt.Errorf("%w: %s: footer parse: %v", types.ErrFatal, path, err)
	}
	return &Reader{backend: backend, path: path, footer: footer}, nil
}

// Footer returns the file's row-group directory.
func (r *Reader) Footer() Footer { return r.footer }

// NumRowGroups returns the row-group count.
func (r *Reader) NumRowGroups() int { return len(r.footer.RowGroups) }

// ReadRange exposes raw ranged reads of the underlying file.
func (r *Reader) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	return r.backend.ReadRange(ctx, r.path, offset, length)
}

// ReadRowGroup materializes the rows of group index, restricted to the
// projected columns (nil means all).
func (r *Reader) ReadRowGroup(ctx context.Context, index int, projected []string) ([]map[string]any, error) {
	if index < 0 || index >= len(r.footer.RowGroups) {
		return nil, fmt.Errorf("%w: row group %d of %d", types.ErrNotFound, index, len(r.footer.RowGroups))
	}
	group := &r.footer.RowGroups[index]
	cols := projected
	if cols == nil {
		cols = r.footer.Columns
	}

	rows := make([]map[string]any, group.NumRows)
	for i := range rows {
		rows[i] = make(map[string]any, len(cols))
	}
	for _, col := range cols {
		chunk := group.Chunk(col)
		if chunk == nil {
			continue // column absent from this file
		}
		values, err := r.readChunk(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("column %s group %d: %w", col, index, err)
		}
		if int64(len(values)) != group.NumRows {
			return nil, fmt.Errorf("%w: column %s group %d: %d values for %d rows",
				types.ErrFatal, col, index, len(values), group.NumRows)
		}
		for i, v := range values {
			if v != nil {
				rows[i][col] = v
			}
		}
	}
	return rows, nil
}

func (r *Reader) readChunk(ctx context.Context, chunk *ColumnChunk) ([]any, error) {
	compressed, err := r.backend.ReadRange(ctx, r.path, chunk.Offset, chunk.CompressedSize)
	if err != nil {
		return nil, err
	}
	raw, err := decompressPage(compressed, chunk.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", types.ErrFatal, err)
	}
	var values []any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&values); err != nil {
		return nil, fmt.Errorf("%w: decode page: %v", types.ErrFatal, err)
	}
	return values, nil
}

func decompressPage(data []byte, comp Compression) ([]byte, error) {
	switch comp {
	case CompressionNone:
		return data, nil
	case CompressionSnappy:
		return s2.Decode(nil, data)
	case CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	}
	return nil, fmt.Errorf("unknown compression %q", comp)
}
