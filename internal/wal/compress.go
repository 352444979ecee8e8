package wal

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/parquedb/parquedb/internal/types"
)

// Event batches are stored as gzip-compressed canonical JSON arrays.
// Payloads are detectable by the gzip magic bytes and round-trip exactly,
// including unicode and control characters.

var gzipMagic = []byte{0x1f, 0x8b}

// IsCompressed reports whether data carries the batch codec's magic bytes.
func IsCompressed(data []byte) bool {
	return len(data) >= 2 && bytes.Equal(data[:2], gzipMagic)
}

// CompressEvents encodes a batch as compressed canonical JSON.
func CompressEvents(events []types.Event) ([]byte, error) {
	raw, err := types.CanonicalJSON(events)
	if err != nil {
		return nil, fmt.Errorf("encode event batch: %w", err)
	}
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("compress event batch: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress event batch: %w", err)
	}
	return buf.Bytes(), nil
}

// DecompressEvents is the exact inverse of CompressEvents.
func DecompressEvents(data []byte) ([]types.Event, error) {
	if !IsCompressed(data) {
		return nil, fmt.Errorf("%w: event batch missing magic bytes", types.ErrFatal)
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: open event batch: %v", types.ErrFatal, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress event batch: %v", types.ErrFatal, err)
	}
	var events []types.Event
	if err := unmarshalEvents(raw, &events); err != nil {
		return nil, fmt.Errorf("%w: decode event batch: %v", types.ErrFatal, err)
	}
	return events, nil
}
