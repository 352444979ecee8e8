// Package storage provides the blob-style byte store underlying ParqueDB.
//
// Concrete backends live in this package as Local (filesystem) and Memory
// (map-backed, for tests and ephemeral databases). Consumers depend on the
// Backend interface so alternative implementations can be substituted.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/parquedb/parquedb/internal/types"
)

// ErrNotFound aliases the shared sentinel so callers can use either package.
var ErrNotFound = types.ErrNotFound

// Info describes a stored object.
type Info struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// ReadOptions configure OpenRead. Start/End are inclusive byte offsets;
// End < 0 means "to end of file".
type ReadOptions struct {
	Start         int64
	End           int64
	HighWaterMark int
}

// Backend is a blob store with ranged reads and streaming.
//
// Guarantees: Write is atomic (temp-and-rename or equivalent); Append is
// serialized per path with no lost or interleaved bytes; List returns
// complete listings under concurrent writes of unrelated paths.
type Backend interface {
	Exists(ctx context.Context, path string) (bool, error)
	Stat(ctx context.Context, path string) (Info, error)
	Read(ctx context.Context, path string) ([]byte, error)
	ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Append(ctx context.Context, path string, data []byte) error
	// Delete returns false (and no error) when the path does not exist.
	Delete(ctx context.Context, path string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Copy(ctx context.Context, src, dst string) error
	Move(ctx context.Context, src, dst string) error
	OpenRead(ctx context.Context, path string, opts *ReadOptions) (io.ReadCloser, error)
	OpenWrite(ctx context.Context, path string) (io.WriteCloser, error)
}
