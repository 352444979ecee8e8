package storage

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// backends returns one of each Backend implementation for table tests.
func backends(t *testing.T) map[string]Backend {
	t.Helper()
	local, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	return map[string]Backend{
		"local":  local,
		"memory": NewMemory(),
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Write(ctx, "data/posts/data.parquet", []byte("hello")))
			got, err := b.Read(ctx, "data/posts/data.parquet")
			require.NoError(t, err)
			require.Equal(t, []byte("hello"), got)

			ok, err := b.Exists(ctx, "data/posts/data.parquet")
			require.NoError(t, err)
			require.True(t, ok)

			info, err := b.Stat(ctx, "data/posts/data.parquet")
			require.NoError(t, err)
			require.EqualValues(t, 5, info.Size)
		})
	}
}

func TestReadMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Read(ctx, "nope")
			require.True(t, errors.Is(err, ErrNotFound), "got %v", err)
			_, err = b.Stat(ctx, "nope")
			require.True(t, errors.Is(err, ErrNotFound), "got %v", err)
		})
	}
}

func TestDeleteMissingReturnsFalse(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := b.Delete(ctx, "nope")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, b.Write(ctx, "f", []byte("x")))
			ok, err = b.Delete(ctx, "f")
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

// Concurrent appends must not lose or interleave bytes (spec scenario:
// initial [0], 20 parallel single-byte appends, final file has all 21).
func TestConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Write(ctx, "log", []byte{0}))
			var wg sync.WaitGroup
			for i := 1; i <= 20; i++ {
				wg.Add(1)
				go func(i byte) {
					defer wg.Done()
					require.NoError(t, b.Append(ctx, "log", []byte{i}))
				}(byte(i))
			}
			wg.Wait()

			data, err := b.Read(ctx, "log")
			require.NoError(t, err)
			require.Len(t, data, 21)
			seen := make(map[byte]bool)
			for _, c := range data {
				seen[c] = true
			}
			for i := 0; i <= 20; i++ {
				require.True(t, seen[byte(i)], "missing byte %d", i)
			}
		})
	}
}

func TestReadRange(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Write(ctx, "f", []byte("0123456789")))
			got, err := b.ReadRange(ctx, "f", 2, 3)
			require.NoError(t, err)
			require.Equal(t, []byte("234"), got)

			// Range past EOF is truncated, not an error.
			got, err = b.ReadRange(ctx, "f", 8, 10)
			require.NoError(t, err)
			require.Equal(t, []byte("89"), got)
		})
	}
}

func TestOpenReadRanged(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Write(ctx, "f", []byte("abcdefgh")))
			rc, err := b.OpenRead(ctx, "f", &ReadOptions{Start: 2, End: 4})
			require.NoError(t, err)
			defer rc.Close()
			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.Equal(t, []byte("cde"), got)
		})
	}
}

func TestOpenWriteAtomic(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			w, err := b.OpenWrite(ctx, "out")
			require.NoError(t, err)
			_, err = w.Write([]byte("part1"))
			require.NoError(t, err)

			// Not visible until Close.
			ok, err := b.Exists(ctx, "out")
			require.NoError(t, err)
			require.False(t, ok)

			_, err = w.Write([]byte("part2"))
			require.NoError(t, err)
			require.NoError(t, w.Close())

			got, err := b.Read(ctx, "out")
			require.NoError(t, err)
			require.Equal(t, []byte("part1part2"), got)
		})
	}
}

func TestListPrefix(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Write(ctx, "data/posts/pending/a.parquet", []byte("1")))
			require.NoError(t, b.Write(ctx, "data/posts/pending/b.parquet", []byte("2")))
			require.NoError(t, b.Write(ctx, "data/users/data.parquet", []byte("3")))

			got, err := b.List(ctx, "data/posts/pending/")
			require.NoError(t, err)
			require.Equal(t, []string{
				"data/posts/pending/a.parquet",
				"data/posts/pending/b.parquet",
			}, got)
		})
	}
}

func TestCopyMove(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Write(ctx, "a", []byte("x")))
			require.NoError(t, b.Copy(ctx, "a", "b"))
			require.NoError(t, b.Move(ctx, "b", "c"))

			_, err := b.Read(ctx, "b")
			require.True(t, errors.Is(err, ErrNotFound))
			got, err := b.Read(ctx, "c")
			require.NoError(t, err)
			require.Equal(t, []byte("x"), got)
		})
	}
}
