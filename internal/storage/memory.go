package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is a map-backed Backend for tests and ephemeral databases. All
// operations are guarded by a single RWMutex, which trivially satisfies the
// per-path append serialization guarantee.
type Memory struct {
	mu    sync.RWMutex
	files map[string][]byte
	mtime map[string]time.Time
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		files: make(map[string][]byte),
		mtime: make(map[string]time.Time),
	}
}

func (m *Memory) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[path]
	return ok, nil
}

func (m *Memory) Stat(ctx context.Context, path string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[path]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return Info{Path: path, Size: int64(len(data)), ModTime: m.mtime[path]}, nil
}

func (m *Memory) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Memory) ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	data, err := m.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	if offset >= int64(len(data)) {
		return nil, nil
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[offset:end], nil
}

func (m *Memory) Write(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.files[path] = cp
	m.mtime[path] = time.Now()
	return nil
}

func (m *Memory) Append(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = append(m.files[path], data...)
	m.mtime[path] = time.Now()
	return nil
}

func (m *Memory) Delete(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[path]; !ok {
		return false, nil
	}
	delete(m.files, path)
	delete(m.mtime, path)
	return true, nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Copy(ctx context.Context, src, dst string) error {
	data, err := m.Read(ctx, src)
	if err != nil {
		return err
	}
	return m.Write(ctx, dst, data)
}

func (m *Memory) Move(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[src]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, src)
	}
	m.files[dst] = data
	m.mtime[dst] = time.Now()
	delete(m.files, src)
	delete(m.mtime, src)
	return nil
}

func (m *Memory) OpenRead(ctx context.Context, path string, opts *ReadOptions) (io.ReadCloser, error) {
	data, err := m.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	if opts != nil {
		start := opts.Start
		if start > int64(len(data)) {
			start = int64(len(data))
		}
		end := int64(len(data)) - 1
		if opts.End >= 0 && opts.End < end {
			end = opts.End
		}
		if start > end {
			data = nil
		} else {
			data = data[start : end+1]
		}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) OpenWrite(ctx context.Context, path string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memWriter{m: m, path: path}, nil
}

type memWriter struct {
	m    *Memory
	path string
	buf  bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

// Close commits the buffered bytes; the file appears atomically.
func (w *memWriter) Close() error {
	return w.m.Write(context.Background(), w.path, w.buf.Bytes())
}
