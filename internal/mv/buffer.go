package mv

import (
	"sync"
	"time"

	"github.com/parquedb/parquedb/internal/debug"
)

// RequestBuffer batches request records in front of a sink. It flushes on
// a size threshold, on a periodic timer, and synchronously on Close.
type RequestBuffer struct {
	sink     func([]Request) error
	size     int
	interval time.Duration

	mu     sync.Mutex
	buf    []Request
	ticker *time.Ticker
	done   chan struct{}
	closed bool
}

// NewRequestBuffer creates a buffer. size defaults to 100, interval to
// one second.
func NewRequestBuffer(sink func([]Request) error, size int, interval time.Duration) *RequestBuffer {
	if size <= 0 {
		size = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	b := &RequestBuffer{
		sink:     sink,
		size:     size,
		interval: interval,
		ticker:   time.NewTicker(interval),
		done:     make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-b.done:
				return
			case <-b.ticker.C:
				if err := b.Flush(); err != nil {
					debug.Logf("mv: request buffer flush: %v", err)
				}
			}
		}
	}()
	return b
}

// Add buffers one record, flushing when the size threshold trips.
func (b *RequestBuffer) Add(r Request) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.buf = append(b.buf, r)
	if len(b.buf) < b.size {
		b.mu.Unlock()
		return nil
	}
	return b.flushLocked()
}

// Flush drains the buffer into the sink.
func (b *RequestBuffer) Flush() error {
	b.mu.Lock()
	if len(b.buf) == 0 {
		b.mu.Unlock()
		return nil
	}
	return b.flushLocked()
}

// flushLocked hands the buffer to the sink and releases the lock.
func (b *RequestBuffer) flushLocked() error {
	batch := b.buf
	b.buf = nil
	b.mu.Unlock()
	return b.sink(batch)
}

// Close stops the timer and flushes synchronously.
func (b *RequestBuffer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.ticker.Stop()
	close(b.done)
	b.mu.Unlock()
	return b.Flush()
}
