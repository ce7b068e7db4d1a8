package wasm

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/armon/circbuf"
)

// DefaultLogBufferBytes bounds per-container log retention.
const DefaultLogBufferBytes = 1 << 20

// LogBuffer captures module output in a fixed-size ring. It serves both
// tail reads and live follows, so a chatty module never grows node memory.
// Safe for concurrent use; the engine writes while HTTP handlers read.
type LogBuffer struct {
	mu      sync.Mutex
	buf     *circbuf.Buffer
	closed  bool
	updated chan struct{}
}

// NewLogBuffer creates a ring buffer holding the last size bytes of output.
func NewLogBuffer(size int64) *LogBuffer {
	if size <= 0 {
		size = DefaultLogBufferBytes
	}
	buf, _ := circbuf.NewBuffer(size)
	return &LogBuffer{
		buf:     buf,
		updated: make(chan struct{}),
	}
}

// Write appends module output, discarding the oldest bytes once full.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.buf.Write(p)

	// Wake followers by swapping the broadcast channel
	close(b.updated)
	b.updated = make(chan struct{})

	return n, err
}

// Close marks the stream finished. Followers drain and return.
func (b *LogBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.updated)
	b.updated = make(chan struct{})
}

// Contents returns a copy of everything currently retained.
func (b *LogBuffer) Contents() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

// Tail returns the last lines lines of retained output. Non-positive lines
// returns everything.
func (b *LogBuffer) Tail(lines int) []byte {
	data := b.Contents()
	if lines <= 0 {
		return data
	}

	// Walk backwards over line breaks; a trailing newline does not count
	// as an extra line
	end := len(data)
	if end > 0 && data[end-1] == '\n' {
		end--
	}
	remaining := lines
	idx := end
	for remaining > 0 {
		next := bytes.LastIndexByte(data[:idx], '\n')
		if next < 0 {
			return data
		}
		idx = next
		remaining--
	}
	return data[idx+1:]
}

// Follow streams retained output to w, then forwards new writes until the
// buffer closes or ctx ends. Followers that fall more than the buffer size
// behind skip the overwritten bytes.
func (b *LogBuffer) Follow(ctx context.Context, w io.Writer) error {
	var pos int64
	for {
		b.mu.Lock()
		// Bytes may expose the ring's internal slice, so the chunk is
		// copied before the lock drops
		raw := b.buf.Bytes()
		total := b.buf.TotalWritten()
		var chunk []byte
		if delta := total - pos; delta > 0 {
			if delta > int64(len(raw)) {
				delta = int64(len(raw))
			}
			chunk = append([]byte(nil), raw[int64(len(raw))-delta:]...)
			pos = total
		}
		closed := b.closed
		updated := b.updated
		b.mu.Unlock()

		if len(chunk) > 0 {
			if _, err := w.Write(chunk); err != nil {
				return err
			}
			if f, ok := w.(interface{ Flush() }); ok {
				f.Flush()
			}
		}

		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-updated:
		}
	}
}
