// Package tailbuffer implements a fixed-capacity byte ring buffer used to
// retain the most recent bytes of a backend's combined stdout/stderr for
// crash diagnostics, independent of the durable journal.
package tailbuffer

import "sync"

// Buffer is a fixed-size ring of bytes. Writes past capacity overwrite the
// oldest retained bytes; Snapshot reads the current contents in order
// without consuming them.
type Buffer struct {
	mu       sync.Mutex
	buf      []byte
	capacity uint
	size     uint
	read     uint
	write    uint
}

// New returns a Buffer retaining at most size bytes.
func New(size uint) *Buffer {
	return &Buffer{
		buf:      make([]byte, size),
		capacity: size,
	}
}

// Write appends p to the ring, discarding the oldest bytes once the ring is
// full. It never returns an error and always reports len(p) written.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	si := 0
	if len(p) > int(b.capacity) {
		si = len(p) - int(b.capacity)
	}
	shouldPushRead := b.size > 0 && b.write == b.read
	for _, c := range p[si:] {
		if shouldPushRead {
			if b.read+1 < b.capacity {
				b.read++
			} else {
				b.read = 0
			}
		}
		b.buf[b.write] = c
		if b.write+1 < b.capacity {
			b.write++
		} else {
			b.write = 0
		}
		b.size++
		if b.size > b.capacity {
			b.size = b.capacity
		}
		shouldPushRead = b.write == b.read
	}
	return len(p), nil
}

// Snapshot returns the currently retained bytes, oldest first, without
// consuming them.
func (b *Buffer) Snapshot() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return ""
	}
	out := make([]byte, b.size)
	pos := b.read
	for i := uint(0); i < b.size; i++ {
		out[i] = b.buf[pos]
		if pos+1 < b.capacity {
			pos++
		} else {
			pos = 0
		}
	}
	return string(out)
}
