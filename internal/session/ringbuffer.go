package session

import "sync"

const defaultOutputBufferBytes = 4 * 1024 * 1024

// ringBuffer is a memory-bounded, drop-oldest FIFO of output chunks.
//
// When appended data would push the buffer past maxBytes, the oldest chunks
// are evicted first. This is a back-pressure-free policy: writers never
// block and readers never see a partial chunk, only a possibly-truncated
// history.
type ringBuffer struct {
	mu       sync.Mutex
	maxBytes int64
	size     int64
	chunks   []OutputChunk
}

func newRingBuffer(maxBytes int64) *ringBuffer {
	if maxBytes <= 0 {
		maxBytes = defaultOutputBufferBytes
	}
	return &ringBuffer{maxBytes: maxBytes}
}

func (b *ringBuffer) append(chunk OutputChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, chunk)
	b.size += int64(len(chunk.Data))

	for b.size > b.maxBytes && len(b.chunks) > 0 {
		evicted := b.chunks[0]
		b.chunks = b.chunks[1:]
		b.size -= int64(len(evicted.Data))
	}
}

// snapshot returns a contiguous copy of the currently buffered chunks.
func (b *ringBuffer) snapshot() []OutputChunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]OutputChunk, len(b.chunks))
	copy(out, b.chunks)
	return out
}

// drain returns a copy of buffered bytes and clears the buffer, implementing
// read_output's "drains the currently buffered output" contract.
func (b *ringBuffer) drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	var total int
	for _, c := range b.chunks {
		total += len(c.Data)
	}
	out := make([]byte, 0, total)
	for _, c := range b.chunks {
		out = append(out, c.Data...)
	}
	b.chunks = nil
	b.size = 0
	return out
}

func (b *ringBuffer) bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	var total int
	for _, c := range b.chunks {
		total += len(c.Data)
	}
	out := make([]byte, 0, total)
	for _, c := range b.chunks {
		out = append(out, c.Data...)
	}
	return out
}
