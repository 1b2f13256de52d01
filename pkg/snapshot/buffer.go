package snapshot

import (
    "sync"

    "github.com/amirimatin/go-rachis/pkg/consensus"
)

const (
    // InitialBufferSize is the capacity a fresh transfer buffer starts with.
    InitialBufferSize = 4 << 10
    // MaxBufferSize caps a single read; larger fields are a protocol error.
    MaxBufferSize = 64 << 20
)

var pool = sync.Pool{New: func() any {
    b := make([]byte, InitialBufferSize)
    return &b
}}

// Buffer is the scratch space of one transfer session. It grows to the next
// power of two only when a single read needs more than its capacity, and is
// returned to a shared pool by Release. Not safe for concurrent use.
type Buffer struct {
    buf *[]byte
}

// NewBuffer takes a buffer from the pool.
func NewBuffer() *Buffer {
    return &Buffer{buf: pool.Get().(*[]byte)}
}

// Cap returns the current capacity.
func (b *Buffer) Cap() int {
    if b.buf == nil { return 0 }
    return cap(*b.buf)
}

// Ensure returns a slice of exactly n bytes backed by the buffer. The slice is
// only valid until the next call.
func (b *Buffer) Ensure(n int) ([]byte, error) {
    if n < 0 || n > MaxBufferSize {
        return nil, consensus.InvalidOperationf("snapshot: read of %d bytes exceeds buffer limit %d", n, MaxBufferSize)
    }
    if b.buf == nil {
        b.buf = pool.Get().(*[]byte)
    }
    if n > cap(*b.buf) {
        size := cap(*b.buf)
        if size == 0 { size = InitialBufferSize }
        for size < n { size <<= 1 }
        if size > MaxBufferSize { size = MaxBufferSize }
        nb := make([]byte, size)
        b.buf = &nb
    }
    return (*b.buf)[:n], nil
}

// Release hands the buffer back to the pool. Grown buffers are dropped so
// the pool only holds initial-size slices. The Buffer may be reused
// afterwards; it will take a fresh slice.
func (b *Buffer) Release() {
    if b.buf == nil { return }
    if cap(*b.buf) == InitialBufferSize {
        *b.buf = (*b.buf)[:cap(*b.buf)]
        pool.Put(b.buf)
    }
    b.buf = nil
}
