package main

import "sync"

// BytePool recycles the small byte slices each connection formats its
// replies into, avoiding a fresh allocation per command reply under load.
// Adapted from the teacher's connection buffer pool; here it backs
// Connection's response queue instead of a request-decoding path.
type BytePool struct {
	pool sync.Pool
}

func NewBytePool() *BytePool {
	return &BytePool{
		pool: sync.Pool{
			New: func() any {
				buf := make([]byte, 0, 256)
				return &buf
			},
		},
	}
}

// Get returns a zero-length buffer with at least size capacity.
func (bp *BytePool) Get(size int) []byte {
	buf := *bp.pool.Get().(*[]byte)
	if cap(buf) < size {
		return make([]byte, 0, size)
	}
	return buf[:0]
}

// Put returns buf to the pool. Buffers that grew unusually large are
// dropped rather than pooled, so one oversized reply doesn't pin memory
// for every future small one.
func (bp *BytePool) Put(buf []byte) {
	if cap(buf) <= 64*1024 {
		buf = buf[:0]
		bp.pool.Put(&buf)
	}
}

// responsePool backs every Connection's enqueued replies.
var responsePool = NewBytePool()
