package server

import (
	"sync"

	"github.com/codetesla51/epoll-http/buffer"
)

// Buffer pools for reducing allocations across short-lived connections

// readBufferPool holds per-connection read buffers
var readBufferPool = sync.Pool{
	New: func() interface{} {
		return buffer.New(buffer.DefaultSize)
	},
}

// writeBufferPool holds per-connection write buffers for status lines and headers
var writeBufferPool = sync.Pool{
	New: func() interface{} {
		return buffer.New(buffer.DefaultSize)
	},
}

// Pool size limits - buffers larger than this are discarded
const (
	maxPoolBufferSize = 16384 // 16KB
)

func getBuffer(pool *sync.Pool) *buffer.Buffer {
	return pool.Get().(*buffer.Buffer)
}

func putBuffer(pool *sync.Pool, b *buffer.Buffer) {
	if b == nil || b.Cap() > maxPoolBufferSize {
		return
	}
	b.ConsumeAll()
	pool.Put(b)
}
