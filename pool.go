package websocket

import "github.com/valyala/bytebufferpool"

// BufferPool supplies scratch buffers for frame assembly and control
// payloads. *bytebufferpool.Pool satisfies it.
type BufferPool interface {
	Get() *bytebufferpool.ByteBuffer
	Put(b *bytebufferpool.ByteBuffer)
}

var defaultBufferPool BufferPool = new(bytebufferpool.Pool)

// withBuffer lends a pooled buffer to fn and returns it afterwards,
// whatever fn returns.
func withBuffer(p BufferPool, fn func(b *bytebufferpool.ByteBuffer) error) error {
	b := p.Get()
	defer p.Put(b)
	b.Reset()
	return fn(b)
}
