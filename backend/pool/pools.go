package pool

import "sync"

// BufferPool hands out byte slices of a fixed length. Buffers of any other
// capacity are dropped on Put.
type BufferPool struct {
	size       int
	bufferPool sync.Pool
}

func NewBufferPool(bufferSize int) *BufferPool {
	bp := &BufferPool{size: bufferSize}
	bp.bufferPool.New = func() any {
		b := make([]byte, bufferSize)
		return &b
	}
	return bp
}

func (bp *BufferPool) GetBuffer() []byte {
	return *bp.bufferPool.Get().(*[]byte)
}

func (bp *BufferPool) PutBuffer(buffer []byte) {
	if cap(buffer) != bp.size {
		return
	}
	buffer = buffer[:bp.size]
	bp.bufferPool.Put(&buffer)
}

func (bp *BufferPool) Size() int {
	return bp.size
}
