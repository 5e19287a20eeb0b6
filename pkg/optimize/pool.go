package optimize

import (
	"sync"
)

// PacketSize fits one RTP or RTCP datagram at Ethernet MTU.
const PacketSize = 1500

// Packets is the shared pool of media read buffers.
var Packets = NewBytePool(PacketSize)

// BytePool is a pool of fixed-size byte slices
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool creates a new byte pool with specified size
func NewBytePool(size int) *BytePool {
	p := &BytePool{size: size}
	p.pool.New = func() interface{} {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get gets a byte slice of the pool's size
func (p *BytePool) Get() []byte {
	return (*p.pool.Get().(*[]byte))[:p.size]
}

// Put returns a byte slice to the pool. Short slices are dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}

func (p *BytePool) Size() int {
	return p.size
}
