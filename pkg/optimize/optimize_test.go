package optimize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytePool(t *testing.T) {
	pool := NewBytePool(1024)

	buf := pool.Get()
	assert.Len(t, buf, 1024)

	pool.Put(buf[:10])
	assert.Len(t, pool.Get(), 1024)

	pool.Put(make([]byte, 4))
	assert.Len(t, pool.Get(), 1024)
	assert.Equal(t, 1024, pool.Size())
}

func TestPacketsPool(t *testing.T) {
	buf := Packets.Get()
	defer Packets.Put(buf)
	assert.Len(t, buf, PacketSize)
}
