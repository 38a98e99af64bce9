package pool

import (
	"sync"

	"github.com/miekg/dns"
)

// minBufSize is a safe starting capacity for a packed DNS message: a bit
// over the UDP minimum message size, large enough that most responses
// pack without growing the backing array.
const minBufSize = 1232

// Buffer is a pooled byte slice returned by GetBuf/PackBuffer. The caller
// MUST call Release once done; after that the slice returned by Bytes
// must not be touched again.
type Buffer struct {
	b []byte
}

// Bytes returns the buffer's current contents.
func (buf *Buffer) Bytes() []byte {
	return buf.b
}

// Release returns the buffer to the pool. Safe to call on a nil Buffer.
func (buf *Buffer) Release() {
	if buf == nil {
		return
	}
	bufPool.Put(buf)
}

var bufPool = sync.Pool{
	New: func() interface{} {
		return &Buffer{b: make([]byte, 0, minBufSize)}
	},
}

// GetBuf returns a Buffer from the pool with length size. The contents are
// not zeroed.
func GetBuf(size int) *Buffer {
	buf := bufPool.Get().(*Buffer)
	if cap(buf.b) < size {
		buf.b = make([]byte, size)
		return buf
	}
	buf.b = buf.b[:size]
	return buf
}

// PackBuffer packs m into a pooled buffer. The caller MUST call
// buf.Release once the returned byte slice is no longer needed.
func PackBuffer(m *dns.Msg) (wire []byte, buf *Buffer, err error) {
	buf = GetBuf(minBufSize)
	wire, err = m.PackBuffer(buf.b)
	if err != nil {
		buf.Release()
		return nil, nil, err
	}
	// m.PackBuffer grows its own slice and returns it when buf.b was too
	// small. Track whatever it returned so Release recycles the right
	// (possibly larger) backing array.
	buf.b = wire
	return wire, buf, nil
}
