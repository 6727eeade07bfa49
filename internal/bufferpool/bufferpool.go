// Package bufferpool provides reusable byte slices for block data received from peers.
package bufferpool

import "sync"

// Pool is a wrapper around sync.Pool with a helper Release method on returned objects.
// Objects in the Pool are Buffers which are wrapper of a slice with a pointer to the Pool object.
type Pool struct {
	pool   sync.Pool
	buflen int
}

// New returns a new Pool for Buffers of size buflen.
func New(buflen int) *Pool {
	p := &Pool{buflen: buflen}
	p.pool.New = func() interface{} {
		b := make([]byte, buflen)
		return &b
	}
	return p
}

// Get a new Buffer from the pool. datalen must not exceed buffer length given in constructor.
// You should release the Buffer after your work is done by calling Buffer.Release.
func (p *Pool) Get(datalen int) Buffer {
	if datalen > p.buflen {
		panic("bufferpool: data length exceeds buffer length")
	}
	buf := p.pool.Get().(*[]byte)
	return Buffer{
		Data: (*buf)[:datalen],
		buf:  buf,
		pool: p,
	}
}

// Buffer is a slice with a pointer to Pool.
type Buffer struct {
	Data []byte
	buf  *[]byte
	pool *Pool
}

// Release the Buffer and return it to the Pool.
// Data must not be used after Release.
func (b Buffer) Release() {
	if b.pool == nil {
		return
	}
	// argument to Put should be pointer-like to avoid allocations
	b.pool.pool.Put(b.buf)
}
