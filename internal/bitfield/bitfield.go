// Package bitfield implements the piece completion vector of the peer protocol.
// Bit 0 is the most significant bit of the first byte.
package bitfield

import (
	"encoding/hex"
	"errors"
	"math/bits"
)

var (
	errLength    = errors.New("bitfield: invalid length")
	errSpareBits = errors.New("bitfield: spare bits are set")
)

// Bitfield is a fixed length bit vector.
type Bitfield struct {
	b      []byte
	length uint32
}

// New creates a new Bitfield of length bits.
func New(length uint32) *Bitfield {
	return &Bitfield{b: make([]byte, numBytes(length)), length: length}
}

// NewBytes returns a new Bitfield from b as received in a "bitfield" message.
// The data is copied. An error is returned if b is not exactly the size needed for
// length bits or any of the spare bits at the end are set.
func NewBytes(b []byte, length uint32) (*Bitfield, error) {
	if uint32(len(b)) != numBytes(length) {
		return nil, errLength
	}
	if mod := length % 8; mod != 0 && b[len(b)-1]&(0xff>>mod) != 0 {
		return nil, errSpareBits
	}
	bf := New(length)
	copy(bf.b, b)
	return bf, nil
}

// Copy returns a new copy of the Bitfield.
func (b *Bitfield) Copy() *Bitfield {
	b2 := New(b.length)
	copy(b2.b, b.b)
	return b2
}

// Bytes returns bytes in b. If you modify the returned slice the bits in b are modified too.
func (b *Bitfield) Bytes() []byte { return b.b }

// Len returns the number of bits as given to New.
func (b *Bitfield) Len() uint32 { return b.length }

// Hex returns bytes as string. If not all the bits in last byte are used, they encode as not set.
func (b *Bitfield) Hex() string { return hex.EncodeToString(b.b) }

// Set bit i. 0 is the most significant bit. Panics if i >= b.Len().
func (b *Bitfield) Set(i uint32) {
	b.checkIndex(i)
	b.b[i/8] |= 1 << (7 - i%8)
}

// SetTo sets bit i to value. Panics if i >= b.Len().
func (b *Bitfield) SetTo(i uint32, value bool) {
	if value {
		b.Set(i)
	} else {
		b.Clear(i)
	}
}

// Clear bit i. 0 is the most significant bit. Panics if i >= b.Len().
func (b *Bitfield) Clear(i uint32) {
	b.checkIndex(i)
	b.b[i/8] &^= 1 << (7 - i%8)
}

// ClearAll clears all bits.
func (b *Bitfield) ClearAll() {
	for i := range b.b {
		b.b[i] = 0
	}
}

// Test bit i. 0 is the most significant bit. Panics if i >= b.Len().
func (b *Bitfield) Test(i uint32) bool {
	b.checkIndex(i)
	return b.b[i/8]&(1<<(7-i%8)) != 0
}

// Count returns the count of set bits.
func (b *Bitfield) Count() uint32 {
	var total int
	for _, v := range b.b {
		total += bits.OnesCount8(v)
	}
	return uint32(total)
}

// All returns true if all bits are set, false otherwise.
func (b *Bitfield) All() bool {
	return b.Count() == b.length
}

// Any returns true if at least one bit is set.
func (b *Bitfield) Any() bool {
	for _, v := range b.b {
		if v != 0 {
			return true
		}
	}
	return false
}

// HasMissing returns true if other has a bit set that is not set in b.
// Used for deciding whether we are interested in a peer.
func (b *Bitfield) HasMissing(other *Bitfield) bool {
	if other.length != b.length {
		panic("bitfield length mismatch")
	}
	for i := range b.b {
		if other.b[i]&^b.b[i] != 0 {
			return true
		}
	}
	return false
}

func (b *Bitfield) checkIndex(i uint32) {
	if i >= b.length {
		panic("index out of bound")
	}
}

func numBytes(length uint32) uint32 { return (length + 7) / 8 }
