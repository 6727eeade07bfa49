package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitfield(t *testing.T) {
	v := New(10)
	assert.Equal(t, "0000", v.Hex())

	v.Set(0)
	assert.Equal(t, "8000", v.Hex())

	v.Set(9)
	assert.Equal(t, "8040", v.Hex())

	assert.Panics(t, func() { v.Set(10) })

	v.Clear(0)
	assert.Equal(t, "0040", v.Hex())

	assert.False(t, v.Test(2))
	assert.True(t, v.Test(9))
	assert.Equal(t, uint32(1), v.Count())
	assert.True(t, v.Any())
	assert.False(t, v.All())

	v.ClearAll()
	assert.False(t, v.Any())
}

func TestNewBytes(t *testing.T) {
	v, err := NewBytes([]byte{0x0f}, 8)
	assert.NoError(t, err)
	assert.Equal(t, "0f", v.Hex())

	_, err = NewBytes([]byte{0x0f}, 7)
	assert.Equal(t, errSpareBits, err)

	v, err = NewBytes([]byte{0x0e}, 7)
	assert.NoError(t, err)
	assert.Equal(t, uint32(3), v.Count())

	_, err = NewBytes([]byte{0x0f}, 9)
	assert.Equal(t, errLength, err)

	_, err = NewBytes([]byte{0x0f, 0x00}, 8)
	assert.Equal(t, errLength, err)
}

func TestCopyIsIndependent(t *testing.T) {
	v := New(4)
	v.Set(1)
	c := v.Copy()
	c.Set(2)
	assert.False(t, v.Test(2))
	assert.True(t, c.Test(1))
}

func TestAll(t *testing.T) {
	v := New(3)
	v.Set(0)
	v.Set(1)
	v.Set(2)
	assert.True(t, v.All())
	assert.Equal(t, "e0", v.Hex())
}

func TestHasMissing(t *testing.T) {
	ours := New(9)
	theirs := New(9)
	assert.False(t, ours.HasMissing(theirs))

	theirs.Set(8)
	assert.True(t, ours.HasMissing(theirs))

	ours.Set(8)
	assert.False(t, ours.HasMissing(theirs))

	ours.Set(3)
	assert.False(t, ours.HasMissing(theirs))
}
