package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitfield(t *testing.T) {
	t.Parallel()

	bf := New(10)
	assert.Equal(t, 10, bf.Len())
	assert.Equal(t, 10, bf.Missing())
	assert.False(t, bf.IsFull())

	bf.SetPiece(0)
	bf.SetPiece(9)
	bf.SetPiece(9)
	bf.SetPiece(10)
	bf.SetPiece(-1)

	assert.True(t, bf.HasPiece(0))
	assert.True(t, bf.HasPiece(9))
	assert.False(t, bf.HasPiece(5))
	assert.False(t, bf.HasPiece(10))
	assert.Equal(t, 2, bf.Count())
	assert.Equal(t, []byte{0x80, 0x40}, bf.Bytes())

	bf.ClearPiece(0)
	assert.False(t, bf.HasPiece(0))
	assert.Equal(t, 9, bf.Missing())
}

func TestFull(t *testing.T) {
	t.Parallel()

	bf := New(3)
	for i := range 3 {
		bf.SetPiece(i)
	}
	assert.True(t, bf.IsFull())
	assert.Equal(t, []byte{0xe0}, bf.Bytes())

	assert.True(t, New(0).IsFull())
}
