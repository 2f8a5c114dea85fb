package bitfield

import (
	"github.com/bits-and-blooms/bitset"
)

// Bitfield is a fixed size set of piece indexes.
type Bitfield struct {
	set  *bitset.BitSet
	size uint
}

func New(size int) *Bitfield {
	return &Bitfield{
		set:  bitset.New(uint(size)),
		size: uint(size),
	}
}

func (bf *Bitfield) Len() int {
	return int(bf.size)
}

func (bf *Bitfield) HasPiece(idx int) bool {
	if idx < 0 || uint(idx) >= bf.size {
		return false
	}
	return bf.set.Test(uint(idx))
}

func (bf *Bitfield) SetPiece(idx int) {
	if idx < 0 || uint(idx) >= bf.size {
		return
	}
	bf.set.Set(uint(idx))
}

func (bf *Bitfield) ClearPiece(idx int) {
	if idx < 0 || uint(idx) >= bf.size {
		return
	}
	bf.set.Clear(uint(idx))
}

func (bf *Bitfield) Count() int {
	return int(bf.set.Count())
}

func (bf *Bitfield) Missing() int {
	return bf.Len() - bf.Count()
}

func (bf *Bitfield) IsFull() bool {
	return bf.Count() == bf.Len()
}

// Bytes returns the wire representation: piece 0 is the high bit of the
// first byte.
func (bf *Bitfield) Bytes() []byte {

	out := make([]byte, (bf.size+7)/8)
	for i, ok := bf.set.NextSet(0); ok && i < bf.size; i, ok = bf.set.NextSet(i + 1) {
		out[i/8] |= 0x80 >> (i % 8)
	}

	return out
}
