package lazy

import (
	"fmt"
	"slices"

	"github.com/omeroview/server/internal/dtype"
)

// Block is an evaluated, C-contiguous array of big-endian elements.
type Block struct {
	Shape []int
	DType dtype.DType
	Data  []byte
}

// NewBlock wraps data, checking that its length matches shape and dtype.
func NewBlock(shape []int, dt dtype.DType, data []byte) (*Block, error) {
	want := product(shape) * dt.Size()
	if len(data) != want {
		return nil, fmt.Errorf("block %v %s: got %d bytes, expected %d", shape, dt, len(data), want)
	}
	return &Block{Shape: slices.Clone(shape), DType: dt, Data: data}, nil
}

// Len returns the number of elements.
func (b *Block) Len() int {
	return product(b.Shape)
}

// At returns the element at the given index.
func (b *Block) At(idx ...int) float64 {
	if len(idx) != len(b.Shape) {
		panic(fmt.Sprintf("lazy: %d indices for %d-d block", len(idx), len(b.Shape)))
	}
	off := 0
	for d, i := range idx {
		if i < 0 || i >= b.Shape[d] {
			panic(fmt.Sprintf("lazy: index %d out of range for axis %d with size %d", i, d, b.Shape[d]))
		}
		off = off*b.Shape[d] + i
	}
	return b.DType.Float64At(b.Data, off)
}

// Float64s decodes every element.
func (b *Block) Float64s() []float64 {
	out := make([]float64, b.Len())
	for i := range out {
		out[i] = b.DType.Float64At(b.Data, i)
	}
	return out
}

// stackBlocks joins equally shaped blocks along a new leading axis.
func stackBlocks(shape []int, dt dtype.DType, blocks []*Block) (*Block, error) {
	data := make([]byte, 0, product(shape)*dt.Size())
	for i, b := range blocks {
		if !slices.Equal(b.Shape, shape[1:]) {
			return nil, fmt.Errorf("stack: block %d has shape %v, expected %v", i, b.Shape, shape[1:])
		}
		data = append(data, b.Data...)
	}
	return NewBlock(shape, dt, data)
}

// concatBlocks joins blocks along an existing axis.
func concatBlocks(shape []int, dt dtype.DType, axis int, blocks []*Block) (*Block, error) {
	outer := product(shape[:axis])
	inner := product(shape[axis+1:]) * dt.Size()
	out := make([]byte, product(shape)*dt.Size())

	pos := 0
	for o := 0; o < outer; o++ {
		for _, b := range blocks {
			n := b.Shape[axis] * inner
			copy(out[pos:pos+n], b.Data[o*n:(o+1)*n])
			pos += n
		}
	}
	return NewBlock(shape, dt, out)
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}
