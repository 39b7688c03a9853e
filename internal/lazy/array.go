package lazy

import (
	"context"
	"fmt"
	"slices"

	"github.com/omeroview/server/internal/dtype"
)

// Axis labels.
const (
	AxisT = "t"
	AxisC = "c"
	AxisZ = "z"
	AxisY = "y"
	AxisX = "x"
)

// Array is a deferred image array. The leading axes are stacking axes drawn
// from t, c, z (in that order); the last two are always y, x.
type Array struct {
	root Node
	axes []string
	// Level is the pyramid index (0 = most detailed) and RemoteLevel the
	// level id used for remote reads. Both are 0 for single-resolution arrays.
	Level       int
	RemoteLevel int
	tileRows    int
	tileCols    int
	// single is set when the array was loaded for one channel only.
	single  bool
	channel int
}

func (a *Array) Shape() []int       { return a.root.Shape() }
func (a *Array) DType() dtype.DType { return a.root.DType() }
func (a *Array) Axes() []string     { return slices.Clone(a.axes) }
func (a *Array) Units() []*Unit     { return a.root.Units() }
func (a *Array) Root() Node         { return a.root }

// TileGrid returns the number of tile rows and columns per plane.
func (a *Array) TileGrid() (rows, cols int) {
	return a.tileRows, a.tileCols
}

// Compute evaluates the whole array.
func (a *Array) Compute(ctx context.Context, ex Executor) (*Block, error) {
	return Compute(ctx, a.root, ex)
}

// Plane returns the deferred (y, x) plane at (t, c, z). Indices for axes the
// array does not carry must be 0, except c: an array loaded for a single
// channel is addressed by that channel's number, whether or not it keeps
// the c axis.
func (a *Array) Plane(t, c, z int) (Node, error) {
	if a.single {
		if c != a.channel {
			return nil, fmt.Errorf("%w: channel %d, array holds channel %d", ErrOutOfRange, c, a.channel)
		}
		c = 0
	}
	idx := map[string]int{AxisT: t, AxisC: c, AxisZ: z}
	n := a.root
	stacking := a.axes[:len(a.axes)-2]
	for _, ax := range stacking {
		var err error
		n, err = child(n, idx[ax])
		if err != nil {
			return nil, fmt.Errorf("axis %s: %w", ax, err)
		}
		delete(idx, ax)
	}
	for ax, i := range idx {
		if i != 0 {
			return nil, fmt.Errorf("%w: index %d on absent axis %s", ErrOutOfRange, i, ax)
		}
	}
	return n, nil
}

// Tile returns the unit for one tile of the plane at (t, c, z).
// Single-resolution arrays have a single tile per plane.
func (a *Array) Tile(t, c, z, row, col int) (*Unit, error) {
	plane, err := a.Plane(t, c, z)
	if err != nil {
		return nil, err
	}
	if u, ok := plane.(*Unit); ok {
		if row != 0 || col != 0 {
			return nil, fmt.Errorf("%w: tile %d/%d of an untiled plane", ErrOutOfRange, row, col)
		}
		return u, nil
	}
	r, err := child(plane, row)
	if err != nil {
		return nil, fmt.Errorf("tile row: %w", err)
	}
	n, err := child(r, col)
	if err != nil {
		return nil, fmt.Errorf("tile column: %w", err)
	}
	u, ok := n.(*Unit)
	if !ok {
		return nil, fmt.Errorf("tile %d/%d is not a single unit", row, col)
	}
	return u, nil
}

// Squeeze returns an array without length-1 stacking axes. The y and x axes
// are always kept. The receiver is unchanged.
func (a *Array) Squeeze() *Array {
	shape := a.Shape()
	nStack := len(a.axes) - 2
	drop := make([]bool, nStack)
	var axes []string
	for i := 0; i < nStack; i++ {
		drop[i] = shape[i] == 1
		if !drop[i] {
			axes = append(axes, a.axes[i])
		}
	}
	axes = append(axes, a.axes[nStack:]...)

	out := *a
	out.root = squeezeStacks(a.root, drop)
	out.axes = axes
	return &out
}

func squeezeStacks(n Node, drop []bool) Node {
	if len(drop) == 0 {
		return n
	}
	s := n.(*stackNode)
	if drop[0] {
		return squeezeStacks(s.children[0], drop[1:])
	}
	children := make([]Node, len(s.children))
	for i, ch := range s.children {
		children[i] = squeezeStacks(ch, drop[1:])
	}
	return &stackNode{
		children: children,
		shape:    append([]int{len(children)}, children[0].Shape()...),
		dtype:    s.dtype,
	}
}

// Pyramid is an image at every resolution level, most detailed first.
type Pyramid []*Array
