package lazy

import (
	"context"
	"fmt"
	"slices"

	"github.com/omeroview/server/internal/dtype"
)

// Node is a deferred array: either a single Unit or a composition of child
// nodes. Constructing nodes never touches the remote source.
type Node interface {
	Shape() []int
	DType() dtype.DType
	// Units returns the leaf units in row-major order.
	Units() []*Unit
	assemble(blocks map[*Unit]*Block) (*Block, error)
}

// FetchFunc performs one remote read for a coordinate.
type FetchFunc func(ctx context.Context, c Coord) ([]byte, error)

// Unit is one deferred remote read returning a 2-d (h, w) block.
type Unit struct {
	coord Coord
	shape []int
	dtype dtype.DType
	kind  error
	fetch FetchFunc
}

func newUnit(c Coord, h, w int, dt dtype.DType, kind error, fetch FetchFunc) *Unit {
	return &Unit{coord: c, shape: []int{h, w}, dtype: dt, kind: kind, fetch: fetch}
}

// Coord returns the remote address of the unit.
func (u *Unit) Coord() Coord { return u.coord }

func (u *Unit) Shape() []int       { return slices.Clone(u.shape) }
func (u *Unit) DType() dtype.DType { return u.dtype }
func (u *Unit) Units() []*Unit     { return []*Unit{u} }

// Eval performs the read. Failures are returned as *FetchError.
func (u *Unit) Eval(ctx context.Context) (*Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, &FetchError{Coord: u.coord, Kind: u.kind, Err: err}
	}
	data, err := u.fetch(ctx, u.coord)
	if err != nil {
		return nil, &FetchError{Coord: u.coord, Kind: u.kind, Err: err}
	}
	b, err := NewBlock(u.shape, u.dtype, data)
	if err != nil {
		return nil, &FetchError{Coord: u.coord, Kind: u.kind, Err: err}
	}
	return b, nil
}

func (u *Unit) assemble(blocks map[*Unit]*Block) (*Block, error) {
	b, ok := blocks[u]
	if !ok {
		return nil, fmt.Errorf("unit %s was not evaluated", u.coord)
	}
	return b, nil
}

// stackNode joins equally shaped children along a new leading axis.
type stackNode struct {
	children []Node
	shape    []int
	dtype    dtype.DType
}

// Stack returns a node with a new leading axis of length len(children).
func Stack(children ...Node) (Node, error) {
	if len(children) == 0 {
		return nil, fmt.Errorf("%w: stack of zero nodes", ErrInconsistentShape)
	}
	first := children[0]
	for i, ch := range children[1:] {
		if !slices.Equal(ch.Shape(), first.Shape()) {
			return nil, fmt.Errorf("%w: stack child %d has shape %v, expected %v",
				ErrInconsistentShape, i+1, ch.Shape(), first.Shape())
		}
		if ch.DType() != first.DType() {
			return nil, fmt.Errorf("%w: stack child %d has dtype %s, expected %s",
				ErrInconsistentShape, i+1, ch.DType(), first.DType())
		}
	}
	return &stackNode{
		children: children,
		shape:    append([]int{len(children)}, first.Shape()...),
		dtype:    first.DType(),
	}, nil
}

func (s *stackNode) Shape() []int       { return slices.Clone(s.shape) }
func (s *stackNode) DType() dtype.DType { return s.dtype }

func (s *stackNode) Units() []*Unit {
	var out []*Unit
	for _, ch := range s.children {
		out = append(out, ch.Units()...)
	}
	return out
}

func (s *stackNode) assemble(blocks map[*Unit]*Block) (*Block, error) {
	parts := make([]*Block, len(s.children))
	for i, ch := range s.children {
		b, err := ch.assemble(blocks)
		if err != nil {
			return nil, err
		}
		parts[i] = b
	}
	return stackBlocks(s.shape, s.dtype, parts)
}

// concatNode joins children along an existing axis.
type concatNode struct {
	axis     int
	children []Node
	shape    []int
	dtype    dtype.DType
}

// Concat returns a node joining children along axis. All other axes must
// agree.
func Concat(axis int, children ...Node) (Node, error) {
	if len(children) == 0 {
		return nil, fmt.Errorf("%w: concat of zero nodes", ErrInconsistentShape)
	}
	shape := children[0].Shape()
	if axis < 0 || axis >= len(shape) {
		return nil, fmt.Errorf("%w: concat axis %d for %d-d nodes", ErrInconsistentShape, axis, len(shape))
	}
	dt := children[0].DType()
	for i, ch := range children[1:] {
		s := ch.Shape()
		if len(s) != len(shape) || ch.DType() != dt {
			return nil, fmt.Errorf("%w: concat child %d is %v %s, expected %d-d %s",
				ErrInconsistentShape, i+1, s, ch.DType(), len(shape), dt)
		}
		for d := range s {
			if d != axis && s[d] != shape[d] {
				return nil, fmt.Errorf("%w: concat child %d has shape %v, incompatible with %v on axis %d",
					ErrInconsistentShape, i+1, s, shape, d)
			}
		}
		shape[axis] += s[axis]
	}
	return &concatNode{axis: axis, children: children, shape: shape, dtype: dt}, nil
}

func (c *concatNode) Shape() []int       { return slices.Clone(c.shape) }
func (c *concatNode) DType() dtype.DType { return c.dtype }

func (c *concatNode) Units() []*Unit {
	var out []*Unit
	for _, ch := range c.children {
		out = append(out, ch.Units()...)
	}
	return out
}

func (c *concatNode) assemble(blocks map[*Unit]*Block) (*Block, error) {
	parts := make([]*Block, len(c.children))
	for i, ch := range c.children {
		b, err := ch.assemble(blocks)
		if err != nil {
			return nil, err
		}
		parts[i] = b
	}
	return concatBlocks(c.shape, c.dtype, c.axis, parts)
}

// child returns the i-th child of a stack or concat node.
func child(n Node, i int) (Node, error) {
	var children []Node
	switch v := n.(type) {
	case *stackNode:
		children = v.children
	case *concatNode:
		children = v.children
	case *Unit:
		if i == 0 {
			return v, nil
		}
		return nil, fmt.Errorf("%w: index %d into a single unit", ErrOutOfRange, i)
	default:
		return nil, fmt.Errorf("unsupported node type %T", n)
	}
	if i < 0 || i >= len(children) {
		return nil, fmt.Errorf("%w: index %d of %d", ErrOutOfRange, i, len(children))
	}
	return children[i], nil
}

// Compute evaluates every unit under n with ex and assembles the result.
// Every unit is attempted; if any fail, their errors are joined and no
// block is returned.
func Compute(ctx context.Context, n Node, ex Executor) (*Block, error) {
	units := n.Units()
	results := ex.Evaluate(ctx, units)

	blocks := make(map[*Unit]*Block, len(units))
	var errs []error
	for i, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
			continue
		}
		blocks[units[i]] = r.Block
	}
	if len(errs) > 0 {
		return nil, joinErrors(errs)
	}
	return n.assemble(blocks)
}
