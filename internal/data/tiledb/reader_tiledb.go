//go:build tiledb

package tiledb

import (
	"context"
	"fmt"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/omeroview/server/internal/dtype"
	"github.com/omeroview/server/internal/remote"
)

// Reader serves images via TileDB arrays.
type Reader struct {
	*catalog
	ctx *tiledb.Context
}

// NewReader creates a TileDB image reader.
func NewReader(root string) (*Reader, error) {
	c, err := newCatalog(root)
	if err != nil {
		return nil, err
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &Reader{catalog: c, ctx: ctx}, nil
}

func (r *Reader) Supported() bool { return true }

// Close releases the TileDB context.
func (r *Reader) Close() {
	if r.ctx != nil {
		r.ctx.Free()
	}
}

type pixel interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~float32 | ~float64
}

// readRegion reads the (h, w) rectangle at (x, y) of one plane of a level
// array and returns it big-endian.
func (r *Reader) readRegion(ctx context.Context, id remote.ImageID, m *imageMeta, index, z, c, t, x, y, w, h int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	uri := r.levelURI(id, index)
	arr, err := tiledb.NewArray(r.ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open level array (%s): %w", uri, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open level array for read: %w", err)
	}
	defer arr.Close()

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()

	ranges := []struct {
		dim    string
		lo, hi int64
	}{
		{"t", int64(t), int64(t)},
		{"c", int64(c), int64(c)},
		{"z", int64(z), int64(z)},
		{"y", int64(y), int64(y + h - 1)},
		{"x", int64(x), int64(x + w - 1)},
	}
	for _, rg := range ranges {
		if err := sub.AddRangeByName(rg.dim, tiledb.MakeRange[int64](rg.lo, rg.hi)); err != nil {
			return nil, fmt.Errorf("failed to add %s range: %w", rg.dim, err)
		}
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()

	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, fmt.Errorf("failed to set layout: %w", err)
	}

	n := w * h
	switch m.dtype {
	case dtype.Int8:
		return query(q, m.Attribute, m.dtype, make([]int8, n))
	case dtype.Uint8:
		return query(q, m.Attribute, m.dtype, make([]uint8, n))
	case dtype.Int16:
		return query(q, m.Attribute, m.dtype, make([]int16, n))
	case dtype.Uint16:
		return query(q, m.Attribute, m.dtype, make([]uint16, n))
	case dtype.Int32:
		return query(q, m.Attribute, m.dtype, make([]int32, n))
	case dtype.Uint32:
		return query(q, m.Attribute, m.dtype, make([]uint32, n))
	case dtype.Float32:
		return query(q, m.Attribute, m.dtype, make([]float32, n))
	case dtype.Float64:
		return query(q, m.Attribute, m.dtype, make([]float64, n))
	default:
		return nil, fmt.Errorf("%w: %s", dtype.ErrUnknownPixelType, m.dtype)
	}
}

func query[T pixel](q *tiledb.Query, attr string, dt dtype.DType, buf []T) ([]byte, error) {
	if _, err := q.SetDataBuffer(attr, buf); err != nil {
		return nil, fmt.Errorf("failed to set buffer %s: %w", attr, err)
	}
	if err := q.Submit(); err != nil {
		return nil, fmt.Errorf("query submit failed: %w", err)
	}
	status, err := q.Status()
	if err != nil {
		return nil, fmt.Errorf("query status failed: %w", err)
	}
	if status != tiledb.TILEDB_COMPLETED {
		return nil, fmt.Errorf("unexpected query status: %v", status)
	}

	out := make([]byte, len(buf)*dt.Size())
	for i, v := range buf {
		dt.PutFloat64(out, i, float64(v))
	}
	return out, nil
}
