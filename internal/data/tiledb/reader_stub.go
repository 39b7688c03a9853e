//go:build !tiledb

package tiledb

import (
	"context"

	"github.com/omeroview/server/internal/remote"
)

// Reader is a stub when built without "-tags tiledb". It still resolves the
// root and serves metadata, so config issues can be caught early, but all
// pixel reads return ErrUnsupported.
type Reader struct {
	*catalog
}

// NewReader creates a TileDB image reader (stub).
func NewReader(root string) (*Reader, error) {
	c, err := newCatalog(root)
	if err != nil {
		return nil, err
	}
	return &Reader{catalog: c}, nil
}

func (r *Reader) Supported() bool { return false }

func (r *Reader) Close() {}

func (r *Reader) readRegion(ctx context.Context, id remote.ImageID, m *imageMeta, index, z, c, t, x, y, w, h int) ([]byte, error) {
	return nil, ErrUnsupported
}
