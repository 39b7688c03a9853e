package lazy

import (
	"context"
	"errors"
	"fmt"

	"github.com/omeroview/server/internal/dtype"
	"github.com/omeroview/server/internal/remote"
)

// PhysicalSize is the voxel spacing with undefined axes defaulted to 1.
type PhysicalSize struct {
	X, Y, Z float64
	// Defined records which axes the source actually reported.
	XDefined, YDefined, ZDefined bool
}

// Metadata is a snapshot of everything needed to build an image's arrays.
// Read it once per load request.
type Metadata struct {
	Image     remote.ImageID
	Sizes     remote.Sizes
	PixelSize PhysicalSize
	DType     dtype.DType
	Channels  []remote.Channel

	Pyramid bool
	TileW   int
	TileH   int
	// Levels are ordered most detailed first.
	Levels []remote.LevelExtent

	// DefaultZ and DefaultT are the source's preferred plane, zero if unknown.
	DefaultZ int
	DefaultT int
}

// ReadMetadata queries the source for an image's dimensional metadata. It
// fails before anything else is read if the pixel type is unknown or the
// sizes are inconsistent.
func ReadMetadata(ctx context.Context, access remote.ImageAccess, img remote.ImageID) (*Metadata, error) {
	sizes, err := access.AxisSizes(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("failed to read axis sizes: %w", err)
	}
	if err := checkSizes(sizes); err != nil {
		return nil, err
	}

	code, err := access.PixelTypeCode(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("failed to read pixel type: %w", err)
	}
	dt, err := dtype.FromPixelType(code)
	if err != nil {
		return nil, err
	}

	ps, err := access.PhysicalPixelSize(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("failed to read pixel size: %w", err)
	}

	channels, err := access.ChannelSettings(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("failed to read channel settings: %w", err)
	}
	if len(channels) != sizes.C {
		return nil, fmt.Errorf("%w: %d channel settings for %d channels", ErrInconsistentShape, len(channels), sizes.C)
	}

	pyramid, err := access.RequiresPyramid(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("failed to read pyramid flag: %w", err)
	}

	md := &Metadata{
		Image:     img,
		Sizes:     sizes,
		PixelSize: physicalSize(ps),
		DType:     dt,
		Channels:  channels,
		Pyramid:   pyramid,
	}

	if pyramid {
		md.TileW, md.TileH, err = access.TileSize(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("failed to read tile size: %w", err)
		}
		if md.TileW <= 0 || md.TileH <= 0 {
			return nil, fmt.Errorf("%w: tile size %dx%d", ErrInconsistentShape, md.TileW, md.TileH)
		}
		md.Levels, err = access.ResolutionLevels(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("failed to read resolution levels: %w", err)
		}
		if len(md.Levels) == 0 {
			return nil, fmt.Errorf("%w: pyramidal image without resolution levels", ErrInconsistentShape)
		}
		for i, l := range md.Levels {
			if l.X <= 0 || l.Y <= 0 {
				return nil, fmt.Errorf("%w: resolution level %d has extent %dx%d", ErrInconsistentShape, i, l.X, l.Y)
			}
		}
	}

	if dp, ok := access.(remote.DefaultPlaner); ok {
		z, t, err := dp.DefaultPlane(ctx, img)
		switch {
		case err == nil:
			md.DefaultZ, md.DefaultT = clamp(z, sizes.Z), clamp(t, sizes.T)
		case !errors.Is(err, remote.ErrNotFound):
			return nil, fmt.Errorf("failed to read default plane: %w", err)
		}
	}

	return md, nil
}

func checkSizes(s remote.Sizes) error {
	for _, ax := range []struct {
		name string
		n    int
	}{{"T", s.T}, {"C", s.C}, {"Z", s.Z}, {"Y", s.Y}, {"X", s.X}} {
		if ax.n < 1 {
			return fmt.Errorf("%w: size %s = %d", ErrInconsistentShape, ax.name, ax.n)
		}
	}
	return nil
}

func physicalSize(ps remote.PixelSize) PhysicalSize {
	out := PhysicalSize{X: 1, Y: 1, Z: 1}
	if ps.X != nil && *ps.X > 0 {
		out.X, out.XDefined = *ps.X, true
	}
	if ps.Y != nil && *ps.Y > 0 {
		out.Y, out.YDefined = *ps.Y, true
	}
	if ps.Z != nil && *ps.Z > 0 {
		out.Z, out.ZDefined = *ps.Z, true
	}
	return out
}

func clamp(v, size int) int {
	if v < 0 {
		return 0
	}
	if v >= size {
		return size - 1
	}
	return v
}
