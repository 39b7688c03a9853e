// Package remote defines the capabilities the loader needs from an image
// server session: dimensional metadata queries, whole-plane reads, and
// scoped pixel stores for tiled pyramid reads.
//
// Raw pixel buffers returned by implementations are big-endian and
// row-major.
package remote

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the requested image does not exist in the source.
	ErrNotFound = errors.New("image not found")
	// ErrClosed is returned by a pixel store used after Close.
	ErrClosed = errors.New("pixel store closed")
	// ErrNoPyramid is returned by tile queries against images stored as
	// plain planes.
	ErrNoPyramid = errors.New("image has no resolution pyramid")
)

// ImageID identifies an image within a source.
type ImageID int64

// Sizes holds the five logical axis sizes of an image.
type Sizes struct {
	T int `json:"t"`
	C int `json:"c"`
	Z int `json:"z"`
	Y int `json:"y"`
	X int `json:"x"`
}

// PixelSize holds the physical voxel spacing. Nil fields are undefined.
type PixelSize struct {
	X *float64 `json:"x,omitempty"`
	Y *float64 `json:"y,omitempty"`
	Z *float64 `json:"z,omitempty"`
}

// Channel holds one channel's rendering settings.
type Channel struct {
	// Color is a 6-digit hex RGB string, with or without a leading '#'.
	Color       string  `json:"color"`
	Active      bool    `json:"active"`
	WindowStart float64 `json:"window_start"`
	WindowEnd   float64 `json:"window_end"`
	Label       string  `json:"label"`
}

// LevelExtent is the X/Y extent of one resolution level.
type LevelExtent struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ImageAccess is a read-only session against an image source. Implementations
// must allow concurrent calls.
type ImageAccess interface {
	AxisSizes(ctx context.Context, img ImageID) (Sizes, error)
	PhysicalPixelSize(ctx context.Context, img ImageID) (PixelSize, error)
	ChannelSettings(ctx context.Context, img ImageID) ([]Channel, error)
	RequiresPyramid(ctx context.Context, img ImageID) (bool, error)
	PixelTypeCode(ctx context.Context, img ImageID) (string, error)

	// FetchPlane reads the full-resolution (Y, X) plane at (z, c, t).
	FetchPlane(ctx context.Context, img ImageID, z, c, t int) ([]byte, error)

	// TileSize returns the native tile width and height of a pyramidal image.
	TileSize(ctx context.Context, img ImageID) (w, h int, err error)
	// ResolutionLevels lists level extents, most detailed first. The level id
	// passed to PixelStore.SetResolutionLevel for entry i is len-1-i.
	ResolutionLevels(ctx context.Context, img ImageID) ([]LevelExtent, error)
	// OpenPixelStore opens a new stateful pixel store. The caller owns it and
	// must Close it; a store must never be used by two reads at once.
	OpenPixelStore(ctx context.Context, img ImageID) (PixelStore, error)
}

// PixelStore is a stateful handle used to read tiles at a resolution level.
type PixelStore interface {
	SetResolutionLevel(level int) error
	GetTile(ctx context.Context, z, c, t, x, y, w, h int) ([]byte, error)
	Close() error
}

// ImageSummary is a catalog entry.
type ImageSummary struct {
	ID   ImageID `json:"id"`
	Name string  `json:"name"`
}

// Catalog is implemented by sources that can enumerate their images.
type Catalog interface {
	Images(ctx context.Context) ([]ImageSummary, error)
}

// DefaultPlaner is implemented by sources that store a default Z/T position
// for an image.
type DefaultPlaner interface {
	DefaultPlane(ctx context.Context, img ImageID) (z, t int, err error)
}
