// Package memory provides a synthetic in-process image source. Pixel values
// are a deterministic function of their coordinate, which makes it useful
// for demos and for checking that arrays are assembled in the right order.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/omeroview/server/internal/dtype"
	"github.com/omeroview/server/internal/remote"
)

// Image describes one synthetic image.
type Image struct {
	Name      string
	Sizes     remote.Sizes
	PixelType string
	PixelSize remote.PixelSize
	Channels  []remote.Channel

	Pyramid bool
	TileW   int
	TileH   int
	// Levels are most detailed first.
	Levels []remote.LevelExtent

	DefaultZ int
	DefaultT int
}

// TileRequest records one GetTile call.
type TileRequest struct {
	Image      remote.ImageID
	Level      int
	Z, C, T    int
	X, Y, W, H int
}

// Counters tracks calls into the source.
type Counters struct {
	Opens  atomic.Int64
	Closes atomic.Int64
	Planes atomic.Int64
	Tiles  atomic.Int64
}

// Source is an in-memory implementation of remote.ImageAccess.
type Source struct {
	mu       sync.RWMutex
	images   map[remote.ImageID]*Image
	requests []TileRequest

	Counters Counters

	// FailPlane and FailTile, when set, are consulted before every read and
	// may return an error to simulate a remote failure.
	FailPlane func(img remote.ImageID, z, c, t int) error
	FailTile  func(r TileRequest) error
}

// New returns an empty source.
func New() *Source {
	return &Source{images: make(map[remote.ImageID]*Image)}
}

// Add registers an image.
func (s *Source) Add(id remote.ImageID, img Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[id] = &img
}

// Value returns the synthetic pixel value at a coordinate. level is the
// pyramid index, 0 being most detailed.
func Value(level, z, c, t, x, y int) float64 {
	return float64((x + 2*y + 3*z + 5*c + 7*t + 11*level) % 100)
}

// TileRequests returns every GetTile call seen so far.
func (s *Source) TileRequests() []TileRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]TileRequest(nil), s.requests...)
}

func (s *Source) image(id remote.ImageID) (*Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.images[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", remote.ErrNotFound, id)
	}
	return img, nil
}

func (s *Source) AxisSizes(ctx context.Context, id remote.ImageID) (remote.Sizes, error) {
	img, err := s.image(id)
	if err != nil {
		return remote.Sizes{}, err
	}
	return img.Sizes, nil
}

func (s *Source) PhysicalPixelSize(ctx context.Context, id remote.ImageID) (remote.PixelSize, error) {
	img, err := s.image(id)
	if err != nil {
		return remote.PixelSize{}, err
	}
	return img.PixelSize, nil
}

func (s *Source) ChannelSettings(ctx context.Context, id remote.ImageID) ([]remote.Channel, error) {
	img, err := s.image(id)
	if err != nil {
		return nil, err
	}
	return append([]remote.Channel(nil), img.Channels...), nil
}

func (s *Source) RequiresPyramid(ctx context.Context, id remote.ImageID) (bool, error) {
	img, err := s.image(id)
	if err != nil {
		return false, err
	}
	return img.Pyramid, nil
}

func (s *Source) PixelTypeCode(ctx context.Context, id remote.ImageID) (string, error) {
	img, err := s.image(id)
	if err != nil {
		return "", err
	}
	return img.PixelType, nil
}

func (s *Source) TileSize(ctx context.Context, id remote.ImageID) (int, int, error) {
	img, err := s.image(id)
	if err != nil {
		return 0, 0, err
	}
	if !img.Pyramid {
		return 0, 0, remote.ErrNoPyramid
	}
	return img.TileW, img.TileH, nil
}

func (s *Source) ResolutionLevels(ctx context.Context, id remote.ImageID) ([]remote.LevelExtent, error) {
	img, err := s.image(id)
	if err != nil {
		return nil, err
	}
	if !img.Pyramid {
		return nil, remote.ErrNoPyramid
	}
	return append([]remote.LevelExtent(nil), img.Levels...), nil
}

// DefaultPlane returns the stored default Z/T position.
func (s *Source) DefaultPlane(ctx context.Context, id remote.ImageID) (int, int, error) {
	img, err := s.image(id)
	if err != nil {
		return 0, 0, err
	}
	return img.DefaultZ, img.DefaultT, nil
}

// Images lists registered images ordered by id.
func (s *Source) Images(ctx context.Context) ([]remote.ImageSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]remote.ImageSummary, 0, len(s.images))
	for id, img := range s.images {
		out = append(out, remote.ImageSummary{ID: id, Name: img.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Source) FetchPlane(ctx context.Context, id remote.ImageID, z, c, t int) ([]byte, error) {
	img, err := s.image(id)
	if err != nil {
		return nil, err
	}
	s.Counters.Planes.Add(1)
	if s.FailPlane != nil {
		if err := s.FailPlane(id, z, c, t); err != nil {
			return nil, err
		}
	}
	if err := checkPlane(img, z, c, t); err != nil {
		return nil, err
	}
	return render(img, 0, z, c, t, 0, 0, img.Sizes.X, img.Sizes.Y)
}

func (s *Source) OpenPixelStore(ctx context.Context, id remote.ImageID) (remote.PixelStore, error) {
	img, err := s.image(id)
	if err != nil {
		return nil, err
	}
	if !img.Pyramid {
		return nil, remote.ErrNoPyramid
	}
	s.Counters.Opens.Add(1)
	return &store{src: s, id: id, img: img, level: len(img.Levels) - 1}, nil
}

// store is a stateful tile reader. It starts at the most detailed level.
type store struct {
	src    *Source
	id     remote.ImageID
	img    *Image
	level  int
	closed bool
}

func (st *store) SetResolutionLevel(level int) error {
	if st.closed {
		return remote.ErrClosed
	}
	if level < 0 || level >= len(st.img.Levels) {
		return fmt.Errorf("resolution level %d out of range [0, %d)", level, len(st.img.Levels))
	}
	st.level = level
	return nil
}

func (st *store) GetTile(ctx context.Context, z, c, t, x, y, w, h int) ([]byte, error) {
	if st.closed {
		return nil, remote.ErrClosed
	}
	req := TileRequest{Image: st.id, Level: st.level, Z: z, C: c, T: t, X: x, Y: y, W: w, H: h}
	st.src.mu.Lock()
	st.src.requests = append(st.src.requests, req)
	st.src.mu.Unlock()
	st.src.Counters.Tiles.Add(1)

	if st.src.FailTile != nil {
		if err := st.src.FailTile(req); err != nil {
			return nil, err
		}
	}
	if err := checkPlane(st.img, z, c, t); err != nil {
		return nil, err
	}
	idx := len(st.img.Levels) - 1 - st.level
	ext := st.img.Levels[idx]
	if x < 0 || y < 0 || w <= 0 || h <= 0 || x+w > ext.X || y+h > ext.Y {
		return nil, fmt.Errorf("tile %d,%d %dx%d outside level extent %dx%d", x, y, w, h, ext.X, ext.Y)
	}
	return render(st.img, idx, z, c, t, x, y, w, h)
}

func (st *store) Close() error {
	if st.closed {
		return errors.New("pixel store closed twice")
	}
	st.closed = true
	st.src.Counters.Closes.Add(1)
	return nil
}

func checkPlane(img *Image, z, c, t int) error {
	if z < 0 || z >= img.Sizes.Z || c < 0 || c >= img.Sizes.C || t < 0 || t >= img.Sizes.T {
		return fmt.Errorf("plane z=%d c=%d t=%d out of range", z, c, t)
	}
	return nil
}

func render(img *Image, level, z, c, t, x0, y0, w, h int) ([]byte, error) {
	dt, err := dtype.FromPixelType(img.PixelType)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, w*h*dt.Size())
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dt.PutFloat64(buf, y*w+x, Value(level, z, c, t, x0+x, y0+y))
		}
	}
	return buf, nil
}
