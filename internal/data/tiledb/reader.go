// Package tiledb serves images stored as dense TileDB arrays.
//
// Each image lives in a directory named by its numeric id under the root:
//   - meta.json  dimensional metadata and channel settings
//   - level_<i>  one dense array per resolution level, most detailed first,
//     with int64 dimensions t, c, z, y, x and a single pixel attribute
//
// Metadata is served in every build. Pixel reads need the TileDB C library
// and are only compiled with "-tags tiledb".
package tiledb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/omeroview/server/internal/dtype"
	"github.com/omeroview/server/internal/remote"
)

var (
	// ErrUnsupported indicates this binary was built without TileDB support.
	ErrUnsupported = errors.New("tiledb support is not enabled in this build (build server with: go build -tags tiledb)")
)

// DefaultAttribute is the pixel attribute name used when meta.json names none.
const DefaultAttribute = "intensity"

type imageMeta struct {
	Name      string           `json:"name"`
	Sizes     remote.Sizes     `json:"sizes"`
	PixelType string           `json:"pixel_type"`
	PixelSize remote.PixelSize `json:"pixel_size"`
	Channels  []remote.Channel `json:"channels"`
	TileW     int              `json:"tile_width"`
	TileH     int              `json:"tile_height"`
	// Levels are most detailed first; a missing list means a single level
	// the size of the image.
	Levels    []remote.LevelExtent `json:"levels"`
	Attribute string               `json:"attribute"`
	DefaultZ  *int                 `json:"default_z"`
	DefaultT  *int                 `json:"default_t"`

	dtype dtype.DType
}

// ResolveRootURI expands environment variables and cleans the root path.
func ResolveRootURI(root string) (string, error) {
	p := strings.TrimSpace(root)
	if p == "" {
		return "", errors.New("empty tiledb root path")
	}
	return filepath.Clean(os.ExpandEnv(p)), nil
}

// catalog serves metadata from meta.json files.
type catalog struct {
	root string

	mu    sync.RWMutex
	metas map[remote.ImageID]*imageMeta
}

func newCatalog(root string) (*catalog, error) {
	uri, err := ResolveRootURI(root)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("tiledb root not found at %s: %w", uri, statErr)
	}
	return &catalog{root: uri, metas: make(map[remote.ImageID]*imageMeta)}, nil
}

// Root returns the resolved root path.
func (c *catalog) Root() string { return c.root }

func (c *catalog) imageDir(id remote.ImageID) string {
	return filepath.Join(c.root, strconv.FormatInt(int64(id), 10))
}

func (c *catalog) levelURI(id remote.ImageID, index int) string {
	return filepath.Join(c.imageDir(id), fmt.Sprintf("level_%d", index))
}

func (c *catalog) meta(id remote.ImageID) (*imageMeta, error) {
	c.mu.RLock()
	m, ok := c.metas[id]
	c.mu.RUnlock()
	if ok {
		return m, nil
	}

	data, err := os.ReadFile(filepath.Join(c.imageDir(id), "meta.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %d", remote.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read meta.json for image %d: %w", id, err)
	}
	m = &imageMeta{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse meta.json for image %d: %w", id, err)
	}
	if m.dtype, err = dtype.FromPixelType(m.PixelType); err != nil {
		return nil, fmt.Errorf("image %d: %w", id, err)
	}
	if len(m.Levels) == 0 {
		m.Levels = []remote.LevelExtent{{X: m.Sizes.X, Y: m.Sizes.Y}}
	}
	if m.Attribute == "" {
		m.Attribute = DefaultAttribute
	}

	c.mu.Lock()
	c.metas[id] = m
	c.mu.Unlock()
	return m, nil
}

func (c *catalog) AxisSizes(ctx context.Context, id remote.ImageID) (remote.Sizes, error) {
	m, err := c.meta(id)
	if err != nil {
		return remote.Sizes{}, err
	}
	return m.Sizes, nil
}

func (c *catalog) PhysicalPixelSize(ctx context.Context, id remote.ImageID) (remote.PixelSize, error) {
	m, err := c.meta(id)
	if err != nil {
		return remote.PixelSize{}, err
	}
	return m.PixelSize, nil
}

func (c *catalog) ChannelSettings(ctx context.Context, id remote.ImageID) ([]remote.Channel, error) {
	m, err := c.meta(id)
	if err != nil {
		return nil, err
	}
	return append([]remote.Channel(nil), m.Channels...), nil
}

func (c *catalog) RequiresPyramid(ctx context.Context, id remote.ImageID) (bool, error) {
	m, err := c.meta(id)
	if err != nil {
		return false, err
	}
	return len(m.Levels) > 1, nil
}

func (c *catalog) PixelTypeCode(ctx context.Context, id remote.ImageID) (string, error) {
	m, err := c.meta(id)
	if err != nil {
		return "", err
	}
	return m.PixelType, nil
}

func (c *catalog) TileSize(ctx context.Context, id remote.ImageID) (int, int, error) {
	m, err := c.meta(id)
	if err != nil {
		return 0, 0, err
	}
	if len(m.Levels) < 2 {
		return 0, 0, remote.ErrNoPyramid
	}
	return m.TileW, m.TileH, nil
}

func (c *catalog) ResolutionLevels(ctx context.Context, id remote.ImageID) ([]remote.LevelExtent, error) {
	m, err := c.meta(id)
	if err != nil {
		return nil, err
	}
	return append([]remote.LevelExtent(nil), m.Levels...), nil
}

func (c *catalog) DefaultPlane(ctx context.Context, id remote.ImageID) (int, int, error) {
	m, err := c.meta(id)
	if err != nil {
		return 0, 0, err
	}
	if m.DefaultZ == nil && m.DefaultT == nil {
		return 0, 0, remote.ErrNotFound
	}
	var z, t int
	if m.DefaultZ != nil {
		z = *m.DefaultZ
	}
	if m.DefaultT != nil {
		t = *m.DefaultT
	}
	return z, t, nil
}

// Images lists image directories that carry a readable meta.json.
func (c *catalog) Images(ctx context.Context) ([]remote.ImageSummary, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list tiledb root: %w", err)
	}
	var out []remote.ImageSummary
	for _, e := range entries {
		n, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil || !e.IsDir() {
			continue
		}
		m, err := c.meta(remote.ImageID(n))
		if err != nil {
			continue
		}
		name := m.Name
		if name == "" {
			name = e.Name()
		}
		out = append(out, remote.ImageSummary{ID: remote.ImageID(n), Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// pixelStore reads tiles through a Reader at one resolution level. Level
// ids count from the least detailed level.
type pixelStore struct {
	r      *Reader
	id     remote.ImageID
	meta   *imageMeta
	level  int
	closed bool
}

func (p *pixelStore) SetResolutionLevel(level int) error {
	if p.closed {
		return remote.ErrClosed
	}
	if level < 0 || level >= len(p.meta.Levels) {
		return fmt.Errorf("resolution level %d out of range [0, %d)", level, len(p.meta.Levels))
	}
	p.level = level
	return nil
}

func (p *pixelStore) GetTile(ctx context.Context, z, c, t, x, y, w, h int) ([]byte, error) {
	if p.closed {
		return nil, remote.ErrClosed
	}
	index := len(p.meta.Levels) - 1 - p.level
	ext := p.meta.Levels[index]
	if x < 0 || y < 0 || w <= 0 || h <= 0 || x+w > ext.X || y+h > ext.Y {
		return nil, fmt.Errorf("tile %d,%d %dx%d outside level extent %dx%d", x, y, w, h, ext.X, ext.Y)
	}
	return p.r.readRegion(ctx, p.id, p.meta, index, z, c, t, x, y, w, h)
}

func (p *pixelStore) Close() error {
	p.closed = true
	return nil
}

// FetchPlane reads the full-resolution plane at (z, c, t).
func (r *Reader) FetchPlane(ctx context.Context, id remote.ImageID, z, c, t int) ([]byte, error) {
	m, err := r.meta(id)
	if err != nil {
		return nil, err
	}
	return r.readRegion(ctx, id, m, 0, z, c, t, 0, 0, m.Sizes.X, m.Sizes.Y)
}

// OpenPixelStore opens a tile reader for a pyramidal image.
func (r *Reader) OpenPixelStore(ctx context.Context, id remote.ImageID) (remote.PixelStore, error) {
	m, err := r.meta(id)
	if err != nil {
		return nil, err
	}
	if len(m.Levels) < 2 {
		return nil, remote.ErrNoPyramid
	}
	return &pixelStore{r: r, id: id, meta: m, level: len(m.Levels) - 1}, nil
}
