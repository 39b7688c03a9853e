// Package service provides the image operations served over HTTP.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/omeroview/server/internal/cache"
	"github.com/omeroview/server/internal/lazy"
	"github.com/omeroview/server/internal/remote"
	"github.com/omeroview/server/internal/render"
	"github.com/omeroview/server/pkg/colormap"
)

// ErrNoCatalog is returned by Images for sources that cannot list images.
var ErrNoCatalog = errors.New("source cannot list images")

// ImageServiceConfig contains image service configuration.
type ImageServiceConfig struct {
	Source   string
	Access   remote.ImageAccess
	Cache    *cache.Manager
	Renderer *render.Renderer
	// Workers bounds concurrent unit reads per request (default 4).
	Workers int
	// Timing logs every unit read.
	Timing bool
	// OpenStore overrides how tile reads acquire pixel stores.
	OpenStore lazy.StoreOpener
}

// ImageService loads images of one source and renders their planes.
type ImageService struct {
	source   string
	access   remote.ImageAccess
	cache    *cache.Manager
	renderer *render.Renderer
	workers  int
	timing   bool
	open     lazy.StoreOpener

	mu      sync.RWMutex
	session uint64
	scope   *cache.Scope
	layers  map[remote.ImageID]*lazy.Layer
	loads   singleflight.Group
}

// NewImageService creates a new image service.
func NewImageService(cfg ImageServiceConfig) *ImageService {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	open := cfg.OpenStore
	if open == nil {
		open = lazy.FreshStore
	}
	s := &ImageService{
		source:   cfg.Source,
		access:   cfg.Access,
		cache:    cfg.Cache,
		renderer: cfg.Renderer,
		workers:  workers,
		timing:   cfg.Timing,
		open:     open,
		layers:   make(map[remote.ImageID]*lazy.Layer),
	}
	s.scope = cfg.Cache.Scope(cfg.Source, 0)
	return s
}

// Source returns the configured source name.
func (s *ImageService) Source() string { return s.source }

// Session returns the current session number.
func (s *ImageService) Session() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Reconnect starts a new session. Cached pixels and layers of the previous
// session are never served again.
func (s *ImageService) Reconnect() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session++
	s.scope = s.cache.Scope(s.source, s.session)
	s.layers = make(map[remote.ImageID]*lazy.Layer)
	log.Printf("[ImageService] %s: started session %d", s.source, s.session)
	return s.session
}

func (s *ImageService) executor() lazy.Executor {
	return lazy.Pool{Workers: s.workers}
}

// Layer loads (or returns the already loaded) image of the current session.
func (s *ImageService) Layer(ctx context.Context, id remote.ImageID) (*lazy.Layer, error) {
	s.mu.RLock()
	layer, ok := s.layers[id]
	scope, session := s.scope, s.session
	s.mu.RUnlock()
	if ok {
		return layer, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := s.loads.DoChan(fmt.Sprintf("%d/%d", session, id), func() (any, error) {
		loader := lazy.NewLoader(s.access)
		loader.Options.OpenStore = s.open
		loader.Options.Timing = s.timing
		loader.Memo = scope
		layer, err := loader.Load(detached, id)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		if s.session == session {
			s.layers[id] = layer
		}
		s.mu.Unlock()
		return layer, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*lazy.Layer), nil
	}
}

// LevelInfo describes one array of an image.
type LevelInfo struct {
	Level       int      `json:"level"`
	RemoteLevel int      `json:"remote_level"`
	Shape       []int    `json:"shape"`
	TileRows    int      `json:"tile_rows"`
	TileCols    int      `json:"tile_cols"`
	Units       int      `json:"units"`
	Axes        []string `json:"axes"`
}

// ImageInfo is the JSON description of a loaded image.
type ImageInfo struct {
	Source   string         `json:"source"`
	ID       remote.ImageID `json:"id"`
	DType    string         `json:"dtype"`
	Sizes    remote.Sizes   `json:"sizes"`
	Pyramid  bool           `json:"pyramid"`
	TileSize [2]int         `json:"tile_size,omitempty"`
	Levels   []LevelInfo    `json:"levels"`
	Display  *lazy.Display  `json:"display"`
	// DefaultPoint is the (t, z) position a viewer should open at, set only
	// for axes longer than one.
	DefaultPoint map[string]int `json:"default_point,omitempty"`
}

// Describe returns the description of an image. Results are kept in the
// query cache for the current session.
func (s *ImageService) Describe(ctx context.Context, id remote.ImageID) (*ImageInfo, error) {
	s.mu.RLock()
	key := s.scope.QueryKey("describe", id)
	s.mu.RUnlock()

	if data, ok := s.cache.GetQuery(key); ok {
		var info ImageInfo
		if err := json.Unmarshal(data, &info); err == nil {
			return &info, nil
		}
	}

	layer, err := s.Layer(ctx, id)
	if err != nil {
		return nil, err
	}
	md := layer.Metadata
	info := &ImageInfo{
		Source:  s.source,
		ID:      id,
		DType:   md.DType.String(),
		Sizes:   md.Sizes,
		Pyramid: md.Pyramid,
		Display: layer.Display,
	}
	if md.Pyramid {
		info.TileSize = [2]int{md.TileW, md.TileH}
	}
	for _, a := range layer.Arrays {
		rows, cols := a.TileGrid()
		info.Levels = append(info.Levels, LevelInfo{
			Level:       a.Level,
			RemoteLevel: a.RemoteLevel,
			Shape:       a.Shape(),
			TileRows:    rows,
			TileCols:    cols,
			Units:       len(a.Units()),
			Axes:        a.Axes(),
		})
	}
	point := map[string]int{}
	if md.Sizes.T > 1 {
		point[lazy.AxisT] = md.DefaultT
	}
	if md.Sizes.Z > 1 {
		point[lazy.AxisZ] = md.DefaultZ
	}
	if len(point) > 0 {
		info.DefaultPoint = point
	}

	if data, err := json.Marshal(info); err == nil {
		s.cache.SetQuery(key, data)
	}
	return info, nil
}

// Images lists the images of the source.
func (s *ImageService) Images(ctx context.Context) ([]remote.ImageSummary, error) {
	c, ok := s.access.(remote.Catalog)
	if !ok {
		return nil, ErrNoCatalog
	}
	return c.Images(ctx)
}

// PlaneRequest selects one plane of one level and how to render it.
type PlaneRequest struct {
	Level int
	T     int
	C     int
	Z     int
	// Colormap names a colormap. Empty uses the channel's display colormap.
	Colormap string
	// Window overrides the contrast window.
	Window *render.Window
	// Auto computes the window from the plane's 1st and 99th percentiles.
	Auto bool
}

func (s *ImageService) array(layer *lazy.Layer, level int) (*lazy.Array, error) {
	if level < 0 || level >= len(layer.Arrays) {
		return nil, fmt.Errorf("%w: level %d of %d", lazy.ErrOutOfRange, level, len(layer.Arrays))
	}
	return layer.Arrays[level], nil
}

func (s *ImageService) colormap(layer *lazy.Layer, req PlaneRequest) (colormap.Colormap, error) {
	if req.Colormap != "" {
		return s.renderer.Colormap(req.Colormap), nil
	}
	d := layer.Display
	if req.C < 0 || req.C >= len(d.Colormaps) {
		return nil, fmt.Errorf("%w: channel %d", lazy.ErrOutOfRange, req.C)
	}
	return d.Colormaps[req.C].Colormap()
}

func (s *ImageService) window(layer *lazy.Layer, req PlaneRequest, tiles []render.Tile) render.Window {
	switch {
	case req.Window != nil:
		return *req.Window
	case req.Auto:
		return render.AutoContrastTiles(tiles, 0.01, 0.99)
	}
	if req.C >= 0 && req.C < len(layer.Display.ContrastLimits) {
		cl := layer.Display.ContrastLimits[req.C]
		return render.Window{Min: cl[0], Max: cl[1]}
	}
	lo, hi := layer.Metadata.DType.Range()
	return render.Window{Min: lo, Max: hi}
}

// Plane evaluates every tile of one plane. Failed tiles carry their error
// and leave the others intact.
func (s *ImageService) Plane(ctx context.Context, id remote.ImageID, level, t, c, z int) ([]render.Tile, [2]int, error) {
	layer, err := s.Layer(ctx, id)
	if err != nil {
		return nil, [2]int{}, err
	}
	a, err := s.array(layer, level)
	if err != nil {
		return nil, [2]int{}, err
	}
	plane, err := a.Plane(t, c, z)
	if err != nil {
		return nil, [2]int{}, err
	}
	shape := plane.Shape()

	units := plane.Units()
	results := s.executor().Evaluate(ctx, units)
	tiles := make([]render.Tile, len(units))
	for i, u := range units {
		coord := u.Coord()
		us := u.Shape()
		tiles[i] = render.Tile{
			X:     coord.X,
			Y:     coord.Y,
			W:     us[1],
			H:     us[0],
			Block: results[i].Block,
			Err:   results[i].Err,
		}
		if results[i].Err != nil {
			log.Printf("[ImageService] %s: %v", s.source, results[i].Err)
		}
	}
	return tiles, [2]int{shape[0], shape[1]}, nil
}

// PlanePNG renders one plane as a PNG mosaic and returns the number of
// tiles that failed to load. Failed tiles are drawn as error markers.
func (s *ImageService) PlanePNG(ctx context.Context, id remote.ImageID, req PlaneRequest) ([]byte, int, error) {
	layer, err := s.Layer(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	cmap, err := s.colormap(layer, req)
	if err != nil {
		return nil, 0, err
	}
	tiles, size, err := s.Plane(ctx, id, req.Level, req.T, req.C, req.Z)
	if err != nil {
		return nil, 0, err
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	failed := 0
	for _, t := range tiles {
		if t.Err != nil {
			failed++
		}
	}
	if failed == len(tiles) {
		return nil, failed, tiles[0].Err
	}
	data, err := s.renderer.RenderMosaic(size[1], size[0], tiles, cmap, s.window(layer, req, tiles))
	if err != nil {
		return nil, failed, fmt.Errorf("failed to render plane: %w", err)
	}
	return data, failed, nil
}

// TilePNG renders a single tile of one plane.
func (s *ImageService) TilePNG(ctx context.Context, id remote.ImageID, req PlaneRequest, row, col int) ([]byte, error) {
	layer, err := s.Layer(ctx, id)
	if err != nil {
		return nil, err
	}
	a, err := s.array(layer, req.Level)
	if err != nil {
		return nil, err
	}
	u, err := a.Tile(req.T, req.C, req.Z, row, col)
	if err != nil {
		return nil, err
	}
	cmap, err := s.colormap(layer, req)
	if err != nil {
		return nil, err
	}
	b, err := u.Eval(ctx)
	if err != nil {
		return nil, err
	}
	win := s.window(layer, req, nil)
	if req.Window == nil && req.Auto {
		win = render.AutoContrast(b, 0.01, 0.99)
	}
	return s.renderer.RenderBlock(b, cmap, win)
}

// RawPlane evaluates one plane into a single block. It fails if any of the
// plane's tiles fails.
func (s *ImageService) RawPlane(ctx context.Context, id remote.ImageID, level, t, c, z int) (*lazy.Block, error) {
	layer, err := s.Layer(ctx, id)
	if err != nil {
		return nil, err
	}
	a, err := s.array(layer, level)
	if err != nil {
		return nil, err
	}
	plane, err := a.Plane(t, c, z)
	if err != nil {
		return nil, err
	}
	return lazy.Compute(ctx, plane, s.executor())
}

// EmptyTile returns a transparent placeholder tile.
func (s *ImageService) EmptyTile() ([]byte, error) {
	return s.renderer.CreateEmptyTile()
}

// Close releases the source if it holds resources.
func (s *ImageService) Close() {
	switch c := s.access.(type) {
	case interface{ Close() error }:
		if err := c.Close(); err != nil {
			log.Printf("[ImageService] %s: close failed: %v", s.source, err)
		}
	case interface{ Close() }:
		c.Close()
	}
}
