// Package render turns evaluated pixel blocks into PNG images using
// fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/fogleman/gg"
	"gonum.org/v1/gonum/stat"

	"github.com/omeroview/server/internal/lazy"
	"github.com/omeroview/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	TileSize        int
	DefaultColormap string
}

// Window is a contrast window. Values at or below Min map to the start of
// the colormap, values at or above Max to its end.
type Window struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Renderer renders blocks and tile mosaics.
type Renderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewRenderer creates a new renderer.
func NewRenderer(cfg Config) *Renderer {
	if cfg.TileSize <= 0 {
		cfg.TileSize = 256
	}
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "gray"
	}
	return &Renderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// Colormap resolves a colormap name, falling back to the configured
// default for unknown or empty names.
func (r *Renderer) Colormap(name string) colormap.Colormap {
	if c, ok := colormap.Lookup(name); ok {
		return c
	}
	c, ok := colormap.Lookup(r.config.DefaultColormap)
	if !ok {
		c = colormap.Viridis
	}
	return c
}

// RenderBlock renders a 2-d (h, w) block.
func (r *Renderer) RenderBlock(b *lazy.Block, cmap colormap.Colormap, win Window) ([]byte, error) {
	if len(b.Shape) != 2 {
		return nil, fmt.Errorf("render: expected a 2-d block, got shape %v", b.Shape)
	}
	img := image.NewRGBA(image.Rect(0, 0, b.Shape[1], b.Shape[0]))
	paint(img, 0, 0, b, cmap, win)
	return r.encodeImage(img)
}

// Tile is one evaluated (or failed) tile of a plane, positioned in pixels.
type Tile struct {
	X, Y  int
	W, H  int
	Block *lazy.Block
	Err   error
}

// RenderMosaic renders a plane of size w x h from its tiles. Failed tiles
// are drawn as an error marker so the rest of the plane stays usable.
func (r *Renderer) RenderMosaic(w, h int, tiles []Tile, cmap colormap.Colormap, win Window) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	dc := gg.NewContextForRGBA(img)
	dc.SetColor(color.Black)
	dc.Clear()

	for _, t := range tiles {
		if t.Err != nil || t.Block == nil {
			drawErrorMarker(dc, t.X, t.Y, t.W, t.H)
			continue
		}
		paint(img, t.X, t.Y, t.Block, cmap, win)
	}
	return r.encodeImage(img)
}

func drawErrorMarker(dc *gg.Context, x, y, w, h int) {
	fx, fy, fw, fh := float64(x), float64(y), float64(w), float64(h)
	dc.SetRGBA(0.6, 0, 0, 0.5)
	dc.DrawRectangle(fx, fy, fw, fh)
	dc.Fill()

	dc.SetRGB(1, 0.2, 0.2)
	dc.SetLineWidth(2)
	dc.DrawRectangle(fx+1, fy+1, fw-2, fh-2)
	dc.DrawLine(fx, fy, fx+fw, fy+fh)
	dc.DrawLine(fx+fw, fy, fx, fy+fh)
	dc.Stroke()
}

func paint(img *image.RGBA, x0, y0 int, b *lazy.Block, cmap colormap.Colormap, win Window) {
	h, w := b.Shape[0], b.Shape[1]
	span := win.Max - win.Min
	if span == 0 || math.IsNaN(span) || math.IsInf(span, 0) {
		span = 1
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := b.DType.Float64At(b.Data, y*w+x)
			img.Set(x0+x, y0+y, cmap.At((v-win.Min)/span))
		}
	}
}

// AutoContrast returns the window between the lo and hi quantiles of the
// block's values, e.g. 0.01 and 0.99.
func AutoContrast(b *lazy.Block, lo, hi float64) Window {
	return quantileWindow(b.Float64s(), lo, hi)
}

// AutoContrastTiles is AutoContrast over every evaluated tile of a mosaic.
// Failed tiles are ignored.
func AutoContrastTiles(tiles []Tile, lo, hi float64) Window {
	var vals []float64
	for _, t := range tiles {
		if t.Err == nil && t.Block != nil {
			vals = append(vals, t.Block.Float64s()...)
		}
	}
	return quantileWindow(vals, lo, hi)
}

// quantileWindow ignores NaN and infinite values.
func quantileWindow(vals []float64, lo, hi float64) Window {
	vals = slices.DeleteFunc(vals, func(v float64) bool {
		return math.IsNaN(v) || math.IsInf(v, 0)
	})
	if len(vals) == 0 {
		return Window{0, 1}
	}
	sort.Float64s(vals)
	return Window{
		Min: stat.Quantile(lo, stat.Empirical, vals, nil),
		Max: stat.Quantile(hi, stat.Empirical, vals, nil),
	}
}

func (r *Renderer) encodeImage(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// CreateEmptyTile creates an empty transparent tile.
func (r *Renderer) CreateEmptyTile() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, r.config.TileSize, r.config.TileSize))
	return r.encodeImage(img)
}
