package zarr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/omeroview/server/internal/remote"
)

// Reader serves images from a directory of OME-Zarr groups. Each image is a
// subdirectory named by its numeric id, holding a multiscale group whose
// datasets are (t, c, z, y, x) arrays, most detailed first.
type Reader struct {
	basePath string
	decoder  *zstd.Decoder

	mu     sync.RWMutex
	images map[remote.ImageID]*image
}

type image struct {
	name      string
	levels    []*array
	pixelSize remote.PixelSize
	channels  []remote.Channel
	defaultZ  *int
	defaultT  *int
}

// groupMeta is the subset of an OME-Zarr group zarr.json the reader uses.
type groupMeta struct {
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
	Attributes struct {
		OME struct {
			Name        string       `json:"name"`
			Multiscales []multiscale `json:"multiscales"`
			Omero       *omeroMeta   `json:"omero"`
		} `json:"ome"`
	} `json:"attributes"`
}

type multiscale struct {
	Axes []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"axes"`
	Datasets []struct {
		Path                      string `json:"path"`
		CoordinateTransformations []struct {
			Type  string    `json:"type"`
			Scale []float64 `json:"scale"`
		} `json:"coordinateTransformations"`
	} `json:"datasets"`
}

type omeroMeta struct {
	Channels []struct {
		Color  string `json:"color"`
		Active *bool  `json:"active"`
		Label  string `json:"label"`
		Window struct {
			Start float64 `json:"start"`
			End   float64 `json:"end"`
		} `json:"window"`
	} `json:"channels"`
	Rdefs struct {
		DefaultZ *int `json:"defaultZ"`
		DefaultT *int `json:"defaultT"`
	} `json:"rdefs"`
}

var axisOrder = []string{"t", "c", "z", "y", "x"}

// NewReader creates a reader over basePath.
func NewReader(basePath string) (*Reader, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open zarr root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("zarr root %s is not a directory", basePath)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Reader{
		basePath: basePath,
		decoder:  decoder,
		images:   make(map[remote.ImageID]*image),
	}, nil
}

// Close releases resources.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}

func (r *Reader) image(id remote.ImageID) (*image, error) {
	r.mu.RLock()
	img, ok := r.images[id]
	r.mu.RUnlock()
	if ok {
		return img, nil
	}

	img, err := r.loadImage(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.images[id] = img
	r.mu.Unlock()
	return img, nil
}

func (r *Reader) loadImage(id remote.ImageID) (*image, error) {
	groupPath := filepath.Join(r.basePath, strconv.FormatInt(int64(id), 10))
	data, err := os.ReadFile(filepath.Join(groupPath, "zarr.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %d", remote.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read image group %d: %w", id, err)
	}

	var g groupMeta
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to parse image group %d: %w", id, err)
	}
	ome := g.Attributes.OME
	if len(ome.Multiscales) == 0 || len(ome.Multiscales[0].Datasets) == 0 {
		return nil, fmt.Errorf("image %d has no multiscale datasets", id)
	}
	ms := ome.Multiscales[0]
	if len(ms.Axes) != len(axisOrder) {
		return nil, fmt.Errorf("image %d: expected axes %v, got %d axes", id, axisOrder, len(ms.Axes))
	}
	for i, ax := range ms.Axes {
		if ax.Name != axisOrder[i] {
			return nil, fmt.Errorf("image %d: expected axes %v, axis %d is %q", id, axisOrder, i, ax.Name)
		}
	}

	img := &image{name: ome.Name}
	if img.name == "" {
		img.name = strconv.FormatInt(int64(id), 10)
	}
	for i, ds := range ms.Datasets {
		a, err := openArray(filepath.Join(groupPath, ds.Path))
		if err != nil {
			return nil, fmt.Errorf("image %d dataset %s: %w", id, ds.Path, err)
		}
		if len(a.meta.Shape) != len(axisOrder) {
			return nil, fmt.Errorf("image %d dataset %s: expected 5 dims, got %v", id, ds.Path, a.meta.Shape)
		}
		if i > 0 && a.dtype != img.levels[0].dtype {
			return nil, fmt.Errorf("image %d dataset %s: data type %s differs from base %s", id, ds.Path, a.dtype, img.levels[0].dtype)
		}
		img.levels = append(img.levels, a)
	}

	for _, ct := range ms.Datasets[0].CoordinateTransformations {
		if ct.Type == "scale" && len(ct.Scale) == len(axisOrder) {
			z, y, x := ct.Scale[2], ct.Scale[3], ct.Scale[4]
			img.pixelSize = remote.PixelSize{Z: &z, Y: &y, X: &x}
		}
	}

	nc := img.levels[0].meta.Shape[1]
	if ome.Omero != nil && len(ome.Omero.Channels) > 0 {
		for _, ch := range ome.Omero.Channels {
			active := true
			if ch.Active != nil {
				active = *ch.Active
			}
			img.channels = append(img.channels, remote.Channel{
				Color:       ch.Color,
				Active:      active,
				WindowStart: ch.Window.Start,
				WindowEnd:   ch.Window.End,
				Label:       ch.Label,
			})
		}
		img.defaultZ = ome.Omero.Rdefs.DefaultZ
		img.defaultT = ome.Omero.Rdefs.DefaultT
	} else {
		lo, hi := img.levels[0].dtype.Range()
		if img.levels[0].dtype.Float() {
			lo, hi = 0, 1
		}
		for c := 0; c < nc; c++ {
			img.channels = append(img.channels, remote.Channel{
				Color: "FFFFFF", Active: true, WindowStart: lo, WindowEnd: hi, Label: strconv.Itoa(c),
			})
		}
	}
	return img, nil
}

func (r *Reader) AxisSizes(ctx context.Context, id remote.ImageID) (remote.Sizes, error) {
	img, err := r.image(id)
	if err != nil {
		return remote.Sizes{}, err
	}
	s := img.levels[0].meta.Shape
	return remote.Sizes{T: s[0], C: s[1], Z: s[2], Y: s[3], X: s[4]}, nil
}

func (r *Reader) PhysicalPixelSize(ctx context.Context, id remote.ImageID) (remote.PixelSize, error) {
	img, err := r.image(id)
	if err != nil {
		return remote.PixelSize{}, err
	}
	return img.pixelSize, nil
}

func (r *Reader) ChannelSettings(ctx context.Context, id remote.ImageID) ([]remote.Channel, error) {
	img, err := r.image(id)
	if err != nil {
		return nil, err
	}
	return append([]remote.Channel(nil), img.channels...), nil
}

// RequiresPyramid reports whether the image has more than one resolution.
func (r *Reader) RequiresPyramid(ctx context.Context, id remote.ImageID) (bool, error) {
	img, err := r.image(id)
	if err != nil {
		return false, err
	}
	return len(img.levels) > 1, nil
}

func (r *Reader) PixelTypeCode(ctx context.Context, id remote.ImageID) (string, error) {
	img, err := r.image(id)
	if err != nil {
		return "", err
	}
	return PixelTypeCode(img.levels[0].meta.DataType), nil
}

func (r *Reader) FetchPlane(ctx context.Context, id remote.ImageID, z, c, t int) ([]byte, error) {
	img, err := r.image(id)
	if err != nil {
		return nil, err
	}
	base := img.levels[0]
	s := base.meta.Shape
	return r.readRegion(base, []int{t, c, z}, 0, 0, s[4], s[3])
}

// TileSize returns the chunk width and height of the base level.
func (r *Reader) TileSize(ctx context.Context, id remote.ImageID) (int, int, error) {
	img, err := r.image(id)
	if err != nil {
		return 0, 0, err
	}
	chunk := img.levels[0].meta.ChunkGrid.Configuration.ChunkShape
	return chunk[4], chunk[3], nil
}

func (r *Reader) ResolutionLevels(ctx context.Context, id remote.ImageID) ([]remote.LevelExtent, error) {
	img, err := r.image(id)
	if err != nil {
		return nil, err
	}
	out := make([]remote.LevelExtent, len(img.levels))
	for i, a := range img.levels {
		out[i] = remote.LevelExtent{X: a.meta.Shape[4], Y: a.meta.Shape[3]}
	}
	return out, nil
}

// DefaultPlane returns the default Z/T from the omero rendering settings.
func (r *Reader) DefaultPlane(ctx context.Context, id remote.ImageID) (int, int, error) {
	img, err := r.image(id)
	if err != nil {
		return 0, 0, err
	}
	if img.defaultZ == nil && img.defaultT == nil {
		return 0, 0, remote.ErrNotFound
	}
	var z, t int
	if img.defaultZ != nil {
		z = *img.defaultZ
	}
	if img.defaultT != nil {
		t = *img.defaultT
	}
	return z, t, nil
}

// Images lists the numeric image groups under the root.
func (r *Reader) Images(ctx context.Context) ([]remote.ImageSummary, error) {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list zarr root: %w", err)
	}
	var out []remote.ImageSummary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		img, err := r.image(remote.ImageID(n))
		if err != nil {
			continue
		}
		out = append(out, remote.ImageSummary{ID: remote.ImageID(n), Name: img.name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Reader) OpenPixelStore(ctx context.Context, id remote.ImageID) (remote.PixelStore, error) {
	img, err := r.image(id)
	if err != nil {
		return nil, err
	}
	return &pixelStore{r: r, img: img, level: len(img.levels) - 1}, nil
}

// pixelStore reads tiles from one resolution level. Level ids count from
// the least detailed level.
type pixelStore struct {
	r      *Reader
	img    *image
	level  int
	closed bool
}

func (p *pixelStore) SetResolutionLevel(level int) error {
	if p.closed {
		return remote.ErrClosed
	}
	if level < 0 || level >= len(p.img.levels) {
		return fmt.Errorf("resolution level %d out of range [0, %d)", level, len(p.img.levels))
	}
	p.level = level
	return nil
}

func (p *pixelStore) GetTile(ctx context.Context, z, c, t, x, y, w, h int) ([]byte, error) {
	if p.closed {
		return nil, remote.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a := p.img.levels[len(p.img.levels)-1-p.level]
	return p.r.readRegion(a, []int{t, c, z}, x, y, w, h)
}

func (p *pixelStore) Close() error {
	p.closed = true
	return nil
}
