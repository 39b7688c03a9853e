package tiledb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/omeroview/server/internal/remote"
)

const pyramidMeta = `{
  "name": "slide",
  "sizes": {"t": 1, "c": 3, "z": 1, "y": 1000, "x": 1500},
  "pixel_type": "uint8",
  "pixel_size": {"x": 0.25, "y": 0.25},
  "channels": [
    {"color": "FF0000", "active": true, "window_start": 0, "window_end": 255, "label": "R"},
    {"color": "00FF00", "active": true, "window_start": 0, "window_end": 255, "label": "G"},
    {"color": "0000FF", "active": true, "window_start": 0, "window_end": 255, "label": "B"}
  ],
  "tile_width": 512,
  "tile_height": 256,
  "levels": [{"x": 1500, "y": 1000}, {"x": 750, "y": 500}],
  "default_z": 0
}`

const planeMeta = `{
  "sizes": {"t": 2, "c": 1, "z": 4, "y": 32, "x": 32},
  "pixel_type": "float",
  "channels": [{"color": "FFFFFF", "active": true, "window_start": 0, "window_end": 1, "label": "A"}]
}`

func testRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for id, meta := range map[string]string{"10": pyramidMeta, "11": planeMeta, "12": `{"pixel_type": "bit"}`} {
		dir := filepath.Join(root, id)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "meta.json"), []byte(meta), 0o644); err != nil {
			t.Fatalf("write meta: %v", err)
		}
	}
	return root
}

func TestCatalogMetadata(t *testing.T) {
	r, err := NewReader(testRoot(t))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	ctx := context.Background()

	sizes, err := r.AxisSizes(ctx, 10)
	if err != nil {
		t.Fatalf("AxisSizes: %v", err)
	}
	if sizes != (remote.Sizes{T: 1, C: 3, Z: 1, Y: 1000, X: 1500}) {
		t.Fatalf("unexpected sizes %+v", sizes)
	}
	pyr, _ := r.RequiresPyramid(ctx, 10)
	if !pyr {
		t.Fatalf("expected pyramid")
	}
	w, h, err := r.TileSize(ctx, 10)
	if err != nil || w != 512 || h != 256 {
		t.Fatalf("unexpected tile size %dx%d %v", w, h, err)
	}
	ps, _ := r.PhysicalPixelSize(ctx, 10)
	if ps.X == nil || *ps.X != 0.25 || ps.Z != nil {
		t.Fatalf("unexpected pixel size %+v", ps)
	}
	if _, _, err := r.DefaultPlane(ctx, 10); err != nil {
		t.Fatalf("DefaultPlane: %v", err)
	}

	levels, _ := r.ResolutionLevels(ctx, 11)
	if len(levels) != 1 || levels[0] != (remote.LevelExtent{X: 32, Y: 32}) {
		t.Fatalf("expected a single implicit level, got %+v", levels)
	}
	if _, _, err := r.TileSize(ctx, 11); !errors.Is(err, remote.ErrNoPyramid) {
		t.Fatalf("expected ErrNoPyramid, got %v", err)
	}
	if _, _, err := r.DefaultPlane(ctx, 11); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.AxisSizes(ctx, 99); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCatalogImages(t *testing.T) {
	r, err := NewReader(testRoot(t))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	images, err := r.Images(context.Background())
	if err != nil {
		t.Fatalf("Images: %v", err)
	}
	// image 12 has an unknown pixel type and is skipped
	if len(images) != 2 || images[0].Name != "slide" || images[1].Name != "11" {
		t.Fatalf("unexpected images %+v", images)
	}
}

func TestNewReaderMissingRoot(t *testing.T) {
	if _, err := NewReader(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing root")
	}
	if _, err := NewReader("  "); err == nil {
		t.Fatalf("expected error for empty root")
	}
}

func TestPixelStoreBounds(t *testing.T) {
	r, err := NewReader(testRoot(t))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	ctx := context.Background()
	st, err := r.OpenPixelStore(ctx, 10)
	if err != nil {
		t.Fatalf("OpenPixelStore: %v", err)
	}
	defer st.Close()
	if err := st.SetResolutionLevel(2); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if err := st.SetResolutionLevel(0); err != nil {
		t.Fatalf("SetResolutionLevel: %v", err)
	}
	// level id 0 is the 750x500 level
	if _, err := st.GetTile(ctx, 0, 0, 0, 512, 256, 512, 256); err == nil {
		t.Fatalf("expected out-of-extent error")
	}
	if _, err := r.OpenPixelStore(ctx, 11); !errors.Is(err, remote.ErrNoPyramid) {
		t.Fatalf("expected ErrNoPyramid, got %v", err)
	}
}
