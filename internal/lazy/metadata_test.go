package lazy

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/omeroview/server/internal/data/memory"
	"github.com/omeroview/server/internal/dtype"
	"github.com/omeroview/server/internal/remote"
)

func fptr(v float64) *float64 { return &v }

func TestReadMetadataUnknownPixelType(t *testing.T) {
	t.Parallel()

	src := memory.New()
	src.Add(1, memory.Image{
		Sizes:     remote.Sizes{T: 1, C: 1, Z: 1, Y: 2, X: 2},
		PixelType: "bit",
		Channels:  channels(1),
	})
	_, err := NewLoader(src).Load(context.Background(), 1)
	if !errors.Is(err, dtype.ErrUnknownPixelType) {
		t.Fatalf("expected ErrUnknownPixelType, got %v", err)
	}
	if src.Counters.Planes.Load() != 0 || src.Counters.Opens.Load() != 0 {
		t.Fatalf("expected no pixel access before failing")
	}
}

func TestReadMetadataInconsistentShape(t *testing.T) {
	t.Parallel()

	cases := map[string]memory.Image{
		"zeroZ": {
			Sizes:     remote.Sizes{T: 1, C: 1, Z: 0, Y: 2, X: 2},
			PixelType: "uint8",
			Channels:  channels(1),
		},
		"channelMismatch": {
			Sizes:     remote.Sizes{T: 1, C: 2, Z: 1, Y: 2, X: 2},
			PixelType: "uint8",
			Channels:  channels(1),
		},
		"noLevels": {
			Sizes:     remote.Sizes{T: 1, C: 1, Z: 1, Y: 2, X: 2},
			PixelType: "uint8",
			Channels:  channels(1),
			Pyramid:   true,
			TileW:     1,
			TileH:     1,
		},
		"zeroTile": {
			Sizes:     remote.Sizes{T: 1, C: 1, Z: 1, Y: 2, X: 2},
			PixelType: "uint8",
			Channels:  channels(1),
			Pyramid:   true,
			Levels:    []remote.LevelExtent{{X: 2, Y: 2}},
		},
	}
	for name, img := range cases {
		t.Run(name, func(t *testing.T) {
			src := memory.New()
			src.Add(1, img)
			_, err := ReadMetadata(context.Background(), src, 1)
			if !errors.Is(err, ErrInconsistentShape) {
				t.Fatalf("expected ErrInconsistentShape, got %v", err)
			}
		})
	}
}

func TestReadMetadataDefaults(t *testing.T) {
	t.Parallel()

	src := memory.New()
	src.Add(3, memory.Image{
		Sizes:     remote.Sizes{T: 4, C: 1, Z: 6, Y: 2, X: 2},
		PixelType: "double",
		PixelSize: remote.PixelSize{X: fptr(0.5)},
		Channels:  channels(1),
		DefaultZ:  9,
		DefaultT:  2,
	})
	md, err := ReadMetadata(context.Background(), src, 3)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if md.DType != dtype.Float64 {
		t.Fatalf("expected float64, got %s", md.DType)
	}
	want := PhysicalSize{X: 0.5, Y: 1, Z: 1, XDefined: true}
	if md.PixelSize != want {
		t.Fatalf("expected %+v, got %+v", want, md.PixelSize)
	}
	if md.DefaultZ != 5 || md.DefaultT != 2 {
		t.Fatalf("expected default plane z=5 t=2, got z=%d t=%d", md.DefaultZ, md.DefaultT)
	}
}

func TestReadMetadataNotFound(t *testing.T) {
	t.Parallel()

	_, err := ReadMetadata(context.Background(), memory.New(), 42)
	if !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAssembleDisplay(t *testing.T) {
	t.Parallel()

	chans := []remote.Channel{
		{Color: "FF0000", Active: true, WindowStart: 10, WindowEnd: 200, Label: "DAPI"},
		{Color: "3A7F10", Active: false, WindowStart: 0, WindowEnd: 4095, Label: "GFP"},
	}
	ps := PhysicalSize{X: 0.25, Y: 0.5, Z: 2}

	d, err := AssembleDisplay(12, chans, ps)
	if err != nil {
		t.Fatalf("AssembleDisplay: %v", err)
	}
	if d.Colormaps[0].Name != "red" || d.Colormaps[0].Custom {
		t.Fatalf("expected named red colormap, got %+v", d.Colormaps[0])
	}
	if !d.Colormaps[1].Custom {
		t.Fatalf("expected custom colormap, got %+v", d.Colormaps[1])
	}
	if d.ContrastLimits[1] != [2]float64{0, 4095} {
		t.Fatalf("unexpected contrast limits %v", d.ContrastLimits[1])
	}
	if d.Names[0] != "12: DAPI" || d.Names[1] != "12: GFP" {
		t.Fatalf("unexpected names %v", d.Names)
	}
	if !d.Visible[0] || d.Visible[1] {
		t.Fatalf("unexpected visibility %v", d.Visible)
	}
	if d.Scale != [4]float64{1, 8, 2, 1} {
		t.Fatalf("unexpected scale %v", d.Scale)
	}
	if d.AxisLabels != [4]string{"t", "z", "y", "x"} || d.ChannelAxis != 1 {
		t.Fatalf("unexpected axes %v / %d", d.AxisLabels, d.ChannelAxis)
	}

	again, err := AssembleDisplay(12, chans, ps)
	if err != nil {
		t.Fatalf("AssembleDisplay: %v", err)
	}
	if !reflect.DeepEqual(d, again) {
		t.Fatalf("display metadata is not idempotent:\n%+v\n%+v", d, again)
	}
}

func TestAssembleDisplayBadColor(t *testing.T) {
	t.Parallel()

	_, err := AssembleDisplay(1, []remote.Channel{{Color: "nope"}}, PhysicalSize{X: 1, Y: 1, Z: 1})
	if err == nil {
		t.Fatalf("expected error for invalid color")
	}
}
