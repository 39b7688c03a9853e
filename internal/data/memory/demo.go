package memory

import "github.com/omeroview/server/internal/remote"

func ptr(v float64) *float64 { return &v }

// Demo returns a source holding two images: a small multi-channel z-stack
// (id 1) and a three-level tiled pyramid (id 2).
func Demo() *Source {
	s := New()
	s.Add(1, Image{
		Name:      "stack.ome.tiff",
		Sizes:     remote.Sizes{T: 3, C: 2, Z: 5, Y: 64, X: 96},
		PixelType: "uint16",
		PixelSize: remote.PixelSize{X: ptr(0.25), Y: ptr(0.25), Z: ptr(1.0)},
		Channels: []remote.Channel{
			{Color: "00FF00", Active: true, WindowStart: 0, WindowEnd: 99, Label: "GFP"},
			{Color: "FF00FF", Active: true, WindowStart: 0, WindowEnd: 99, Label: "mCherry"},
		},
		DefaultZ: 2,
	})
	s.Add(2, Image{
		Name:      "slide.svs",
		Sizes:     remote.Sizes{T: 1, C: 3, Z: 1, Y: 1000, X: 1250},
		PixelType: "uint8",
		PixelSize: remote.PixelSize{X: ptr(0.5), Y: ptr(0.5)},
		Channels: []remote.Channel{
			{Color: "FF0000", Active: true, WindowStart: 0, WindowEnd: 255, Label: "R"},
			{Color: "00FF00", Active: true, WindowStart: 0, WindowEnd: 255, Label: "G"},
			{Color: "0000FF", Active: true, WindowStart: 0, WindowEnd: 255, Label: "B"},
		},
		Pyramid: true,
		TileW:   256,
		TileH:   256,
		Levels: []remote.LevelExtent{
			{X: 1250, Y: 1000},
			{X: 625, Y: 500},
			{X: 312, Y: 250},
		},
	})
	return s
}
