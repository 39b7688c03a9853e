// Package colormap provides color schemes for visualization.
package colormap

import (
	"fmt"
	"image/color"
	"math"
	"strings"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
}

// LinearColormap is a linear interpolation colormap.
type LinearColormap struct {
	colors []color.RGBA
}

// NewLinear returns a colormap interpolating between the given stops.
func NewLinear(stops ...color.RGBA) LinearColormap {
	return LinearColormap{colors: stops}
}

// At returns the color at position t (0-1). NaN maps to transparent.
func (c LinearColormap) At(t float64) color.Color {
	if math.IsNaN(t) {
		return color.RGBA{}
	}
	if t <= 0 {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(c.colors) {
		upper = len(c.colors) - 1
	}

	frac := idx - float64(lower)
	return interpolate(c.colors[lower], c.colors[upper], frac)
}

// Stops returns the interpolation stops.
func (c LinearColormap) Stops() []color.RGBA {
	return append([]color.RGBA(nil), c.colors...)
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	a, _ := colorful.MakeColor(c1)
	b, _ := colorful.MakeColor(c2)
	r, g, bl := a.BlendRgb(b, t).Clamped().RGB255()
	return color.RGBA{R: r, G: g, B: bl, A: 255}
}

// Viridis colormap (matplotlib viridis)
var Viridis = LinearColormap{
	colors: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}

// Plasma colormap
var Plasma = LinearColormap{
	colors: []color.RGBA{
		{13, 8, 135, 255},
		{75, 3, 161, 255},
		{125, 3, 168, 255},
		{168, 34, 150, 255},
		{203, 70, 121, 255},
		{229, 107, 93, 255},
		{248, 148, 65, 255},
		{253, 195, 40, 255},
		{240, 249, 33, 255},
	},
}

// Inferno colormap
var Inferno = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{40, 11, 84, 255},
		{101, 21, 110, 255},
		{159, 42, 99, 255},
		{212, 72, 66, 255},
		{245, 125, 21, 255},
		{250, 193, 39, 255},
		{252, 255, 164, 255},
	},
}

// Magma colormap
var Magma = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{28, 16, 68, 255},
		{79, 18, 123, 255},
		{129, 37, 129, 255},
		{181, 54, 122, 255},
		{229, 80, 100, 255},
		{251, 135, 97, 255},
		{254, 194, 135, 255},
		{252, 253, 191, 255},
	},
}

var black = color.RGBA{0, 0, 0, 255}

// basic maps the fixed channel colors to the names of their built-in
// colormaps. Black and white channels map to inverted and plain gray.
var basic = map[string]string{
	"000000": "gray_r",
	"FFFFFF": "gray",
	"FF0000": "red",
	"00FF00": "green",
	"0000FF": "blue",
	"FF00FF": "magenta",
	"00FFFF": "cyan",
	"FFFF00": "yellow",
}

var named = map[string]LinearColormap{
	"viridis": Viridis,
	"plasma":  Plasma,
	"inferno": Inferno,
	"magma":   Magma,
	"gray":    NewLinear(black, color.RGBA{255, 255, 255, 255}),
	"gray_r":  NewLinear(color.RGBA{255, 255, 255, 255}, black),
	"red":     NewLinear(black, color.RGBA{255, 0, 0, 255}),
	"green":   NewLinear(black, color.RGBA{0, 255, 0, 255}),
	"blue":    NewLinear(black, color.RGBA{0, 0, 255, 255}),
	"magenta": NewLinear(black, color.RGBA{255, 0, 255, 255}),
	"cyan":    NewLinear(black, color.RGBA{0, 255, 255, 255}),
	"yellow":  NewLinear(black, color.RGBA{255, 255, 0, 255}),
}

// Lookup returns a built-in colormap by name.
func Lookup(name string) (LinearColormap, bool) {
	c, ok := named[strings.ToLower(name)]
	return c, ok
}

// Spec describes a channel colormap: either a built-in name or a custom
// two-point ramp from black to Color.
type Spec struct {
	Name   string `json:"name"`
	Custom bool   `json:"custom"`
	// Colors holds the ramp endpoints as "#rrggbb" strings.
	Colors []string `json:"colors"`
}

// Colormap returns the linear colormap described by s.
func (s Spec) Colormap() (LinearColormap, error) {
	if !s.Custom {
		c, ok := Lookup(s.Name)
		if !ok {
			return LinearColormap{}, fmt.Errorf("unknown colormap %q", s.Name)
		}
		return c, nil
	}
	stops := make([]color.RGBA, len(s.Colors))
	for i, h := range s.Colors {
		c, err := colorful.Hex(h)
		if err != nil {
			return LinearColormap{}, fmt.Errorf("colormap %q stop %d: %w", s.Name, i, err)
		}
		r, g, b := c.RGB255()
		stops[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	if len(stops) < 2 {
		return LinearColormap{}, fmt.Errorf("colormap %q needs at least 2 stops", s.Name)
	}
	return NewLinear(stops...), nil
}

// ForChannel returns the colormap for a channel display color given as a
// 6-digit hex string, with or without a leading '#'. Colors in the basic
// table map to their named colormap; any other color yields a custom ramp
// from black.
func ForChannel(hex string) (Spec, error) {
	key := strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(hex), "#"))
	if name, ok := basic[key]; ok {
		c := named[name]
		return Spec{Name: name, Colors: hexStops(c.colors)}, nil
	}
	c, err := colorful.Hex("#" + key)
	if err != nil || len(key) != 6 {
		return Spec{}, fmt.Errorf("invalid channel color %q", hex)
	}
	return Spec{
		Name:   strings.ToLower(key),
		Custom: true,
		Colors: []string{"#000000", c.Hex()},
	}, nil
}

func hexStops(stops []color.RGBA) []string {
	out := make([]string, len(stops))
	for i, s := range stops {
		c, _ := colorful.MakeColor(s)
		out[i] = c.Hex()
	}
	return out
}
