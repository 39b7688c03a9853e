package lazy

import (
	"fmt"

	"github.com/omeroview/server/internal/remote"
	"github.com/omeroview/server/pkg/colormap"
)

// Display is the per-channel viewer metadata that accompanies an image's
// arrays. Channels are split along ChannelAxis, so Scale and AxisLabels
// cover the remaining four axes.
type Display struct {
	ChannelAxis    int              `json:"channel_axis"`
	Colormaps      []colormap.Spec  `json:"colormap"`
	ContrastLimits [][2]float64     `json:"contrast_limits"`
	Names          []string         `json:"name"`
	Visible        []bool           `json:"visible"`
	Scale          [4]float64       `json:"scale"`
	AxisLabels     [4]string        `json:"axis_labels"`
	PixelSize      PhysicalSize     `json:"-"`
	Channels       []remote.Channel `json:"-"`
}

// AssembleDisplay derives display metadata from channel settings and the
// physical pixel size. It reads nothing remote.
func AssembleDisplay(img remote.ImageID, channels []remote.Channel, ps PhysicalSize) (*Display, error) {
	d := &Display{
		ChannelAxis:    1,
		Colormaps:      make([]colormap.Spec, len(channels)),
		ContrastLimits: make([][2]float64, len(channels)),
		Names:          make([]string, len(channels)),
		Visible:        make([]bool, len(channels)),
		Scale:          scaleVector(ps),
		AxisLabels:     [4]string{AxisT, AxisZ, AxisY, AxisX},
		PixelSize:      ps,
		Channels:       channels,
	}
	for i, ch := range channels {
		cm, err := colormap.ForChannel(ch.Color)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", i, err)
		}
		d.Colormaps[i] = cm
		d.ContrastLimits[i] = [2]float64{ch.WindowStart, ch.WindowEnd}
		d.Names[i] = fmt.Sprintf("%d: %s", img, ch.Label)
		d.Visible[i] = ch.Active
	}
	return d, nil
}

// scaleVector returns the (t, z, y, x) scale relative to the X pixel size.
func scaleVector(ps PhysicalSize) [4]float64 {
	x := ps.X
	if x <= 0 {
		x = 1
	}
	return [4]float64{1, ps.Z / x, ps.Y / x, 1}
}
