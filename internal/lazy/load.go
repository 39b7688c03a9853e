package lazy

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/omeroview/server/internal/remote"
)

// Layer is a loaded image: its metadata, its arrays and the display
// metadata that goes with them. Arrays holds one array for plain images and
// one per level, most detailed first, for pyramids.
type Layer struct {
	Metadata *Metadata
	Arrays   Pyramid
	Display  *Display
}

// Base returns the most detailed array.
func (l *Layer) Base() *Array {
	return l.Arrays[0]
}

// Load reads an image's metadata once and builds its arrays and display
// metadata. No pixel data is fetched.
func (l *Loader) Load(ctx context.Context, img remote.ImageID) (*Layer, error) {
	start := time.Now()
	md, err := ReadMetadata(ctx, l.Access, img)
	if err != nil {
		return nil, fmt.Errorf("image %d: %w", img, err)
	}
	layer, err := l.Build(md)
	if err != nil {
		return nil, fmt.Errorf("image %d: %w", img, err)
	}
	if l.Options.Timing {
		log.Printf("[lazy] built image %d (%d level(s), shape %v) in %.4f secs",
			img, len(layer.Arrays), layer.Base().Shape(), time.Since(start).Seconds())
	}
	return layer, nil
}

// Build constructs arrays and display metadata from already-read metadata.
func (l *Loader) Build(md *Metadata) (*Layer, error) {
	var arrays Pyramid
	if md.Pyramid {
		p, err := l.BuildPyramid(md)
		if err != nil {
			return nil, err
		}
		arrays = p
	} else {
		a, err := l.BuildPlanes(md)
		if err != nil {
			return nil, err
		}
		arrays = Pyramid{a}
	}

	display, err := AssembleDisplay(md.Image, md.Channels, md.PixelSize)
	if err != nil {
		return nil, err
	}
	return &Layer{Metadata: md, Arrays: arrays, Display: display}, nil
}
