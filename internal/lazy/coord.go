// Package lazy builds deferred, N-dimensional descriptions of remote images
// and evaluates them on demand.
//
// Builders (BuildPlanes, BuildPyramid) only describe the array: its shape,
// dtype, axis labels, and one Unit per remote read. Nothing is fetched until
// an Executor evaluates the units a caller actually asks for.
package lazy

import (
	"fmt"

	"github.com/omeroview/server/internal/remote"
)

// Coord addresses one remote read. Whole-plane reads leave Tiled false and
// ignore Level and the pixel rectangle.
type Coord struct {
	Image remote.ImageID `json:"image"`
	Tiled bool           `json:"tiled"`
	// Level is the remote resolution level id, not the pyramid index.
	Level int `json:"level"`
	Z     int `json:"z"`
	C     int `json:"c"`
	T     int `json:"t"`
	X     int `json:"x"`
	Y     int `json:"y"`
	W     int `json:"w"`
	H     int `json:"h"`
}

// PlaneCoord returns the coordinate of a whole-plane read.
func PlaneCoord(img remote.ImageID, z, c, t int) Coord {
	return Coord{Image: img, Z: z, C: c, T: t}
}

// TileCoord returns the coordinate of a tile read at a remote level id.
func TileCoord(img remote.ImageID, level, z, c, t, x, y, w, h int) Coord {
	return Coord{Image: img, Tiled: true, Level: level, Z: z, C: c, T: t, X: x, Y: y, W: w, H: h}
}

// Key returns a string that uniquely identifies the coordinate.
func (c Coord) Key() string {
	if !c.Tiled {
		return fmt.Sprintf("plane:%d/%d/%d/%d", c.Image, c.Z, c.C, c.T)
	}
	return fmt.Sprintf("tile:%d/%d/%d/%d/%d/%d/%d/%d/%d",
		c.Image, c.Level, c.Z, c.C, c.T, c.X, c.Y, c.W, c.H)
}

func (c Coord) String() string {
	return c.Key()
}
