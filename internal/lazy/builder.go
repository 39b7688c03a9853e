package lazy

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/omeroview/server/internal/remote"
)

// AllChannels selects every channel in Options.Channel.
const AllChannels = -1

// StoreOpener acquires the pixel store for one tile read. The returned store
// is owned by that read alone and closed when it finishes.
type StoreOpener func(ctx context.Context, access remote.ImageAccess, img remote.ImageID) (remote.PixelStore, error)

// FreshStore opens a new pixel store from the source for every tile read.
func FreshStore(ctx context.Context, access remote.ImageAccess, img remote.ImageID) (remote.PixelStore, error) {
	return access.OpenPixelStore(ctx, img)
}

// Memo deduplicates unit reads. A miss must behave exactly like calling
// fetch directly.
type Memo interface {
	Fetch(ctx context.Context, c Coord, fetch FetchFunc) ([]byte, error)
}

// Options controls how arrays are built.
type Options struct {
	// Channel selects one channel, or AllChannels.
	Channel int
	// DropChannelAxis removes the c axis when a single channel is selected,
	// yielding (t, z, y, x).
	DropChannelAxis bool
	// OpenStore acquires pixel stores for tile reads. Nil means FreshStore.
	OpenStore StoreOpener
	// Timing logs the duration of every unit read.
	Timing bool
}

// DefaultOptions selects all channels and fresh pixel stores.
func DefaultOptions() Options {
	return Options{Channel: AllChannels, OpenStore: FreshStore}
}

// Loader builds arrays for images of one source.
type Loader struct {
	Access  remote.ImageAccess
	Options Options
	// Memo, when set, wraps every unit read.
	Memo Memo
}

// NewLoader returns a loader with default options.
func NewLoader(access remote.ImageAccess) *Loader {
	return &Loader{Access: access, Options: DefaultOptions()}
}

// channels returns the selected channel indices.
func (l *Loader) channels(md *Metadata) ([]int, error) {
	sel := l.Options.Channel
	if sel == AllChannels {
		out := make([]int, md.Sizes.C)
		for i := range out {
			out[i] = i
		}
		return out, nil
	}
	if sel < 0 || sel >= md.Sizes.C {
		return nil, fmt.Errorf("%w: channel %d of %d", ErrOutOfRange, sel, md.Sizes.C)
	}
	return []int{sel}, nil
}

func (l *Loader) markChannel(a *Array) {
	if l.Options.Channel != AllChannels {
		a.single = true
		a.channel = l.Options.Channel
	}
}

func (l *Loader) axes() []string {
	if l.Options.Channel != AllChannels && l.Options.DropChannelAxis {
		return []string{AxisT, AxisZ, AxisY, AxisX}
	}
	return []string{AxisT, AxisC, AxisZ, AxisY, AxisX}
}

// BuildPlanes describes a single-resolution image as a (t, c, z, y, x)
// array with one unit per plane.
func (l *Loader) BuildPlanes(md *Metadata) (*Array, error) {
	fetch := l.wrap(func(ctx context.Context, c Coord) ([]byte, error) {
		return l.Access.FetchPlane(ctx, c.Image, c.Z, c.C, c.T)
	})
	plane := func(t, c, z int) (Node, error) {
		return newUnit(PlaneCoord(md.Image, z, c, t), md.Sizes.Y, md.Sizes.X, md.DType, ErrPlaneFetch, fetch), nil
	}
	root, err := l.stackPlanes(md, plane)
	if err != nil {
		return nil, err
	}
	a := &Array{root: root, axes: l.axes(), tileRows: 1, tileCols: 1}
	l.markChannel(a)
	return a, nil
}

// BuildPyramid describes a tiled image as one array per resolution level,
// most detailed first.
func (l *Loader) BuildPyramid(md *Metadata) (Pyramid, error) {
	if len(md.Levels) == 0 {
		return nil, fmt.Errorf("%w: pyramidal image without resolution levels", ErrInconsistentShape)
	}
	if md.TileW <= 0 || md.TileH <= 0 {
		return nil, fmt.Errorf("%w: tile size %dx%d", ErrInconsistentShape, md.TileW, md.TileH)
	}

	open := l.Options.OpenStore
	if open == nil {
		open = FreshStore
	}
	fetch := l.wrap(func(ctx context.Context, c Coord) ([]byte, error) {
		return readTile(ctx, l.Access, open, c)
	})

	pyramid := make(Pyramid, 0, len(md.Levels))
	for level, desc := range md.Levels {
		levelID := len(md.Levels) - 1 - level
		cols := ceilDiv(desc.X, md.TileW)
		rows := ceilDiv(desc.Y, md.TileH)

		plane := func(t, c, z int) (Node, error) {
			rowNodes := make([]Node, rows)
			for row := 0; row < rows; row++ {
				tiles := make([]Node, cols)
				for col := 0; col < cols; col++ {
					x := col * md.TileW
					y := row * md.TileH
					w := min(md.TileW, desc.X-x)
					h := min(md.TileH, desc.Y-y)
					coord := TileCoord(md.Image, levelID, z, c, t, x, y, w, h)
					tiles[col] = newUnit(coord, h, w, md.DType, ErrTileFetch, fetch)
				}
				var err error
				if rowNodes[row], err = Concat(1, tiles...); err != nil {
					return nil, err
				}
			}
			return Concat(0, rowNodes...)
		}

		root, err := l.stackPlanes(md, plane)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", level, err)
		}
		a := &Array{
			root:        root,
			axes:        l.axes(),
			Level:       level,
			RemoteLevel: levelID,
			tileRows:    rows,
			tileCols:    cols,
		}
		l.markChannel(a)
		pyramid = append(pyramid, a)
	}
	return pyramid, nil
}

// stackPlanes stacks planes over z, then c, then t.
func (l *Loader) stackPlanes(md *Metadata, plane func(t, c, z int) (Node, error)) (Node, error) {
	channels, err := l.channels(md)
	if err != nil {
		return nil, err
	}
	dropC := l.Options.Channel != AllChannels && l.Options.DropChannelAxis

	tStacks := make([]Node, md.Sizes.T)
	for t := 0; t < md.Sizes.T; t++ {
		cStacks := make([]Node, len(channels))
		for i, c := range channels {
			zStack := make([]Node, md.Sizes.Z)
			for z := 0; z < md.Sizes.Z; z++ {
				if zStack[z], err = plane(t, c, z); err != nil {
					return nil, err
				}
			}
			if cStacks[i], err = Stack(zStack...); err != nil {
				return nil, err
			}
		}
		if dropC {
			tStacks[t] = cStacks[0]
			continue
		}
		if tStacks[t], err = Stack(cStacks...); err != nil {
			return nil, err
		}
	}
	return Stack(tStacks...)
}

func (l *Loader) wrap(fetch FetchFunc) FetchFunc {
	if l.Options.Timing {
		inner := fetch
		fetch = func(ctx context.Context, c Coord) ([]byte, error) {
			start := time.Now()
			data, err := inner(ctx, c)
			log.Printf("[lazy] fetched %s in %.4f secs", c, time.Since(start).Seconds())
			return data, err
		}
	}
	if l.Memo != nil {
		inner := fetch
		memo := l.Memo
		fetch = func(ctx context.Context, c Coord) ([]byte, error) {
			return memo.Fetch(ctx, c, inner)
		}
	}
	return fetch
}

// readTile reads one tile through its own pixel store. The store is closed on
// every path.
func readTile(ctx context.Context, access remote.ImageAccess, open StoreOpener, c Coord) ([]byte, error) {
	store, err := open(ctx, access, c.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to open pixel store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("[lazy] failed to close pixel store for %s: %v", c, err)
		}
	}()

	if err := store.SetResolutionLevel(c.Level); err != nil {
		return nil, fmt.Errorf("failed to set resolution level %d: %w", c.Level, err)
	}
	return store.GetTile(ctx, c.Z, c.C, c.T, c.X, c.Y, c.W, c.H)
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
