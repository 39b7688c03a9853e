package lazy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/omeroview/server/internal/data/memory"
	"github.com/omeroview/server/internal/dtype"
	"github.com/omeroview/server/internal/remote"
)

func channels(n int) []remote.Channel {
	out := make([]remote.Channel, n)
	for i := range out {
		out[i] = remote.Channel{Color: "FF0000", Active: true, WindowEnd: 255, Label: fmt.Sprintf("ch%d", i)}
	}
	return out
}

func planeSource(sizes remote.Sizes) *memory.Source {
	s := memory.New()
	s.Add(1, memory.Image{
		Name:      "planes",
		Sizes:     sizes,
		PixelType: "uint16",
		Channels:  channels(sizes.C),
	})
	return s
}

func pyramidSource(levels []remote.LevelExtent, tw, th int) *memory.Source {
	s := memory.New()
	s.Add(7, memory.Image{
		Name:      "pyramid",
		Sizes:     remote.Sizes{T: 1, C: 2, Z: 1, Y: levels[0].Y, X: levels[0].X},
		PixelType: "uint8",
		Channels:  channels(2),
		Pyramid:   true,
		TileW:     tw,
		TileH:     th,
		Levels:    levels,
	})
	return s
}

func mustLoad(t *testing.T, l *Loader, img remote.ImageID) *Layer {
	t.Helper()
	layer, err := l.Load(context.Background(), img)
	if err != nil {
		t.Fatalf("Load(%d): %v", img, err)
	}
	return layer
}

func TestBuildPlanesShape(t *testing.T) {
	t.Parallel()

	cases := []remote.Sizes{
		{T: 3, C: 2, Z: 5, Y: 100, X: 120},
		{T: 1, C: 1, Z: 1, Y: 1, X: 1},
		{T: 2, C: 3, Z: 1, Y: 7, X: 9},
	}
	for _, sizes := range cases {
		t.Run(fmt.Sprintf("%+v", sizes), func(t *testing.T) {
			layer := mustLoad(t, NewLoader(planeSource(sizes)), 1)
			a := layer.Base()
			want := []int{sizes.T, sizes.C, sizes.Z, sizes.Y, sizes.X}
			if !slices.Equal(a.Shape(), want) {
				t.Fatalf("expected shape %v, got %v", want, a.Shape())
			}
			if !slices.Equal(a.Axes(), []string{"t", "c", "z", "y", "x"}) {
				t.Fatalf("unexpected axes %v", a.Axes())
			}
			if a.DType() != dtype.Uint16 {
				t.Fatalf("expected uint16, got %s", a.DType())
			}
		})
	}
}

func TestBuildPlanesKeepsDegenerateAxes(t *testing.T) {
	t.Parallel()

	sizes := remote.Sizes{T: 4, C: 2, Z: 1, Y: 8, X: 6}
	a := mustLoad(t, NewLoader(planeSource(sizes)), 1).Base()
	if !slices.Equal(a.Shape(), []int{4, 2, 1, 8, 6}) {
		t.Fatalf("expected (4, 2, 1, 8, 6), got %v", a.Shape())
	}

	sq := a.Squeeze()
	if !slices.Equal(sq.Shape(), []int{4, 2, 8, 6}) {
		t.Fatalf("expected squeezed (4, 2, 8, 6), got %v", sq.Shape())
	}
	if !slices.Equal(sq.Axes(), []string{"t", "c", "y", "x"}) {
		t.Fatalf("unexpected squeezed axes %v", sq.Axes())
	}
	if !slices.Equal(a.Shape(), []int{4, 2, 1, 8, 6}) {
		t.Fatalf("squeeze modified the receiver: %v", a.Shape())
	}
}

func TestBuildPlanesUnitsAreUnique(t *testing.T) {
	t.Parallel()

	sizes := remote.Sizes{T: 3, C: 2, Z: 4, Y: 5, X: 5}
	a := mustLoad(t, NewLoader(planeSource(sizes)), 1).Base()
	units := a.Units()
	if len(units) != sizes.T*sizes.C*sizes.Z {
		t.Fatalf("expected %d units, got %d", sizes.T*sizes.C*sizes.Z, len(units))
	}

	seen := make(map[string]bool)
	for _, u := range units {
		key := u.Coord().Key()
		if seen[key] {
			t.Fatalf("duplicate unit %s", key)
		}
		seen[key] = true
	}
	for tt := 0; tt < sizes.T; tt++ {
		for c := 0; c < sizes.C; c++ {
			for z := 0; z < sizes.Z; z++ {
				if !seen[PlaneCoord(1, z, c, tt).Key()] {
					t.Fatalf("missing unit t=%d c=%d z=%d", tt, c, z)
				}
				n, err := a.Plane(tt, c, z)
				if err != nil {
					t.Fatalf("Plane: %v", err)
				}
				if got := n.(*Unit).Coord(); got != PlaneCoord(1, z, c, tt) {
					t.Fatalf("plane t=%d c=%d z=%d addressed %s", tt, c, z, got)
				}
			}
		}
	}
}

func TestBuildPlanesDoesNotFetch(t *testing.T) {
	t.Parallel()

	src := planeSource(remote.Sizes{T: 2, C: 2, Z: 2, Y: 4, X: 4})
	mustLoad(t, NewLoader(src), 1)
	if n := src.Counters.Planes.Load(); n != 0 {
		t.Fatalf("expected no plane reads, got %d", n)
	}
}

func TestComputeValues(t *testing.T) {
	t.Parallel()

	sizes := remote.Sizes{T: 2, C: 2, Z: 3, Y: 4, X: 5}
	src := planeSource(sizes)
	a := mustLoad(t, NewLoader(src), 1).Base()

	b, err := a.Compute(context.Background(), Pool{Workers: 4})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for tt := 0; tt < sizes.T; tt++ {
		for c := 0; c < sizes.C; c++ {
			for z := 0; z < sizes.Z; z++ {
				for y := 0; y < sizes.Y; y++ {
					for x := 0; x < sizes.X; x++ {
						if got, want := b.At(tt, c, z, y, x), memory.Value(0, z, c, tt, x, y); got != want {
							t.Fatalf("(%d,%d,%d,%d,%d): expected %v, got %v", tt, c, z, y, x, want, got)
						}
					}
				}
			}
		}
	}
	if n := src.Counters.Planes.Load(); n != int64(sizes.T*sizes.C*sizes.Z) {
		t.Fatalf("expected %d plane reads, got %d", sizes.T*sizes.C*sizes.Z, n)
	}
}

func TestComputeSinglePlaneOnly(t *testing.T) {
	t.Parallel()

	src := planeSource(remote.Sizes{T: 3, C: 2, Z: 5, Y: 4, X: 4})
	a := mustLoad(t, NewLoader(src), 1).Base()
	plane, err := a.Plane(2, 1, 3)
	if err != nil {
		t.Fatalf("Plane: %v", err)
	}
	if _, err := Compute(context.Background(), plane, Sequential{}); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if n := src.Counters.Planes.Load(); n != 1 {
		t.Fatalf("expected 1 plane read, got %d", n)
	}
}

func TestSingleChannelSelection(t *testing.T) {
	t.Parallel()

	sizes := remote.Sizes{T: 2, C: 3, Z: 2, Y: 4, X: 4}
	src := planeSource(sizes)

	l := NewLoader(src)
	l.Options.Channel = 2
	a := mustLoad(t, l, 1).Base()
	if !slices.Equal(a.Shape(), []int{2, 1, 2, 4, 4}) {
		t.Fatalf("expected (2, 1, 2, 4, 4), got %v", a.Shape())
	}
	for _, u := range a.Units() {
		if u.Coord().C != 2 {
			t.Fatalf("unit reads channel %d", u.Coord().C)
		}
	}

	l.Options.DropChannelAxis = true
	a = mustLoad(t, l, 1).Base()
	if !slices.Equal(a.Shape(), []int{2, 2, 4, 4}) {
		t.Fatalf("expected (2, 2, 4, 4), got %v", a.Shape())
	}
	if !slices.Equal(a.Axes(), []string{"t", "z", "y", "x"}) {
		t.Fatalf("unexpected axes %v", a.Axes())
	}
	b, err := a.Compute(context.Background(), Sequential{})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if got, want := b.At(1, 1, 3, 2), memory.Value(0, 1, 2, 1, 2, 3); got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}

	l.Options.Channel = 3
	if _, err := l.Load(context.Background(), 1); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestSingleChannelAddressedByChannelNumber(t *testing.T) {
	t.Parallel()

	sizes := remote.Sizes{T: 1, C: 3, Z: 2, Y: 4, X: 4}
	for _, drop := range []bool{false, true} {
		t.Run(fmt.Sprintf("drop=%v", drop), func(t *testing.T) {
			l := NewLoader(planeSource(sizes))
			l.Options.Channel = 2
			l.Options.DropChannelAxis = drop
			a := mustLoad(t, l, 1).Base()

			n, err := a.Plane(0, 2, 1)
			if err != nil {
				t.Fatalf("Plane: %v", err)
			}
			if got := n.(*Unit).Coord(); got != PlaneCoord(1, 1, 2, 0) {
				t.Fatalf("unexpected coordinate %v", got)
			}
			u, err := a.Tile(0, 2, 1, 0, 0)
			if err != nil {
				t.Fatalf("Tile: %v", err)
			}
			if u.Coord().C != 2 {
				t.Fatalf("tile reads channel %d", u.Coord().C)
			}
			for _, c := range []int{0, 1} {
				if _, err := a.Plane(0, c, 0); !errors.Is(err, ErrOutOfRange) {
					t.Fatalf("channel %d: expected ErrOutOfRange, got %v", c, err)
				}
			}
			if _, err := a.Squeeze().Plane(0, 2, 0); err != nil {
				t.Fatalf("squeezed Plane: %v", err)
			}
		})
	}
}

func TestPyramidLevelIDs(t *testing.T) {
	t.Parallel()

	levels := []remote.LevelExtent{{X: 400, Y: 300}, {X: 200, Y: 150}, {X: 100, Y: 75}}
	src := pyramidSource(levels, 128, 128)
	layer := mustLoad(t, NewLoader(src), 7)
	if len(layer.Arrays) != 3 {
		t.Fatalf("expected 3 levels, got %d", len(layer.Arrays))
	}

	for i, a := range layer.Arrays {
		if a.Level != i || a.RemoteLevel != 2-i {
			t.Fatalf("level %d: got index %d remote id %d", i, a.Level, a.RemoteLevel)
		}
		want := []int{1, 2, 1, levels[i].Y, levels[i].X}
		if !slices.Equal(a.Shape(), want) {
			t.Fatalf("level %d: expected shape %v, got %v", i, want, a.Shape())
		}
		for _, u := range a.Units() {
			if u.Coord().Level != 2-i {
				t.Fatalf("level %d: unit addresses remote level %d", i, u.Coord().Level)
			}
		}
	}

	tile, err := layer.Arrays[0].Tile(0, 0, 0, 0, 0)
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if _, err := tile.Eval(context.Background()); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	tile, err = layer.Arrays[2].Tile(0, 1, 0, 0, 0)
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if _, err := tile.Eval(context.Background()); err != nil {
		t.Fatalf("Eval: %v", err)
	}

	reqs := src.TileRequests()
	if len(reqs) != 2 || reqs[0].Level != 2 || reqs[1].Level != 0 {
		t.Fatalf("unexpected tile requests %+v", reqs)
	}
}

func TestPyramidTileBoundaries(t *testing.T) {
	t.Parallel()

	src := pyramidSource([]remote.LevelExtent{{X: 250, Y: 120}}, 100, 100)
	a := mustLoad(t, NewLoader(src), 7).Base()

	rows, cols := a.TileGrid()
	if rows != 2 || cols != 3 {
		t.Fatalf("expected 2x3 tiles, got %dx%d", rows, cols)
	}
	var widths []int
	for col := 0; col < cols; col++ {
		u, err := a.Tile(0, 0, 0, 0, col)
		if err != nil {
			t.Fatalf("Tile: %v", err)
		}
		widths = append(widths, u.Coord().W)
	}
	if !slices.Equal(widths, []int{100, 100, 50}) {
		t.Fatalf("expected widths [100 100 50], got %v", widths)
	}
	last, _ := a.Tile(0, 0, 0, 1, 2)
	if c := last.Coord(); c.X != 200 || c.Y != 100 || c.W != 50 || c.H != 20 {
		t.Fatalf("unexpected last tile %+v", c)
	}

	if _, err := last.Eval(context.Background()); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	reqs := src.TileRequests()
	if len(reqs) != 1 || reqs[0].W != 50 || reqs[0].H != 20 {
		t.Fatalf("expected a 50x20 request, got %+v", reqs)
	}
}

func TestPyramidComputeAssemblesTiles(t *testing.T) {
	t.Parallel()

	src := pyramidSource([]remote.LevelExtent{{X: 37, Y: 23}, {X: 18, Y: 11}}, 10, 8)
	layer := mustLoad(t, NewLoader(src), 7)

	for i, a := range layer.Arrays {
		b, err := a.Compute(context.Background(), Pool{Workers: 3})
		if err != nil {
			t.Fatalf("level %d: Compute: %v", i, err)
		}
		shape := a.Shape()
		for c := 0; c < shape[1]; c++ {
			for y := 0; y < shape[3]; y++ {
				for x := 0; x < shape[4]; x++ {
					if got, want := b.At(0, c, 0, y, x), memory.Value(i, 0, c, 0, x, y); got != want {
						t.Fatalf("level %d (c=%d y=%d x=%d): expected %v, got %v", i, c, y, x, want, got)
					}
				}
			}
		}
	}
	if opens, closes := src.Counters.Opens.Load(), src.Counters.Closes.Load(); opens != closes || opens != src.Counters.Tiles.Load() {
		t.Fatalf("expected one store per tile: opens=%d closes=%d tiles=%d", opens, closes, src.Counters.Tiles.Load())
	}
}

func TestTileFailureReleasesStore(t *testing.T) {
	t.Parallel()

	src := pyramidSource([]remote.LevelExtent{{X: 30, Y: 30}}, 10, 10)
	boom := errors.New("connection reset")
	src.FailTile = func(r memory.TileRequest) error {
		if r.X == 10 && r.Y == 10 && r.C == 0 {
			return boom
		}
		return nil
	}
	a := mustLoad(t, NewLoader(src), 7).Base()

	u, err := a.Tile(0, 0, 0, 1, 1)
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	_, err = u.Eval(context.Background())
	if !errors.Is(err, ErrTileFetch) || !errors.Is(err, boom) {
		t.Fatalf("expected tile fetch error wrapping cause, got %v", err)
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Coord != u.Coord() {
		t.Fatalf("expected FetchError at %s, got %v", u.Coord(), err)
	}
	if opens, closes := src.Counters.Opens.Load(), src.Counters.Closes.Load(); opens != 1 || closes != 1 {
		t.Fatalf("expected exactly one open and close, got opens=%d closes=%d", opens, closes)
	}
}

func TestFailuresStayLocal(t *testing.T) {
	t.Parallel()

	src := pyramidSource([]remote.LevelExtent{{X: 30, Y: 30}}, 10, 10)
	src.FailTile = func(r memory.TileRequest) error {
		if r.X == 20 && r.Y == 0 && r.C == 1 {
			return errors.New("missing tile")
		}
		return nil
	}
	a := mustLoad(t, NewLoader(src), 7).Base()

	_, err := a.Compute(context.Background(), Pool{Workers: 2})
	if !errors.Is(err, ErrTileFetch) {
		t.Fatalf("expected ErrTileFetch, got %v", err)
	}
	// 2 channels x 9 tiles, all attempted
	if n := src.Counters.Tiles.Load(); n != 18 {
		t.Fatalf("expected every sibling tile to be attempted, got %d", n)
	}

	plane, err := a.Plane(0, 0, 0)
	if err != nil {
		t.Fatalf("Plane: %v", err)
	}
	if _, err := Compute(context.Background(), plane, Sequential{}); err != nil {
		t.Fatalf("unaffected plane failed: %v", err)
	}
}

func TestPlaneFetchFailure(t *testing.T) {
	t.Parallel()

	src := planeSource(remote.Sizes{T: 1, C: 1, Z: 2, Y: 2, X: 2})
	src.FailPlane = func(_ remote.ImageID, z, c, tt int) error {
		if z == 1 {
			return errors.New("timeout")
		}
		return nil
	}
	a := mustLoad(t, NewLoader(src), 1).Base()
	results := Sequential{}.Evaluate(context.Background(), a.Units())
	if results[0].Err != nil {
		t.Fatalf("unexpected error for z=0: %v", results[0].Err)
	}
	if !errors.Is(results[1].Err, ErrPlaneFetch) {
		t.Fatalf("expected ErrPlaneFetch for z=1, got %v", results[1].Err)
	}
}

func TestCustomStoreOpener(t *testing.T) {
	t.Parallel()

	src := pyramidSource([]remote.LevelExtent{{X: 20, Y: 20}}, 10, 10)
	var calls atomic.Int64
	l := NewLoader(src)
	l.Options.OpenStore = func(ctx context.Context, access remote.ImageAccess, img remote.ImageID) (remote.PixelStore, error) {
		calls.Add(1)
		return access.OpenPixelStore(ctx, img)
	}
	a := mustLoad(t, l, 7).Base()
	if _, err := a.Compute(context.Background(), Sequential{}); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if calls.Load() != 8 {
		t.Fatalf("expected 8 opener calls, got %d", calls.Load())
	}
}

type countingMemo struct {
	mu   sync.Mutex
	data map[string][]byte
	hits int
}

func (m *countingMemo) Fetch(ctx context.Context, c Coord, fetch FetchFunc) ([]byte, error) {
	m.mu.Lock()
	if b, ok := m.data[c.Key()]; ok {
		m.hits++
		m.mu.Unlock()
		return b, nil
	}
	m.mu.Unlock()
	b, err := fetch(ctx, c)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.data[c.Key()] = b
	m.mu.Unlock()
	return b, nil
}

func TestMemoDeduplicatesReads(t *testing.T) {
	t.Parallel()

	src := planeSource(remote.Sizes{T: 1, C: 2, Z: 2, Y: 3, X: 3})
	memo := &countingMemo{data: make(map[string][]byte)}
	l := NewLoader(src)
	l.Memo = memo

	first, err := mustLoad(t, l, 1).Base().Compute(context.Background(), Sequential{})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	second, err := mustLoad(t, l, 1).Base().Compute(context.Background(), Sequential{})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if !slices.Equal(first.Data, second.Data) {
		t.Fatalf("cached read differs from fresh read")
	}
	if n := src.Counters.Planes.Load(); n != 4 {
		t.Fatalf("expected 4 remote reads, got %d", n)
	}
	if memo.hits != 4 {
		t.Fatalf("expected 4 memo hits, got %d", memo.hits)
	}
}
