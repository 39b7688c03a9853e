package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/omeroview/server/internal/dtype"
	"github.com/omeroview/server/internal/remote"
)

func TestFetchPlaneValues(t *testing.T) {
	t.Parallel()

	s := Demo()
	buf, err := s.FetchPlane(context.Background(), 1, 4, 1, 2)
	if err != nil {
		t.Fatalf("FetchPlane: %v", err)
	}
	if len(buf) != 64*96*2 {
		t.Fatalf("unexpected plane length %d", len(buf))
	}
	// (x=3, y=5) big-endian uint16
	got := dtype.Uint16.Float64At(buf, 5*96+3)
	if want := Value(0, 4, 1, 2, 3, 5); got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestPixelStoreLevels(t *testing.T) {
	t.Parallel()

	s := Demo()
	ctx := context.Background()
	st, err := s.OpenPixelStore(ctx, 2)
	if err != nil {
		t.Fatalf("OpenPixelStore: %v", err)
	}
	// level id 0 is the least detailed level (pyramid index 2)
	if err := st.SetResolutionLevel(0); err != nil {
		t.Fatalf("SetResolutionLevel: %v", err)
	}
	tile, err := st.GetTile(ctx, 0, 1, 0, 256, 0, 56, 10)
	if err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	if got, want := tile[0], byte(Value(2, 0, 1, 0, 256, 0)); got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
	if _, err := st.GetTile(ctx, 0, 1, 0, 256, 0, 57, 10); err == nil {
		t.Fatalf("expected out-of-extent error")
	}

	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := st.GetTile(ctx, 0, 0, 0, 0, 0, 1, 1); !errors.Is(err, remote.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if s.Counters.Opens.Load() != 1 || s.Counters.Closes.Load() != 1 {
		t.Fatalf("unexpected counters: opens=%d closes=%d", s.Counters.Opens.Load(), s.Counters.Closes.Load())
	}
}

func TestNotFoundAndNoPyramid(t *testing.T) {
	t.Parallel()

	s := Demo()
	ctx := context.Background()
	if _, err := s.AxisSizes(ctx, 99); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.OpenPixelStore(ctx, 1); !errors.Is(err, remote.ErrNoPyramid) {
		t.Fatalf("expected ErrNoPyramid, got %v", err)
	}
}

func TestImagesSorted(t *testing.T) {
	t.Parallel()

	images, err := Demo().Images(context.Background())
	if err != nil {
		t.Fatalf("Images: %v", err)
	}
	if len(images) != 2 || images[0].ID != 1 || images[1].ID != 2 {
		t.Fatalf("unexpected images: %+v", images)
	}
}
