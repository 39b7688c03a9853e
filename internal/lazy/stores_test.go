package lazy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/omeroview/server/internal/remote"
)

type gaugeAccess struct {
	remote.ImageAccess
	open atomic.Int64
	peak atomic.Int64
}

func (g *gaugeAccess) OpenPixelStore(ctx context.Context, img remote.ImageID) (remote.PixelStore, error) {
	store, err := g.ImageAccess.OpenPixelStore(ctx, img)
	if err != nil {
		return nil, err
	}
	n := g.open.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return &gaugeStore{PixelStore: store, g: g}, nil
}

type gaugeStore struct {
	remote.PixelStore
	g *gaugeAccess
}

func (s *gaugeStore) GetTile(ctx context.Context, z, c, t, x, y, w, h int) ([]byte, error) {
	time.Sleep(2 * time.Millisecond)
	return s.PixelStore.GetTile(ctx, z, c, t, x, y, w, h)
}

func (s *gaugeStore) Close() error {
	s.g.open.Add(-1)
	return s.PixelStore.Close()
}

func TestLimitedStoresBoundsOpenStores(t *testing.T) {
	t.Parallel()

	access := &gaugeAccess{ImageAccess: pyramidSource([]remote.LevelExtent{{X: 40, Y: 40}}, 10, 10)}
	l := NewLoader(access)
	l.Options.OpenStore = LimitedStores(2)

	a := mustLoad(t, l, 7).Base()
	if _, err := a.Compute(context.Background(), Pool{Workers: 8}); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if p := access.peak.Load(); p > 2 || p == 0 {
		t.Fatalf("expected at most 2 open stores, peak was %d", p)
	}
	if n := access.open.Load(); n != 0 {
		t.Fatalf("expected all stores closed, %d still open", n)
	}
}

func TestLimitedStoresHonoursContext(t *testing.T) {
	t.Parallel()

	access := pyramidSource([]remote.LevelExtent{{X: 10, Y: 10}}, 10, 10)
	open := LimitedStores(1)

	held, err := open(context.Background(), access, 7)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := open(ctx, access, 7); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while the slot is held, got %v", err)
	}

	// Closing twice must release the slot once.
	held.Close()
	held.Close()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := open(context.Background(), access, 7)
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			s.Close()
		}()
	}
	wg.Wait()
}

func TestLimitedStoresZeroIsUnbounded(t *testing.T) {
	t.Parallel()

	if LimitedStores(0) == nil {
		t.Fatal("expected an opener")
	}
}
