package lazy

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/omeroview/server/internal/remote"
)

// LimitedStores returns an opener that keeps at most n pixel stores open at
// once. Opening blocks until a slot frees or ctx is done. n <= 0 returns
// FreshStore.
func LimitedStores(n int) StoreOpener {
	if n <= 0 {
		return FreshStore
	}
	sem := semaphore.NewWeighted(int64(n))
	return func(ctx context.Context, access remote.ImageAccess, img remote.ImageID) (remote.PixelStore, error) {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		store, err := access.OpenPixelStore(ctx, img)
		if err != nil {
			sem.Release(1)
			return nil, err
		}
		return &limitedStore{PixelStore: store, release: func() { sem.Release(1) }}, nil
	}
}

type limitedStore struct {
	remote.PixelStore
	once    sync.Once
	release func()
}

func (s *limitedStore) Close() error {
	err := s.PixelStore.Close()
	s.once.Do(s.release)
	return err
}
