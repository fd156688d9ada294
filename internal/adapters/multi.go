// SPDX-License-Identifier: MIT

package adapters

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// MultiIndexer fans a search out to a hot-swappable set of indexers and
// merges the results. The set is replaced wholesale on config reload.
type MultiIndexer struct {
	mu       sync.RWMutex
	indexers []Indexer
}

// NewMultiIndexer starts with the given set.
func NewMultiIndexer(indexers ...Indexer) *MultiIndexer {
	return &MultiIndexer{indexers: indexers}
}

func (m *MultiIndexer) Name() string { return "multi" }

// Set replaces the indexer set.
func (m *MultiIndexer) Set(indexers []Indexer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexers = indexers
}

// Len returns the current set size.
func (m *MultiIndexer) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.indexers)
}

// Search queries every indexer concurrently. Individual failures are
// tolerated; the last error is returned only when no release was found and at
// least one indexer failed. An empty indexer set returns no releases and no
// error.
func (m *MultiIndexer) Search(ctx context.Context, q SearchQuery) ([]Release, error) {
	m.mu.RLock()
	indexers := append([]Indexer(nil), m.indexers...)
	m.mu.RUnlock()

	var (
		mu       sync.Mutex
		releases []Release
		lastErr  error
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, idx := range indexers {
		g.Go(func() error {
			found, err := idx.Search(ctx, q)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				return nil // one dead indexer must not cancel the others
			}
			releases = append(releases, found...)
			return nil
		})
	}
	_ = g.Wait()

	if len(releases) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return releases, nil
}

var _ Indexer = (*MultiIndexer)(nil)
