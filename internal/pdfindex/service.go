package pdfindex

import (
	"context"
	"sync"
)

// Service caches built indexes per file URL so repeated queries against the
// same document skip the download and index-build path.
type Service struct {
	loader *Loader
	topK   int

	mu      sync.Mutex
	indexes map[string]*Index
}

// NewService wraps loader with an index cache. topK bounds how many ranked
// chunks a query returns; values below 1 fall back to DefaultTopK.
func NewService(loader *Loader, topK int) *Service {
	if topK < 1 {
		topK = DefaultTopK
	}
	return &Service{
		loader:  loader,
		topK:    topK,
		indexes: map[string]*Index{},
	}
}

// Query returns the top ranked chunks of the PDF at fileURL for queryText,
// building and caching the index on first use.
func (s *Service) Query(ctx context.Context, fileURL, queryText string) ([]Hit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.indexes[fileURL]
	if !ok {
		built, err := s.loader.Load(ctx, fileURL)
		if err != nil {
			return nil, err
		}
		s.indexes[fileURL] = built
		idx = built
	}
	return idx.Search(queryText, s.topK)
}

// Close releases every cached index.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for url, idx := range s.indexes {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.indexes, url)
	}
	return firstErr
}
