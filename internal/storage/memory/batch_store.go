package memory

import (
	"context"
	"sync"

	"github.com/Frunin/diario-oficial/internal/gazette"
)

// BatchStore keeps the latest batch in memory.
type BatchStore struct {
	mu    sync.RWMutex
	batch *gazette.Batch
}

// NewBatchStore constructs an empty BatchStore.
func NewBatchStore() *BatchStore {
	return &BatchStore{}
}

// SaveBatch replaces the stored batch.
func (s *BatchStore) SaveBatch(_ context.Context, batch gazette.Batch) error {
	cp := batch
	cp.Records = append([]gazette.Record(nil), batch.Records...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch = &cp
	return nil
}

// LatestBatch returns the stored batch or gazette.ErrNotFound.
func (s *BatchStore) LatestBatch(_ context.Context) (gazette.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.batch == nil {
		return gazette.Batch{}, gazette.ErrNotFound
	}
	out := *s.batch
	out.Records = append([]gazette.Record(nil), s.batch.Records...)
	return out, nil
}
