package calllog

import (
	"bytes"
	"context"
	"sync"
)

// MemoryRepository keeps records in memory. Used in tests and when no
// database path is configured.
type MemoryRepository struct {
	mu      sync.Mutex
	nextID  int64
	records []Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{nextID: 1}
}

func (r *MemoryRepository) Insert(_ context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.ID = r.nextID
	r.nextID++
	r.records = append(r.records, *rec)
	return nil
}

func (r *MemoryRepository) List(_ context.Context, ownedIdentity []byte, limit int) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []Record
	for i := len(r.records) - 1; i >= 0 && len(out) < limit; i-- {
		if bytes.Equal(r.records[i].OwnedIdentity, ownedIdentity) {
			out = append(out, r.records[i])
		}
	}
	return out, nil
}

func (r *MemoryRepository) Close() error { return nil }
