// Package memory provides an in-memory batch history store for development
// runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/myfishnameisqwerty/menagerie/internal/gallery"
)

const defaultListLimit = 50

// Store keeps batch and result records in process memory. Reads return
// copies so callers can never mutate stored state.
type Store struct {
	mu      sync.RWMutex
	batches map[string]gallery.BatchRecord
	results map[string][]gallery.ResultRecord
	order   []string
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		batches: make(map[string]gallery.BatchRecord),
		results: make(map[string][]gallery.ResultRecord),
	}
}

// CreateBatch registers a new batch record.
func (s *Store) CreateBatch(_ context.Context, batch gallery.BatchRecord) error {
	if batch.ID == "" {
		return fmt.Errorf("batch id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[batch.ID]; exists {
		return fmt.Errorf("batch %s already exists", batch.ID)
	}
	s.batches[batch.ID] = batch
	s.order = append(s.order, batch.ID)
	return nil
}

// FinishBatch marks the batch completed and stores its final counters.
func (s *Store) FinishBatch(_ context.Context, batchID string, counters gallery.BatchCounters, finished time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, exists := s.batches[batchID]
	if !exists {
		return fmt.Errorf("%w: %s", gallery.ErrBatchNotFound, batchID)
	}
	batch.Status = gallery.BatchStatusCompleted
	batch.Counters = counters
	batch.Finished = &finished
	s.batches[batchID] = batch
	return nil
}

// RecordResult appends one per-item outcome to its batch.
func (s *Store) RecordResult(_ context.Context, result gallery.ResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[result.BatchID]; !exists {
		return fmt.Errorf("%w: %s", gallery.ErrBatchNotFound, result.BatchID)
	}
	s.results[result.BatchID] = append(s.results[result.BatchID], result)
	return nil
}

// GetBatch returns one batch record by ID.
func (s *Store) GetBatch(_ context.Context, batchID string) (gallery.BatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, exists := s.batches[batchID]
	if !exists {
		return gallery.BatchRecord{}, fmt.Errorf("%w: %s", gallery.ErrBatchNotFound, batchID)
	}
	return batch, nil
}

// ListBatches returns up to limit batch records, newest submission first. A
// non-positive limit falls back to defaultListLimit.
func (s *Store) ListBatches(_ context.Context, limit, offset int) ([]gallery.BatchRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []gallery.BatchRecord
	for i := len(s.order) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.batches[s.order[i]])
	}
	return out, nil
}

// ListResults returns the recorded outcomes for one batch in insertion
// order. An unknown batch yields an empty list, matching a SQL query that
// simply finds no rows.
func (s *Store) ListResults(_ context.Context, batchID string) ([]gallery.ResultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]gallery.ResultRecord(nil), s.results[batchID]...), nil
}
