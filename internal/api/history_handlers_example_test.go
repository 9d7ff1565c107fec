package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"go.uber.org/zap"

	"github.com/myfishnameisqwerty/menagerie/internal/gallery"
)

type exampleBatchStore struct {
	batches []gallery.BatchRecord
}

func (e *exampleBatchStore) CreateBatch(context.Context, gallery.BatchRecord) error {
	return nil
}

func (e *exampleBatchStore) FinishBatch(context.Context, string, gallery.BatchCounters, time.Time) error {
	return nil
}

func (e *exampleBatchStore) RecordResult(context.Context, gallery.ResultRecord) error {
	return nil
}

func (e *exampleBatchStore) GetBatch(context.Context, string) (gallery.BatchRecord, error) {
	return e.batches[0], nil
}

func (e *exampleBatchStore) ListBatches(context.Context, int, int) ([]gallery.BatchRecord, error) {
	return e.batches, nil
}

func (e *exampleBatchStore) ListResults(context.Context, string) ([]gallery.ResultRecord, error) {
	return nil, nil
}

// ExampleHistoryHandler_ListBatches shows how to serve the batch history endpoint.
func ExampleHistoryHandler_ListBatches() {
	store := &exampleBatchStore{
		batches: []gallery.BatchRecord{{
			ID:        "batch-1",
			Source:    "wikipedia",
			Category:  "animals",
			Status:    gallery.BatchStatusCompleted,
			Submitted: time.Unix(0, 0),
			Total:     2,
		}},
	}
	handler := NewHistoryHandler(store, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/downloads?limit=1", nil)
	rec := httptest.NewRecorder()
	handler.ListBatches(rec, req)

	var payload struct {
		Batches []map[string]any `json:"batches"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("returned batches: %d\n", len(payload.Batches))
	// Output:
	// returned batches: 1
}
