package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/myfishnameisqwerty/menagerie/internal/gallery"
)

func TestHistoryHandlerListBatches(t *testing.T) {
	t.Parallel()

	store := &mockBatchStore{
		batches: []gallery.BatchRecord{
			{
				ID:        "batch-7",
				Source:    "wikipedia",
				Category:  "animals",
				Status:    gallery.BatchStatusCompleted,
				Submitted: time.Now().Add(-time.Hour),
				Total:     3,
			},
		},
	}
	handler := NewHistoryHandler(store, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/downloads?limit=10", nil)
	rec := httptest.NewRecorder()

	handler.ListBatches(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "batches")
	require.EqualValues(t, 1, body["count"])
}

func TestHistoryHandlerListBatchesInvalidLimit(t *testing.T) {
	t.Parallel()

	handler := NewHistoryHandler(&mockBatchStore{}, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/v1/downloads?limit=-1", nil)
	rec := httptest.NewRecorder()

	handler.ListBatches(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryHandlerGetBatchNotFound(t *testing.T) {
	t.Parallel()

	store := &mockBatchStore{err: gallery.ErrBatchNotFound}
	handler := NewHistoryHandler(store, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/downloads/batch-9", nil)
	req = withBatchIDParam(req, "batch-9")
	rec := httptest.NewRecorder()

	handler.GetBatch(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryHandlerGetBatchStoreError(t *testing.T) {
	t.Parallel()

	store := &mockBatchStore{err: errors.New("connection reset")}
	handler := NewHistoryHandler(store, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/downloads/batch-9", nil)
	req = withBatchIDParam(req, "batch-9")
	rec := httptest.NewRecorder()

	handler.GetBatch(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHistoryHandlerListResults(t *testing.T) {
	t.Parallel()

	store := &mockBatchStore{
		batches: []gallery.BatchRecord{{ID: "batch-3", Status: gallery.BatchStatusCompleted}},
		results: []gallery.ResultRecord{
			{BatchID: "batch-3", ItemKey: "Dog", Succeeded: true, Attempts: 1},
			{BatchID: "batch-3", ItemKey: "Cat", Succeeded: false, ErrorKind: gallery.ErrKindTimeout},
		},
	}
	handler := NewHistoryHandler(store, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/downloads/batch-3/results", nil)
	req = withBatchIDParam(req, "batch-3")
	rec := httptest.NewRecorder()

	handler.ListResults(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Dog")
	require.Contains(t, rec.Body.String(), string(gallery.ErrKindTimeout))
}

func TestHistoryHandlerNilStore(t *testing.T) {
	t.Parallel()

	handler := NewHistoryHandler(nil, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/v1/downloads", nil)
	rec := httptest.NewRecorder()

	handler.ListBatches(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type mockBatchStore struct {
	batches []gallery.BatchRecord
	results []gallery.ResultRecord
	err     error
}

func (m *mockBatchStore) CreateBatch(context.Context, gallery.BatchRecord) error {
	return m.err
}

func (m *mockBatchStore) FinishBatch(context.Context, string, gallery.BatchCounters, time.Time) error {
	return m.err
}

func (m *mockBatchStore) RecordResult(context.Context, gallery.ResultRecord) error {
	return m.err
}

func (m *mockBatchStore) GetBatch(context.Context, string) (gallery.BatchRecord, error) {
	if len(m.batches) > 0 {
		return m.batches[0], nil
	}
	return gallery.BatchRecord{}, m.err
}

func (m *mockBatchStore) ListBatches(context.Context, int, int) ([]gallery.BatchRecord, error) {
	return m.batches, m.err
}

func (m *mockBatchStore) ListResults(context.Context, string) ([]gallery.ResultRecord, error) {
	return m.results, m.err
}

func withBatchIDParam(r *http.Request, batchID string) *http.Request {
	ctx := chi.NewRouteContext()
	ctx.URLParams.Add("batch_id", batchID)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, ctx))
}
