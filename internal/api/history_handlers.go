package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/myfishnameisqwerty/menagerie/internal/gallery"
)

const (
	defaultBatchLimit = 50
	maxBatchLimit     = 500
	historyTimeout    = 3 * time.Second
)

// HistoryHandler exposes read-only batch history endpoints.
type HistoryHandler struct {
	store   gallery.BatchStore
	timeout time.Duration
	logger  *zap.Logger
}

// NewHistoryHandler wires the batch store and logger.
func NewHistoryHandler(store gallery.BatchStore, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{
		store:   store,
		timeout: historyTimeout,
		logger:  logger,
	}
}

// ListBatches handles GET /v1/downloads?limit=&offset=. It returns a JSON
// object {"batches": [...]} on success, 400 for invalid pagination, 503 when
// the store is unavailable, or 500 if the store call fails.
func (h *HistoryHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "batch history unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultBatchLimit, maxBatchLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	batches, err := h.store.ListBatches(ctx, limit, offset)
	if err != nil {
		h.logger.Error("list batches failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list batches")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(batches),
		"batches": batches,
	})
}

// GetBatch handles GET /v1/downloads/{batch_id}. It returns {"batch": {...}}
// on success, 404 when the store reports gallery.ErrBatchNotFound, 503 if the
// store is not initialized, or 500 otherwise.
func (h *HistoryHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "batch history unavailable")
		return
	}
	batchID, err := parseBatchID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	batch, err := h.store.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, gallery.ErrBatchNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		h.logger.Error("get batch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load batch")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": batch})
}

// ListResults handles GET /v1/downloads/{batch_id}/results. It returns
// {"results": [...]} on success, 404 for unknown batches, 503 when the store
// is missing, or 500 for store errors.
func (h *HistoryHandler) ListResults(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "batch history unavailable")
		return
	}
	batchID, err := parseBatchID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if _, err := h.store.GetBatch(ctx, batchID); err != nil {
		if errors.Is(err, gallery.ErrBatchNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		h.logger.Error("get batch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load batch")
		return
	}
	results, err := h.store.ListResults(ctx, batchID)
	if err != nil {
		h.logger.Error("list batch results failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list batch results")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch_id": batchID,
		"count":    len(results),
		"results":  results,
	})
}

func parseBatchID(r *http.Request) (string, error) {
	batchID := strings.TrimSpace(chi.URLParam(r, "batch_id"))
	if batchID == "" {
		return "", errors.New("batch_id is required")
	}
	return batchID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
