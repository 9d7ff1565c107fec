// Package gallery defines core types shared across subsystems.
package gallery

import (
	"time"
)

// Namespace renders the partition key shared by the cache, the artifact
// tree and the gallery pages for one source/category pair.
func Namespace(source, category string) string {
	return source + "_" + category
}

// Animal is a single discovered item: its name, where it was found, and the
// remote location of its image.
type Animal struct {
	Name       string   `json:"name"`
	PageURL    string   `json:"page_url,omitempty"`
	ImageURL   string   `json:"image_url,omitempty"`
	Adjectives []string `json:"collateral_adjectives,omitempty"`
	Source     string   `json:"source"`
	Category   string   `json:"category"`
}

// ScrapeQuery narrows a discovery pass to a subset of items. Names filters
// by exact, case-insensitive item name; Offset and Limit paginate the
// filtered list in that order.
type ScrapeQuery struct {
	Names  []string `json:"name_in,omitempty"`
	Offset int      `json:"offset,omitempty"`
	Limit  int      `json:"limit,omitempty"`
}

// FetchTask captures everything needed to acquire one remote resource.
// PathHint is the extension-less destination base path; the executor appends
// whatever extension it derives from the locator or the response.
type FetchTask struct {
	Locator   string `json:"locator"`
	ItemKey   string `json:"item_key"`
	Namespace string `json:"namespace"`
	PathHint  string `json:"path_hint"`
}

// ErrorKind classifies why a fetch task failed.
type ErrorKind string

// Error kinds carried on failed fetch results.
const (
	ErrKindDirectoryUnavailable ErrorKind = "directory_unavailable"
	ErrKindTimeout              ErrorKind = "timeout"
	ErrKindTransport            ErrorKind = "transport_error"
	ErrKindUndeterminableFormat ErrorKind = "undeterminable_format"
	ErrKindDuplicateTarget      ErrorKind = "duplicate_target"
	ErrKindWorkerFailure        ErrorKind = "unexpected_worker_failure"
)

// FetchResult is produced exactly once per FetchTask.
type FetchResult struct {
	Locator   string        `json:"locator"`
	ItemKey   string        `json:"item_key"`
	Namespace string        `json:"namespace"`
	FinalPath string        `json:"final_path,omitempty"`
	Succeeded bool          `json:"succeeded"`
	ByteSize  uint64        `json:"byte_size"`
	Checksum  string        `json:"checksum,omitempty"`
	Attempts  int           `json:"attempts"`
	Elapsed   time.Duration `json:"elapsed"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	ErrorText string        `json:"error_text,omitempty"`
}

// BatchResult aggregates the results of one executor invocation.
// Invariant: Succeeded+Failed == Total == len(Results), every submitted task
// contributes exactly one result.
type BatchResult struct {
	BatchID   string        `json:"batch_id,omitempty"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Elapsed   time.Duration `json:"elapsed"`
	Results   []FetchResult `json:"results"`
}

// BatchStatus represents the lifecycle state of a recorded batch.
type BatchStatus string

// Batch status values persisted in the batch store.
const (
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
)

// BatchCounters tracks success/failure stats per batch.
type BatchCounters struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retries   int `json:"retries"`
}

// BatchRecord is the metadata persisted for each submitted batch.
type BatchRecord struct {
	ID        string        `json:"id"`
	Source    string        `json:"source"`
	Category  string        `json:"category"`
	Status    BatchStatus   `json:"status"`
	Submitted time.Time     `json:"submitted_at"`
	Finished  *time.Time    `json:"finished_at,omitempty"`
	Total     int           `json:"total"`
	Counters  BatchCounters `json:"counters"`
}

// ResultRecord is persisted for each fetch attempt outcome.
type ResultRecord struct {
	BatchID   string    `json:"batch_id"`
	ItemKey   string    `json:"item_key"`
	Locator   string    `json:"locator"`
	FinalPath string    `json:"final_path,omitempty"`
	Succeeded bool      `json:"succeeded"`
	ByteSize  uint64    `json:"byte_size"`
	Checksum  string    `json:"checksum,omitempty"`
	Attempts  int       `json:"attempts"`
	ElapsedMs int64     `json:"elapsed_ms"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	ErrorText string    `json:"error_text,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// CacheStats is a point-in-time snapshot of the locator cache.
type CacheStats struct {
	ActiveCount   int     `json:"total_cached_items"`
	TTLHours      float64 `json:"ttl_hours"`
	ExpiredPurged int     `json:"expired_cleaned"`
}

// WorkflowState reports whether the end-to-end acquisition workflow is
// currently running and what its last completed run produced.
type WorkflowState struct {
	Running     bool         `json:"running"`
	Source      string       `json:"source,omitempty"`
	Category    string       `json:"category,omitempty"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	LastBatch   *BatchResult `json:"last_batch,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
	GalleryPath string       `json:"gallery_path,omitempty"`
}
