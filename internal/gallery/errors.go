package gallery

import "errors"

// Sentinel errors shared across subsystems.
var (
	// ErrBatchNotFound is returned by batch stores for unknown batch IDs.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrWorkflowRunning is returned when a workflow trigger arrives while a
	// previous run is still in flight.
	ErrWorkflowRunning = errors.New("workflow already running")

	// ErrUnknownSource is returned when a request names a source no registry
	// entry matches.
	ErrUnknownSource = errors.New("unknown source")

	// ErrUnknownCategory is returned when a source does not serve the
	// requested category.
	ErrUnknownCategory = errors.New("unknown category")

	// ErrDuplicateTarget marks the second and later tasks in one batch that
	// resolve to the same destination path.
	ErrDuplicateTarget = errors.New("duplicate target path in batch")

	// ErrUndeterminableFormat is returned when neither the locator path nor
	// the response content type yields a file extension.
	ErrUndeterminableFormat = errors.New("undeterminable resource format")
)
