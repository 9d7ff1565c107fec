package gallery

import (
	"context"
	"time"
)

// Source discovers candidate items for a category. Implementations own the
// parsing of whatever page layout they scrape; callers only see Animals.
type Source interface {
	Name() string
	Categories() []string
	Discover(ctx context.Context, category string, query ScrapeQuery) ([]Animal, error)
}

// BatchStore persists batch and result metadata.
type BatchStore interface {
	CreateBatch(ctx context.Context, batch BatchRecord) error
	FinishBatch(ctx context.Context, batchID string, counters BatchCounters, finished time.Time) error
	RecordResult(ctx context.Context, result ResultRecord) error
	GetBatch(ctx context.Context, batchID string) (BatchRecord, error)
	ListBatches(ctx context.Context, limit, offset int) ([]BatchRecord, error)
	ListResults(ctx context.Context, batchID string) ([]ResultRecord, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Archiver mirrors a finished artifact to durable storage and returns a URI.
type Archiver interface {
	Archive(ctx context.Context, objectPath string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces batch IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
