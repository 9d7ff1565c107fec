// Package pipeline coordinates the end-to-end acquisition workflow: discover
// items, plan which images still need fetching, run the batch, persist its
// history, and render the resulting gallery page.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/myfishnameisqwerty/menagerie/internal/artifact"
	"github.com/myfishnameisqwerty/menagerie/internal/fetch"
	"github.com/myfishnameisqwerty/menagerie/internal/gallery"
	"github.com/myfishnameisqwerty/menagerie/internal/metrics"
	"github.com/myfishnameisqwerty/menagerie/internal/render"
	"github.com/myfishnameisqwerty/menagerie/internal/scraper"
)

// Config controls Coordinator behavior.
type Config struct {
	// ArchivePrefix prefixes archived gallery object paths.
	ArchivePrefix string
}

// Report summarizes one completed workflow run.
type Report struct {
	Batch       gallery.BatchRecord `json:"batch"`
	Discovered  int                 `json:"discovered"`
	Planned     int                 `json:"planned"`
	GalleryPath string              `json:"gallery_path"`
	GalleryFile string              `json:"gallery_file"`
}

// Coordinator runs acquisition workflows. At most one workflow runs at a
// time; direct batch execution via Execute is not subject to that guard.
type Coordinator struct {
	registry  *scraper.Registry
	executor  *fetch.Executor
	store     *artifact.Store
	renderer  *render.Renderer
	history   gallery.BatchStore
	publisher gallery.Publisher
	archiver  gallery.Archiver
	clock     gallery.Clock
	idGen     gallery.IDGenerator
	cfg       Config
	logger    *zap.Logger

	running atomic.Bool
	mu      sync.RWMutex
	state   gallery.WorkflowState
}

// New constructs a Coordinator.
func New(
	registry *scraper.Registry,
	executor *fetch.Executor,
	store *artifact.Store,
	renderer *render.Renderer,
	history gallery.BatchStore,
	publisher gallery.Publisher,
	archiver gallery.Archiver,
	clk gallery.Clock,
	idGen gallery.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	metrics.Init()
	return &Coordinator{
		registry:  registry,
		executor:  executor,
		store:     store,
		renderer:  renderer,
		history:   history,
		publisher: publisher,
		archiver:  archiver,
		clock:     clk,
		idGen:     idGen,
		cfg:       cfg,
		logger:    logger,
	}
}

// Plan converts discovered items into fetch tasks. Items without an image
// locator are skipped, as are items whose artifact already exists on disk.
// Relative order of the survivors is preserved.
func (c *Coordinator) Plan(namespace string, items []gallery.Animal) []gallery.FetchTask {
	tasks := make([]gallery.FetchTask, 0, len(items))
	for _, item := range items {
		if item.ImageURL == "" {
			continue
		}
		if existing, ok := c.store.Exists(namespace, item.Name); ok {
			c.logger.Debug("artifact already present, skipping",
				zap.String("item_key", item.Name),
				zap.String("path", existing),
			)
			continue
		}
		tasks = append(tasks, gallery.FetchTask{
			Locator:   item.ImageURL,
			ItemKey:   item.Name,
			Namespace: namespace,
			PathHint:  c.store.BasePath(namespace, item.Name),
		})
	}
	c.logger.Info("fetch plan built",
		zap.String("namespace", namespace),
		zap.Int("items", len(items)),
		zap.Int("to_fetch", len(tasks)),
	)
	return tasks
}

// Execute runs one recorded batch: it creates the history record, fetches
// every task, persists per-item results, and finishes the record. History
// write failures are logged, never fatal, so a flaky store cannot lose the
// fetched artifacts.
func (c *Coordinator) Execute(
	ctx context.Context,
	source, category string,
	tasks []gallery.FetchTask,
	maxConcurrent int,
) (gallery.BatchRecord, gallery.BatchResult, error) {
	id, err := c.idGen.NewID()
	if err != nil {
		return gallery.BatchRecord{}, gallery.BatchResult{}, fmt.Errorf("generate batch id: %w", err)
	}

	record := gallery.BatchRecord{
		ID:        id,
		Source:    source,
		Category:  category,
		Status:    gallery.BatchStatusRunning,
		Submitted: c.clock.Now(),
		Total:     len(tasks),
	}
	if err := c.history.CreateBatch(ctx, record); err != nil {
		return gallery.BatchRecord{}, gallery.BatchResult{}, fmt.Errorf("create batch: %w", err)
	}

	res := c.executor.FetchBatch(ctx, tasks, maxConcurrent)
	res.BatchID = id

	counters := gallery.BatchCounters{Succeeded: res.Succeeded, Failed: res.Failed}
	for _, r := range res.Results {
		if r.Attempts > 1 {
			counters.Retries += r.Attempts - 1
		}
		rec := gallery.ResultRecord{
			BatchID:   id,
			ItemKey:   r.ItemKey,
			Locator:   r.Locator,
			FinalPath: r.FinalPath,
			Succeeded: r.Succeeded,
			ByteSize:  r.ByteSize,
			Checksum:  r.Checksum,
			Attempts:  r.Attempts,
			ElapsedMs: r.Elapsed.Milliseconds(),
			ErrorKind: r.ErrorKind,
			ErrorText: r.ErrorText,
			FetchedAt: c.clock.Now(),
		}
		if err := c.history.RecordResult(ctx, rec); err != nil {
			c.logger.Warn("record result failed",
				zap.String("batch_id", id),
				zap.String("item_key", r.ItemKey),
				zap.Error(err),
			)
		}
	}

	finished := c.clock.Now()
	if err := c.history.FinishBatch(ctx, id, counters, finished); err != nil {
		c.logger.Warn("finish batch failed", zap.String("batch_id", id), zap.Error(err))
	}
	metrics.ObserveBatch(string(gallery.BatchStatusCompleted))

	record.Status = gallery.BatchStatusCompleted
	record.Counters = counters
	record.Finished = &finished
	return record, res, nil
}

// Run executes the full workflow for one source/category pair. A second
// trigger while one is in flight returns gallery.ErrWorkflowRunning.
func (c *Coordinator) Run(ctx context.Context, source, category string) (Report, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Report{}, gallery.ErrWorkflowRunning
	}
	defer c.running.Store(false)

	src, err := c.registry.Lookup(source, category)
	if err != nil {
		return Report{}, err
	}

	started := c.clock.Now()
	c.beginRun(source, category, started)
	ns := gallery.Namespace(source, category)
	c.logger.Info("workflow started",
		zap.String("source", source),
		zap.String("category", category),
	)

	items, err := src.Discover(ctx, category, gallery.ScrapeQuery{})
	if err != nil {
		err = fmt.Errorf("discover %s/%s: %w", source, category, err)
		c.endRun(nil, "", err)
		return Report{}, err
	}
	if len(items) == 0 {
		err := fmt.Errorf("no items discovered for %s/%s", source, category)
		c.endRun(nil, "", err)
		return Report{}, err
	}

	tasks := c.Plan(ns, items)
	record, res, err := c.Execute(ctx, source, category, tasks, 0)
	if err != nil {
		c.endRun(nil, "", err)
		return Report{}, err
	}

	// The gallery covers every discovered item, not only freshly fetched
	// ones; items skipped by the plan already have artifacts on disk.
	galleryPath, err := c.renderer.Render(source, category, items)
	if err != nil {
		err = fmt.Errorf("render gallery: %w", err)
		c.endRun(&res, "", err)
		return Report{}, err
	}
	galleryFile := filepath.Base(galleryPath)

	c.archiveGallery(ctx, galleryPath)
	c.publishCompletion(ctx, source, category, ns, record, res, galleryFile)
	c.endRun(&res, galleryPath, nil)

	c.logger.Info("workflow completed",
		zap.String("source", source),
		zap.String("category", category),
		zap.String("batch_id", record.ID),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.String("gallery", galleryFile),
	)
	return Report{
		Batch:       record,
		Discovered:  len(items),
		Planned:     len(tasks),
		GalleryPath: galleryPath,
		GalleryFile: galleryFile,
	}, nil
}

// Status reports whether a workflow is running and what the last run
// produced.
func (c *Coordinator) Status() gallery.WorkflowState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.state
	if c.state.LastBatch != nil {
		last := *c.state.LastBatch
		out.LastBatch = &last
	}
	return out
}

func (c *Coordinator) beginRun(source, category string, started time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = gallery.WorkflowState{
		Running:   true,
		Source:    source,
		Category:  category,
		StartedAt: &started,
	}
}

func (c *Coordinator) endRun(last *gallery.BatchResult, galleryPath string, runErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Running = false
	c.state.LastBatch = last
	c.state.GalleryPath = galleryPath
	c.state.LastError = ""
	if runErr != nil {
		c.state.LastError = runErr.Error()
	}
}

// archiveGallery mirrors the rendered page to object storage. Failures are
// logged, never fatal.
func (c *Coordinator) archiveGallery(ctx context.Context, galleryPath string) {
	data, err := os.ReadFile(galleryPath)
	if err != nil {
		c.logger.Warn("read gallery for archive failed",
			zap.String("path", galleryPath),
			zap.Error(err),
		)
		return
	}
	objectPath := filepath.Base(galleryPath)
	if c.cfg.ArchivePrefix != "" {
		objectPath = c.cfg.ArchivePrefix + "/" + objectPath
	}
	uri, err := c.archiver.Archive(ctx, objectPath, "text/html; charset=utf-8", data)
	if err != nil {
		c.logger.Warn("archive gallery failed",
			zap.String("object_path", objectPath),
			zap.Error(err),
		)
		return
	}
	c.logger.Info("gallery archived", zap.String("uri", uri))
}

// publishCompletion emits the batch-completion event. Failures are logged,
// never fatal.
func (c *Coordinator) publishCompletion(
	ctx context.Context,
	source, category, namespace string,
	record gallery.BatchRecord,
	res gallery.BatchResult,
	galleryFile string,
) {
	payload := map[string]any{
		"trigger":    source + "-" + category,
		"namespace":  namespace,
		"batch_id":   record.ID,
		"total":      res.Total,
		"succeeded":  res.Succeeded,
		"failed":     res.Failed,
		"retries":    record.Counters.Retries,
		"elapsed_ms": res.Elapsed.Milliseconds(),
		"gallery":    galleryFile,
		"timestamp":  c.clock.Now().UTC().Format(time.RFC3339),
	}
	id, err := c.publisher.Publish(ctx, "batch.completed", payload)
	if err != nil {
		c.logger.Warn("publish completion failed",
			zap.String("batch_id", record.ID),
			zap.Error(err),
		)
		return
	}
	c.logger.Debug("completion published",
		zap.String("batch_id", record.ID),
		zap.String("message_id", id),
	)
}
