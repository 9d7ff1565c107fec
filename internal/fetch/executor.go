// Package fetch executes batches of resource acquisitions over a bounded
// worker pool. Each task is fetched with per-attempt timeouts and retry, its
// bytes are streamed to the artifact store, and every task yields exactly one
// result regardless of how it fails.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/myfishnameisqwerty/menagerie/internal/artifact"
	"github.com/myfishnameisqwerty/menagerie/internal/gallery"
	"github.com/myfishnameisqwerty/menagerie/internal/metrics"
)

const defaultUserAgent = "menagerie/1.0 (+https://github.com/myfishnameisqwerty/menagerie)"

// Config controls Executor behavior.
type Config struct {
	// Workers is the fixed pool size for batch execution.
	Workers int
	// RequestTimeout bounds each fetch attempt, body streaming included.
	RequestTimeout time.Duration
	// UserAgent is sent on every request.
	UserAgent string
	// MaxAttempts is the per-task attempt budget, first try included.
	MaxAttempts int
	// BackoffBase is the delay after the first failed attempt; it doubles
	// per attempt.
	BackoffBase time.Duration
}

// Executor fetches remote resources and persists them as artifacts.
type Executor struct {
	store  *artifact.Store
	policy *Policy
	clock  gallery.Clock
	client *http.Client
	cfg    Config
	logger *zap.Logger
}

// New constructs an Executor.
func New(store *artifact.Store, clk gallery.Clock, cfg Config, logger *zap.Logger) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	metrics.Init()
	return &Executor{
		store:  store,
		policy: NewPolicy(cfg.MaxAttempts, cfg.BackoffBase),
		clock:  clk,
		client: &http.Client{Transport: newHTTPTransport()},
		cfg:    cfg,
		logger: logger,
	}
}

// Workers returns the configured pool size.
func (e *Executor) Workers() int {
	return e.cfg.Workers
}

// FetchBatch runs every task and returns one result per task. maxConcurrent
// caps the pool below the configured worker count when positive; it never
// raises it. An empty task list returns immediately without starting a
// worker.
func (e *Executor) FetchBatch(ctx context.Context, tasks []gallery.FetchTask, maxConcurrent int) gallery.BatchResult {
	if len(tasks) == 0 {
		return gallery.BatchResult{Results: []gallery.FetchResult{}}
	}

	start := e.clock.Now()
	workers := e.poolSize(len(tasks), maxConcurrent)
	e.logger.Info("starting fetch batch",
		zap.Int("tasks", len(tasks)),
		zap.Int("workers", workers),
	)

	claims := newClaimSet()
	taskCh := make(chan gallery.FetchTask)
	resultCh := make(chan gallery.FetchResult, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskCh {
				metrics.IncActiveWorkers()
				resultCh <- e.runTask(ctx, task, claims)
				metrics.DecActiveWorkers()
			}
		}()
	}

	for _, task := range tasks {
		taskCh <- task
	}
	close(taskCh)
	wg.Wait()
	close(resultCh)

	out := gallery.BatchResult{Results: make([]gallery.FetchResult, 0, len(tasks))}
	for res := range resultCh {
		out.Results = append(out.Results, res)
		if res.Succeeded {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	out.Total = len(out.Results)
	out.Elapsed = e.clock.Now().Sub(start)

	e.logger.Info("fetch batch finished",
		zap.Int("total", out.Total),
		zap.Int("succeeded", out.Succeeded),
		zap.Int("failed", out.Failed),
		zap.Duration("elapsed", out.Elapsed),
	)
	return out
}

// FetchOne runs a single task outside any batch.
func (e *Executor) FetchOne(ctx context.Context, task gallery.FetchTask) gallery.FetchResult {
	return e.runTask(ctx, task, newClaimSet())
}

// poolSize reconciles the fixed pool with the caller's concurrency hint and
// never exceeds the number of tasks.
func (e *Executor) poolSize(taskCount, maxConcurrent int) int {
	workers := e.cfg.Workers
	if maxConcurrent > 0 && maxConcurrent < workers {
		workers = maxConcurrent
	}
	if workers > taskCount {
		workers = taskCount
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

// runTask guards fetchTask against panics so one broken task can never take
// down the batch.
func (e *Executor) runTask(ctx context.Context, task gallery.FetchTask, claims *claimSet) (res gallery.FetchResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("fetch worker panic",
				zap.String("item_key", task.ItemKey),
				zap.String("locator", task.Locator),
				zap.Any("panic", r),
			)
			res = gallery.FetchResult{
				Locator:   task.Locator,
				ItemKey:   task.ItemKey,
				Namespace: task.Namespace,
				Succeeded: false,
				ErrorKind: gallery.ErrKindWorkerFailure,
				ErrorText: fmt.Sprintf("worker panic: %v", r),
			}
			metrics.ObserveFetch(task.Locator, string(gallery.ErrKindWorkerFailure), 0, 0)
		}
	}()

	res = e.fetchTask(ctx, task, claims)

	outcome := "succeeded"
	if !res.Succeeded {
		outcome = string(res.ErrorKind)
	}
	metrics.ObserveFetch(task.Locator, outcome, int(res.ByteSize), res.Elapsed)
	return res
}

func (e *Executor) fetchTask(ctx context.Context, task gallery.FetchTask, claims *claimSet) gallery.FetchResult {
	start := e.clock.Now()
	result := gallery.FetchResult{
		Locator:   task.Locator,
		ItemKey:   task.ItemKey,
		Namespace: task.Namespace,
	}

	if !claims.claim(task.PathHint) {
		result.ErrorKind = gallery.ErrKindDuplicateTarget
		result.ErrorText = gallery.ErrDuplicateTarget.Error()
		result.Elapsed = e.clock.Now().Sub(start)
		e.logger.Warn("duplicate target skipped",
			zap.String("item_key", task.ItemKey),
			zap.String("path_hint", task.PathHint),
		)
		return result
	}

	var lastErr error
loop:
	for attempt := 1; attempt <= e.policy.MaxAttempts(); attempt++ {
		result.Attempts = attempt
		if attempt > 1 {
			metrics.IncRetry()
		}
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		written, err := e.attempt(ctx, task)
		if err == nil {
			result.Succeeded = true
			result.FinalPath = written.Path
			result.ByteSize = written.Bytes
			result.Checksum = written.Checksum
			result.Elapsed = e.clock.Now().Sub(start)
			e.logger.Debug("fetch task succeeded",
				zap.String("item_key", task.ItemKey),
				zap.String("final_path", result.FinalPath),
				zap.Uint64("bytes", result.ByteSize),
				zap.Int("attempts", attempt),
			)
			return result
		}

		lastErr = err
		if !e.policy.Retryable(err) || attempt == e.policy.MaxAttempts() {
			break
		}

		backoff := e.policy.Backoff(attempt)
		e.logger.Warn("fetch attempt failed, backing off",
			zap.String("item_key", task.ItemKey),
			zap.String("locator", task.Locator),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break loop
		case <-time.After(backoff):
		}
	}

	result.ErrorKind = classify(lastErr)
	result.ErrorText = lastErr.Error()
	result.Elapsed = e.clock.Now().Sub(start)
	e.logger.Warn("fetch task failed",
		zap.String("item_key", task.ItemKey),
		zap.String("locator", task.Locator),
		zap.String("error_kind", string(result.ErrorKind)),
		zap.Int("attempts", result.Attempts),
		zap.Error(lastErr),
	)
	return result
}

// attempt issues one GET and streams the body to the artifact store.
func (e *Executor) attempt(ctx context.Context, task gallery.FetchTask) (artifact.WriteResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, task.Locator, nil)
	if err != nil {
		return artifact.WriteResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return artifact.WriteResult{}, fmt.Errorf("execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		return artifact.WriteResult{}, &statusError{code: resp.StatusCode}
	}

	ext, err := deriveExtension(task.Locator, resp.Header.Get("Content-Type"))
	if err != nil {
		return artifact.WriteResult{}, err
	}

	written, err := e.store.Write(reqCtx, task.PathHint, ext, resp.Body)
	if err != nil {
		return artifact.WriteResult{}, err
	}
	return written, nil
}

// deriveExtension resolves the artifact extension from the locator path,
// falling back to the response content type. There is no default extension:
// an unresolvable format fails the task.
func deriveExtension(locator, contentType string) (string, error) {
	if u, err := url.Parse(locator); err == nil {
		if ext := path.Ext(u.Path); ext != "" && ext != "." {
			return strings.ToLower(ext), nil
		}
	}
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			if _, subtype, ok := strings.Cut(mediaType, "/"); ok && subtype != "" {
				return "." + strings.ToLower(subtype), nil
			}
		}
	}
	return "", fmt.Errorf("%w: locator %q content type %q",
		gallery.ErrUndeterminableFormat, locator, contentType)
}

// classify maps a terminal error to the kind reported on the result.
func classify(err error) gallery.ErrorKind {
	switch {
	case err == nil:
		return gallery.ErrKindWorkerFailure
	case errors.Is(err, gallery.ErrDuplicateTarget):
		return gallery.ErrKindDuplicateTarget
	case errors.Is(err, artifact.ErrDirectoryUnavailable):
		return gallery.ErrKindDirectoryUnavailable
	case errors.Is(err, gallery.ErrUndeterminableFormat):
		return gallery.ErrKindUndeterminableFormat
	case isTimeout(err):
		return gallery.ErrKindTimeout
	case isTransport(err):
		return gallery.ErrKindTransport
	default:
		return gallery.ErrKindWorkerFailure
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isTransport(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// claimSet tracks destination paths claimed by in-flight tasks so duplicate
// item keys in one batch cannot race on the same file.
type claimSet struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

func newClaimSet() *claimSet {
	return &claimSet{paths: make(map[string]struct{})}
}

// claim reserves the path for the caller; false means another task in this
// batch already owns it.
func (c *claimSet) claim(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, taken := c.paths[path]; taken {
		return false
	}
	c.paths[path] = struct{}{}
	return true
}

// newHTTPTransport tunes connection handling for many small image fetches
// against a handful of hosts.
func newHTTPTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
