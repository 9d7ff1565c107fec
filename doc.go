// Package main hosts the menagerie service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, scrape, download, cache, workflow, and gallery
//     endpoints. Requests are validated, normalized into gallery.FetchTask values, and executed through the
//     pipeline coordinator, with batch outcomes persisted to history.
//   - Fetch pipeline: internal/fetch fans tasks out to a fixed worker pool over a bounded channel. Each
//     download streams through an atomic temp-and-rename write into the artifact store and retries
//     transient failures with exponential backoff. Context cancellation drains the pool cleanly.
//   - Discovery & cache: internal/scraper walks Wikipedia list pages with Colly and goquery, honors
//     robots.txt, and records per-animal image locators in a TTL cache so repeat workflows skip page fetches
//     for animals whose locator is unchanged.
//   - Rendering & fanout: internal/render writes HTML gallery pages per namespace. Completed workflows are
//     mirrored to GCS and announced on Pub/Sub when configured; batch history lands in Postgres. All three
//     fall back to in-memory stand-ins when unconfigured.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging;
//     Prometheus metrics are exported via the metrics middleware and /metrics handler. The service is
//     stateless across requests apart from the locator cache.
//
// Operational notes:
//   - Concurrency model: at most one workflow runs at a time; each batch fans out to a worker pool whose
//     size is capped per request. Direct download batches bypass the workflow guard.
//   - Observability: zap logs carry batch IDs and item keys at key transitions; Prometheus counters and
//     histograms track HTTP, download, cache, and scrape activity.
//   - Shutdown: the process reacts to SIGINT/SIGTERM for graceful drain; in-flight downloads are bounded by
//     per-request timeouts.
//
// Quick checklist:
//   - Configure env vars: MENAGERIE_SERVER_PORT, MENAGERIE_FETCH_WORKERS, MENAGERIE_CACHE_TTL_HOURS, and
//     MENAGERIE_HISTORY_DSN, MENAGERIE_ARCHIVE_BUCKET, MENAGERIE_PUBSUB_PROJECT_ID/MENAGERIE_PUBSUB_TOPIC_NAME
//     when persistence beyond memory is required.
//   - Run locally: go run . serve (or go run . run --source wikipedia --category animals for one shot).
package main
