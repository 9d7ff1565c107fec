package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/myfishnameisqwerty/menagerie/internal/artifact"
	archivememory "github.com/myfishnameisqwerty/menagerie/internal/archive/memory"
	"github.com/myfishnameisqwerty/menagerie/internal/clock/system"
	"github.com/myfishnameisqwerty/menagerie/internal/config"
	"github.com/myfishnameisqwerty/menagerie/internal/fetch"
	"github.com/myfishnameisqwerty/menagerie/internal/gallery"
	historymemory "github.com/myfishnameisqwerty/menagerie/internal/history/memory"
	"github.com/myfishnameisqwerty/menagerie/internal/pipeline"
	publishmemory "github.com/myfishnameisqwerty/menagerie/internal/publish/memory"
	"github.com/myfishnameisqwerty/menagerie/internal/render"
	"github.com/myfishnameisqwerty/menagerie/internal/scraper"
	"github.com/myfishnameisqwerty/menagerie/internal/urlcache"
)

func TestServer_SubmitBatch_Succeeds(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	body := fmt.Sprintf(
		`{"source":"zoo","downloads":[{"name":"Dog","image_url":"%s/img/dog.jpg"},{"name":"Ghost","image_url":"%s/missing"}],"max_concurrent":2}`,
		ts.baseURL, ts.baseURL,
	)
	req := httptest.NewRequest(http.MethodPost, "/v1/downloads", strings.NewReader(body))
	rec := httptest.NewRecorder()

	ts.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "batch-1")
	require.Contains(t, rec.Body.String(), `"succeeded":1`)
	require.Contains(t, rec.Body.String(), `"failed":1`)
}

func TestServer_SubmitBatch_InvalidJSON(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/downloads", strings.NewReader("{invalid"))
	rec := httptest.NewRecorder()

	ts.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SubmitBatch_MissingDownloads(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/downloads", strings.NewReader(`{"downloads":[]}`))
	rec := httptest.NewRecorder()

	ts.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "downloads required")
}

func TestServer_SubmitBatch_RejectsNonHTTPLocator(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	body := `{"downloads":[{"name":"Dog","image_url":"ftp://img.example/dog.jpg"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/downloads", strings.NewReader(body))
	rec := httptest.NewRecorder()

	ts.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "http:// or https://")
}

func TestServer_SubmitBatch_RejectsConcurrencyOutOfRange(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	body := fmt.Sprintf(`{"downloads":[{"name":"Dog","image_url":"%s/img/dog.jpg"}],"max_concurrent":21}`, ts.baseURL)
	req := httptest.NewRequest(http.MethodPost, "/v1/downloads", strings.NewReader(body))
	rec := httptest.NewRecorder()

	ts.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "max_concurrent")
}

func TestServer_SubmitSingle_Succeeds(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	body := fmt.Sprintf(`{"name":"Cat","image_url":"%s/img/cat.png"}`, ts.baseURL)
	req := httptest.NewRequest(http.MethodPost, "/v1/downloads/single", strings.NewReader(body))
	rec := httptest.NewRecorder()

	ts.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "batch-1")
	require.Contains(t, rec.Body.String(), `"succeeded":true`)
}

func TestServer_BatchHistoryRoundTrip(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	body := fmt.Sprintf(`{"downloads":[{"name":"Dog","image_url":"%s/img/dog.jpg"}]}`, ts.baseURL)
	req := httptest.NewRequest(http.MethodPost, "/v1/downloads", strings.NewReader(body))
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/downloads?limit=10", nil)
	rec = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "batch-1")

	req = httptest.NewRequest(http.MethodGet, "/v1/downloads/batch-1", nil)
	rec = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "completed")

	req = httptest.NewRequest(http.MethodGet, "/v1/downloads/batch-1/results", nil)
	rec = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Dog")

	req = httptest.NewRequest(http.MethodGet, "/v1/downloads/ghost", nil)
	rec = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Scrape_AppliesQuery(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/scrape?source=zoo&category=animals&limit=1", nil)
	rec := httptest.NewRecorder()

	ts.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Count int `json:"count"`
		Items []struct {
			Name string `json:"name"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, 1, payload.Count)
	require.Len(t, payload.Items, 1)
	require.Equal(t, "Dog", payload.Items[0].Name)
}

func TestServer_Scrape_UnknownSource(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/scrape?source=nope&category=animals", nil)
	rec := httptest.NewRecorder()

	ts.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "unknown source")
}

func TestServer_CacheEndpoints(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.cache.Put("zoo_animals", "Dog", ts.baseURL+"/img/dog.jpg", nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"total_cached_items":1`)

	req = httptest.NewRequest(http.MethodDelete, "/v1/cache?source=zoo&category=animals", nil)
	rec = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"cleared":1`)

	req = httptest.NewRequest(http.MethodDelete, "/v1/cache", nil)
	rec = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/v1/cache/all", nil)
	rec = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"cleared":0`)
}

func TestServer_Workflow_RunAndStatus(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/workflows", strings.NewReader(`{"source":"zoo"}`))
	rec := httptest.NewRecorder()

	ts.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"planned":2`)
	require.Contains(t, rec.Body.String(), "zoo_animals_gallery.html")

	req = httptest.NewRequest(http.MethodGet, "/v1/workflows/status", nil)
	rec = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"running":false`)
	require.Contains(t, rec.Body.String(), "batch-1")
}

func TestServer_Workflow_UnknownSource(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/workflows", strings.NewReader(`{"source":"nope"}`))
	rec := httptest.NewRecorder()

	ts.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Galleries_ListAndServe(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/workflows", strings.NewReader(`{"source":"zoo"}`))
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/galleries", nil)
	rec = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "zoo_animals_gallery.html")

	req = httptest.NewRequest(http.MethodGet, "/v1/galleries/zoo_animals_gallery.html", nil)
	rec = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	require.Contains(t, rec.Body.String(), "Dog")
}

func TestServer_Galleries_RejectsInvalidFilename(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/galleries/secrets.txt", nil)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/galleries/ghost_gallery.html", nil)
	rec = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Sources(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/sources", nil)
	rec := httptest.NewRecorder()

	ts.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "zoo")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	ts.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "# HELP")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	ts := newTestServerWithConfig(t, config.Config{
		Auth: config.AuthConfig{Enabled: true, APIKey: "secret"},
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	ts.server.Handler().ServeHTTP(rec, req)

	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type fakeSource struct {
	name       string
	categories []string
	items      []gallery.Animal
}

func (f *fakeSource) Name() string         { return f.name }
func (f *fakeSource) Categories() []string { return f.categories }

func (f *fakeSource) Discover(_ context.Context, _ string, query gallery.ScrapeQuery) ([]gallery.Animal, error) {
	return scraper.ApplyQuery(f.items, query), nil
}

type fakeIDGen struct {
	n atomic.Int64
}

func (f *fakeIDGen) NewID() (string, error) {
	return fmt.Sprintf("batch-%d", f.n.Add(1)), nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

type testServer struct {
	server  *Server
	cache   *urlcache.Cache
	baseURL string
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWithConfig(t, config.Config{})
}

// newTestServerWithConfig builds a full server over an in-process image
// backend, a temp artifact tree, and memory-backed stores. The registered
// "zoo" source discovers two items served by the backend.
func newTestServerWithConfig(t *testing.T, cfg config.Config) *testServer {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/img/dog.jpg", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("dog-bytes"))
	})
	mux.HandleFunc("/img/cat.png", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("cat-bytes"))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	backend := httptest.NewServer(mux)
	t.Cleanup(backend.Close)

	store, err := artifact.New(artifact.Config{BaseDir: filepath.Join(t.TempDir(), "artifacts")})
	require.NoError(t, err)

	renderer, err := render.New(render.Config{OutputDir: t.TempDir()}, store, zap.NewNop())
	require.NoError(t, err)

	executor := fetch.New(store, system.New(), fetch.Config{
		Workers:        2,
		RequestTimeout: 5 * time.Second,
		MaxAttempts:    1,
	}, zap.NewNop())

	registry := scraper.NewRegistry()
	registry.Register(&fakeSource{
		name:       "zoo",
		categories: []string{"animals"},
		items: []gallery.Animal{
			{Name: "Dog", ImageURL: backend.URL + "/img/dog.jpg", Source: "zoo", Category: "animals"},
			{Name: "Cat", ImageURL: backend.URL + "/img/cat.png", Source: "zoo", Category: "animals"},
		},
	})

	cache := urlcache.New(urlcache.Config{TTL: time.Hour}, system.New())
	history := historymemory.New()
	coord := pipeline.New(
		registry,
		executor,
		store,
		renderer,
		history,
		publishmemory.New(),
		archivememory.New(),
		system.New(),
		&fakeIDGen{},
		pipeline.Config{ArchivePrefix: "galleries"},
		zap.NewNop(),
	)

	server := NewServer(coord, registry, store, cache, renderer, history, cfg, zap.NewNop())
	return &testServer{server: server, cache: cache, baseURL: backend.URL}
}
