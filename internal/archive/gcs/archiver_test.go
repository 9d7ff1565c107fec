package gcs_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	storage "cloud.google.com/go/storage"
	"github.com/myfishnameisqwerty/menagerie/internal/archive/gcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

// newTestArchiver creates an Archiver pointed at a test server.
func newTestArchiver(t *testing.T, handler http.Handler) (*gcs.Archiver, func()) {
	t.Helper()

	server := httptest.NewServer(handler)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)

	arch, err := gcs.NewWithClient(client, gcs.Config{Bucket: "test-bucket"})
	require.NoError(t, err)

	return arch, server.Close
}

func TestArchiverArchive(t *testing.T) {
	objectPath := "galleries/wikipedia_animals_gallery.html"
	objectData := []byte("<html>gallery</html>")

	// Simulates the GCS JSON API for multipart uploads.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/test-bucket/o")
		assert.Equal(t, objectPath, r.URL.Query().Get("name"))
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), string(objectData))
		assert.Contains(t, string(body), "text/html")

		fmt.Fprintln(w, `{ "name": "`+objectPath+`" }`)
	})

	arch, cleanup := newTestArchiver(t, handler)
	defer cleanup()

	uri, err := arch.Archive(context.Background(), objectPath, "text/html", objectData)
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/"+objectPath, uri)
}

func TestArchiverArchiveServerError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	arch, cleanup := newTestArchiver(t, handler)
	defer cleanup()

	_, err := arch.Archive(context.Background(), "galleries/page.html", "text/html", []byte("data"))
	assert.Error(t, err)
}

func TestArchiverArchiveRequiresPath(t *testing.T) {
	arch, cleanup := newTestArchiver(t, http.NotFoundHandler())
	defer cleanup()

	_, err := arch.Archive(context.Background(), "   ", "text/html", []byte("data"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "object path is required")
}

func TestNewWithClientValidates(t *testing.T) {
	t.Parallel()

	_, err := gcs.NewWithClient(nil, gcs.Config{Bucket: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage client is required")

	client := &storage.Client{}
	_, err = gcs.NewWithClient(client, gcs.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket name is required")
}
