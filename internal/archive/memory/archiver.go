// Package memory archives objects in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Archiver keeps archived objects in a map and returns pseudo URIs. Objects
// are keyed by path, so re-archiving a gallery replaces the previous copy.
type Archiver struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// New creates an empty in-memory archiver.
func New() *Archiver {
	return &Archiver{objects: make(map[string][]byte)}
}

// Archive copies data under the object path and returns a memory:// URI.
func (a *Archiver) Archive(_ context.Context, objectPath, _ string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.objects[objectPath] = append([]byte(nil), data...)
	return fmt.Sprintf("memory://%s", objectPath), nil
}

// Object returns a copy of the stored bytes for path.
func (a *Archiver) Object(path string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	data, ok := a.objects[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}
