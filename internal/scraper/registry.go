// Package scraper implements discovery sources that resolve candidate items
// and their image locators, and the registry that routes requests to them.
package scraper

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/myfishnameisqwerty/menagerie/internal/gallery"
)

// Registry routes (source, category) pairs to registered sources. It is
// constructed once and passed to whoever needs discovery; there is no
// process-wide instance.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]gallery.Source
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]gallery.Source)}
}

// Register adds a source under its own name, replacing any previous entry.
func (r *Registry) Register(src gallery.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[src.Name()] = src
}

// Lookup resolves the source serving a source/category pair.
func (r *Registry) Lookup(source, category string) (gallery.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src, ok := r.sources[source]
	if !ok {
		return nil, fmt.Errorf("%w: %q", gallery.ErrUnknownSource, source)
	}
	for _, c := range src.Categories() {
		if c == category {
			return src, nil
		}
	}
	return nil, fmt.Errorf("%w: %q for source %q", gallery.ErrUnknownCategory, category, source)
}

// Sources lists every registered source name with its categories, sorted for
// stable API output.
func (r *Registry) Sources() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.sources))
	for name, src := range r.sources {
		categories := append([]string(nil), src.Categories()...)
		sort.Strings(categories)
		out[name] = categories
	}
	return out
}

// ApplyQuery narrows discovered items: the name filter first, then offset,
// then limit. An offset past the end yields an empty list rather than an
// error.
func ApplyQuery(items []gallery.Animal, q gallery.ScrapeQuery) []gallery.Animal {
	out := items
	if len(q.Names) > 0 {
		want := make(map[string]struct{}, len(q.Names))
		for _, n := range q.Names {
			want[strings.ToLower(n)] = struct{}{}
		}
		filtered := make([]gallery.Animal, 0, len(out))
		for _, item := range out {
			if _, ok := want[strings.ToLower(item.Name)]; ok {
				filtered = append(filtered, item)
			}
		}
		out = filtered
	}
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return []gallery.Animal{}
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out
}
