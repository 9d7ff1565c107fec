// Package render writes static HTML gallery pages for acquired artifacts,
// grouping animals by their collateral adjectives.
package render

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/myfishnameisqwerty/menagerie/internal/artifact"
	"github.com/myfishnameisqwerty/menagerie/internal/gallery"
	"github.com/myfishnameisqwerty/menagerie/internal/metrics"
)

const gallerySuffix = "_gallery.html"

const galleryTemplate = `<!DOCTYPE html>
<html>
<head>
    <title>{{.Category}} Collateral Adjectives from {{.Source}}</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; background-color: #f5f5f5; }
        .container { max-width: 1200px; margin: 0 auto; background-color: white; padding: 20px; border-radius: 8px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); }
        h1 { color: #333; text-align: center; margin-bottom: 30px; }
        .adjective-section { margin-bottom: 40px; border: 1px solid #ddd; border-radius: 8px; padding: 20px; background-color: white; }
        .adjective-title { font-size: 28px; font-weight: bold; color: #2c3e50; margin-bottom: 20px; text-transform: capitalize; text-align: center; }
        .images-row { display: flex; flex-wrap: wrap; gap: 10px; justify-content: center; margin-bottom: 15px; }
        .animal-image { width: 120px; height: 120px; object-fit: cover; border-radius: 8px; border: 2px solid #ddd; }
        .missing-image { width: 120px; height: 120px; background-color: #f8f9fa; border: 2px dashed #dee2e6; border-radius: 8px; display: flex; align-items: center; justify-content: center; color: #6c757d; font-size: 12px; text-align: center; }
        .names-row { display: flex; flex-wrap: wrap; gap: 8px; justify-content: center; }
        .animal-name { background-color: #ecf0f1; padding: 4px 12px; border-radius: 15px; font-size: 14px; color: #2c3e50; }
    </style>
</head>
<body>
    <div class="container">
        <h1>{{.Category}} Collateral Adjectives</h1>
{{- range .Groups}}
        <div class="adjective-section">
            <div class="adjective-title">{{.Adjective}}</div>
            <div class="images-row">
{{- range .Animals}}
{{- if .ImagePath}}
                <img src="file://{{.ImagePath}}" alt="{{.Name}}" class="animal-image" />
{{- else}}
                <div class="missing-image">No Image<br/>{{.Name}}</div>
{{- end}}
{{- end}}
            </div>
            <div class="names-row">
{{- range .Animals}}
                <span class="animal-name">{{.Name}}</span>
{{- end}}
            </div>
        </div>
{{- end}}
    </div>
</body>
</html>
`

// Config captures renderer parameters.
type Config struct {
	// OutputDir is where gallery pages are written.
	OutputDir string
}

type pageData struct {
	Source   string
	Category string
	Groups   []adjectiveGroup
}

type adjectiveGroup struct {
	Adjective string
	Animals   []animalEntry
}

type animalEntry struct {
	Name      string
	ImagePath string
}

// Renderer turns a discovery result into one gallery page per
// source/category pair. The template is parsed once at construction.
type Renderer struct {
	tmpl      *template.Template
	outputDir string
	store     *artifact.Store
	logger    *zap.Logger
}

// New builds a Renderer and ensures the output directory exists.
func New(cfg Config, store *artifact.Store, logger *zap.Logger) (*Renderer, error) {
	outputDir := cfg.OutputDir
	if outputDir == "" {
		outputDir = os.TempDir()
	}
	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return nil, fmt.Errorf("create gallery output dir: %w", err)
	}
	tmpl, err := template.New("gallery").Parse(galleryTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse gallery template: %w", err)
	}

	metrics.Init()
	return &Renderer{
		tmpl:      tmpl,
		outputDir: outputDir,
		store:     store,
		logger:    logger,
	}, nil
}

// OutputDir returns the directory gallery pages are written to.
func (r *Renderer) OutputDir() string {
	return r.outputDir
}

// Render writes <source>_<category>_gallery.html and returns its path. Image
// cells link the artifact on disk when the probe finds one and fall back to a
// placeholder otherwise, so a partially failed batch still renders.
func (r *Renderer) Render(source, category string, animals []gallery.Animal) (string, error) {
	namespace := gallery.Namespace(source, category)
	groups := r.groupByAdjective(namespace, animals)

	var buf bytes.Buffer
	data := pageData{
		Source:   titleCase(source),
		Category: titleCase(category),
		Groups:   groups,
	}
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render gallery: %w", err)
	}

	outPath := filepath.Join(r.outputDir, namespace+gallerySuffix)
	if err := os.WriteFile(outPath, buf.Bytes(), 0o640); err != nil {
		return "", fmt.Errorf("write gallery page: %w", err)
	}

	metrics.ObserveRender(source)
	r.logger.Info("gallery rendered",
		zap.String("path", outPath),
		zap.Int("adjectives", len(groups)),
		zap.Int("animals", len(animals)),
	)
	return outPath, nil
}

// List returns the file names of every rendered gallery page, sorted.
func (r *Renderer) List() ([]string, error) {
	entries, err := os.ReadDir(r.outputDir)
	if err != nil {
		return nil, fmt.Errorf("list galleries: %w", err)
	}
	var pages []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), gallerySuffix) {
			pages = append(pages, e.Name())
		}
	}
	sort.Strings(pages)
	return pages, nil
}

// groupByAdjective inverts the animal list into adjective buckets, probing
// each animal's artifact once no matter how many adjectives it carries.
func (r *Renderer) groupByAdjective(namespace string, animals []gallery.Animal) []adjectiveGroup {
	byAdjective := make(map[string][]animalEntry)
	for _, a := range animals {
		entry := animalEntry{Name: a.Name}
		if path, ok := r.store.Exists(namespace, a.Name); ok {
			entry.ImagePath = path
		}
		for _, adj := range a.Adjectives {
			if strings.TrimSpace(adj) == "" {
				continue
			}
			byAdjective[adj] = append(byAdjective[adj], entry)
		}
	}

	names := make([]string, 0, len(byAdjective))
	for adj := range byAdjective {
		names = append(names, adj)
	}
	sort.Strings(names)

	groups := make([]adjectiveGroup, 0, len(names))
	for _, adj := range names {
		groups = append(groups, adjectiveGroup{Adjective: adj, Animals: byAdjective[adj]})
	}
	return groups
}

// titleCase uppercases the first letter of each word, matching how the page
// header renders source and category names.
func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
