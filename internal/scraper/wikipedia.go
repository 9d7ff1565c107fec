package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/myfishnameisqwerty/menagerie/internal/gallery"
	"github.com/myfishnameisqwerty/menagerie/internal/metrics"
	"github.com/myfishnameisqwerty/menagerie/internal/urlcache"
)

const (
	sourceName      = "wikipedia"
	categoryAnimals = "animals"

	defaultListURL   = "https://en.wikipedia.org/wiki/List_of_animal_names"
	defaultBaseURL   = "https://en.wikipedia.org"
	defaultUserAgent = "menagerie/1.0 (+https://github.com/myfishnameisqwerty/menagerie)"
)

var (
	brSplitRe  = regexp.MustCompile(`(?i)<br\s*/?>`)
	supRe      = regexp.MustCompile(`(?s)<sup[^>]*>.*?</sup>`)
	tagRe      = regexp.MustCompile(`<[^>]+>`)
	citationRe = regexp.MustCompile(`\[\w+\]`)
	parenRe    = regexp.MustCompile(`\s*\([^)]*\)\s*`)
)

// Config controls collector behavior for the Wikipedia source.
type Config struct {
	// UserAgent is sent on every request.
	UserAgent string
	// Timeout bounds one fetch of the species list page.
	Timeout time.Duration
	// PageTimeout bounds one fetch of an individual article page.
	PageTimeout time.Duration
	// MaxRetries is the per-page attempt budget, first try included.
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries.
	RetryDelay time.Duration
	// ListURL overrides the species list location, mainly for tests.
	ListURL string
	// BaseURL prefixes relative article and image links.
	BaseURL string
	// RespectRobots honors robots.txt when true.
	RespectRobots bool
	// CrawlDelay throttles requests per domain when positive.
	CrawlDelay time.Duration
}

// AnimalSource discovers animals and their collateral adjectives from the
// Wikipedia species table. Each animal carries every adjective from its row
// plus one representative image locator, resolved through the cache first and
// the animal's article page on a miss.
type AnimalSource struct {
	cfg    Config
	base   *colly.Collector
	cache  *urlcache.Cache
	clock  gallery.Clock
	logger *zap.Logger
}

// New builds an AnimalSource around a shared base collector; per-page fetches
// clone it.
func New(cfg Config, cache *urlcache.Cache, clk gallery.Clock, logger *zap.Logger) (*AnimalSource, error) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.ListURL == "" {
		cfg.ListURL = defaultListURL
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}

	opts := []colly.CollectorOption{
		colly.UserAgent(cfg.UserAgent),
		// Repeated discovery passes revisit the same pages.
		colly.AllowURLRevisit(),
	}
	if !cfg.RespectRobots {
		opts = append(opts, colly.IgnoreRobotsTxt())
	}
	base := colly.NewCollector(opts...)
	base.WithTransport(newHTTPTransport())
	if cfg.CrawlDelay > 0 {
		err := base.Limit(&colly.LimitRule{DomainGlob: "*", Delay: cfg.CrawlDelay})
		if err != nil {
			return nil, fmt.Errorf("configure crawl delay: %w", err)
		}
	}

	metrics.Init()
	return &AnimalSource{
		cfg:    cfg,
		base:   base,
		cache:  cache,
		clock:  clk,
		logger: logger,
	}, nil
}

// Name identifies the source in the registry.
func (s *AnimalSource) Name() string { return sourceName }

// Categories lists the categories this source can discover.
func (s *AnimalSource) Categories() []string { return []string{categoryAnimals} }

// Discover scrapes the species table and resolves image locators for every
// animal that survives the query filters.
func (s *AnimalSource) Discover(ctx context.Context, category string, query gallery.ScrapeQuery) ([]gallery.Animal, error) {
	if category != categoryAnimals {
		return nil, fmt.Errorf("%w: %q", gallery.ErrUnknownCategory, category)
	}

	start := time.Now()
	animals, err := s.discover(ctx, category, query)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ObserveScrape(sourceName, status, time.Since(start))
	return animals, err
}

func (s *AnimalSource) discover(ctx context.Context, category string, query gallery.ScrapeQuery) ([]gallery.Animal, error) {
	body, err := s.fetchPage(ctx, s.cfg.ListURL, s.cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("fetch animal list: %w", err)
	}
	animals, err := parseAnimalTable(body, s.cfg.BaseURL, category)
	if err != nil {
		return nil, err
	}

	// Filters run before image resolution; rows the query drops never cost
	// an article fetch.
	animals = ApplyQuery(animals, query)

	namespace := gallery.Namespace(sourceName, category)
	for i := range animals {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("discovery canceled: %w", err)
		}
		animals[i].ImageURL = s.resolveImage(ctx, namespace, animals[i])
	}

	s.logger.Info("discovery pass complete",
		zap.String("category", category),
		zap.Int("animals", len(animals)),
	)
	return animals, nil
}

// resolveImage returns the animal's image locator, or "" when none can be
// found. Misses are resolved from the article page and written back to the
// cache.
func (s *AnimalSource) resolveImage(ctx context.Context, namespace string, a gallery.Animal) string {
	if locator, ok := s.cache.Get(namespace, a.Name); ok {
		metrics.IncCacheLookup("hit")
		return locator
	}
	metrics.IncCacheLookup("miss")

	if a.PageURL == "" {
		return ""
	}
	body, err := s.fetchPage(ctx, a.PageURL, s.cfg.PageTimeout)
	if err != nil {
		s.logger.Warn("article fetch failed",
			zap.String("animal", a.Name),
			zap.String("url", a.PageURL),
			zap.Error(err),
		)
		return ""
	}
	locator := extractImageURL(body, s.cfg.BaseURL)
	if locator == "" {
		return ""
	}

	s.cache.Put(namespace, a.Name, locator, map[string]string{
		"discovered_via": "wikipedia_article",
		"extracted_at":   s.clock.Now().Format(time.RFC3339),
	})
	return locator
}

// fetchPage retrieves one page with a linear retry schedule: the delay grows
// by RetryDelay per failed attempt.
func (s *AnimalSource) fetchPage(ctx context.Context, pageURL string, timeout time.Duration) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		body, err := s.visit(ctx, pageURL, timeout)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if attempt == s.cfg.MaxRetries {
			break
		}

		delay := time.Duration(attempt) * s.cfg.RetryDelay
		s.logger.Warn("page fetch failed, retrying",
			zap.String("url", pageURL),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("page fetch canceled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("fetch %s after %d attempts: %w", pageURL, s.cfg.MaxRetries, lastErr)
}

// visit runs one request on a clone of the base collector.
func (s *AnimalSource) visit(ctx context.Context, pageURL string, timeout time.Duration) ([]byte, error) {
	var (
		body     []byte
		visitErr error
	)
	collector := s.base.Clone()
	collector.SetRequestTimeout(timeout)
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		visitErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("visit canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("visit %s: %w", pageURL, err)
		}
		if visitErr != nil {
			return nil, fmt.Errorf("response for %s: %w", pageURL, visitErr)
		}
		return body, nil
	}
}

// parseAnimalTable extracts animals from the second wikitable on the species
// list page ("Terms by species or taxon"). The header row, short rows,
// "(list)" stubs and rows with no surviving adjectives are dropped.
func parseAnimalTable(body []byte, baseURL, category string) ([]gallery.Animal, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse animal list: %w", err)
	}
	tables := doc.Find("table.wikitable")
	if tables.Length() < 2 {
		return nil, errors.New("species table not found on animal list page")
	}

	var animals []gallery.Animal
	tables.Eq(1).Find("tr").Each(func(i int, row *goquery.Selection) {
		if i == 0 {
			return
		}
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		name := extractName(cells.Eq(0))
		if name == "" || name == "(list)" {
			return
		}
		adjectives := extractCellValues(cells.Eq(1))
		if len(adjectives) == 0 {
			return
		}
		animals = append(animals, gallery.Animal{
			Name:       name,
			PageURL:    articleURL(cells.Eq(0), baseURL),
			Adjectives: adjectives,
			Source:     sourceName,
			Category:   category,
		})
	})
	return animals, nil
}

// extractName prefers the first link's title attribute over the cell text.
func extractName(cell *goquery.Selection) string {
	if title, ok := cell.Find("a").First().Attr("title"); ok && title != "" {
		return title
	}
	return strings.TrimSpace(cell.Text())
}

// articleURL resolves the animal's article link when the cell carries one.
func articleURL(cell *goquery.Selection, baseURL string) string {
	href, ok := cell.Find("a").First().Attr("href")
	if !ok || !strings.HasPrefix(href, "/wiki/") {
		return ""
	}
	return baseURL + href
}

// extractCellValues splits a cell's markup on <br> and cleans each fragment:
// superscripts, tags, entities, citations like [5] or [c], and parenthetical
// qualifiers are removed. Empty fragments are dropped.
func extractCellValues(cell *goquery.Selection) []string {
	markup, err := goquery.OuterHtml(cell)
	if err != nil {
		return nil
	}

	var values []string
	for _, part := range brSplitRe.Split(markup, -1) {
		text := supRe.ReplaceAllString(part, "")
		text = tagRe.ReplaceAllString(text, "")
		text = html.UnescapeString(text)
		text = citationRe.ReplaceAllString(text, "")
		text = parenRe.ReplaceAllString(text, "")
		text = strings.TrimSpace(text)
		if text != "" {
			values = append(values, text)
		}
	}
	return values
}

// extractImageURL picks the animal's representative image from its article:
// the first non-SVG infobox image, then any non-SVG upload.wikimedia.org
// image as a fallback.
func extractImageURL(body []byte, baseURL string) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var found string
	doc.Find("table.infobox img").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		src, ok := img.Attr("src")
		if !ok || src == "" || strings.HasSuffix(src, ".svg") {
			return true
		}
		found = absoluteImageURL(src, baseURL)
		return false
	})
	if found != "" {
		return found
	}

	doc.Find("img").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		src, ok := img.Attr("src")
		if !ok || !strings.HasPrefix(src, "//upload.wikimedia.org/") || strings.HasSuffix(src, ".svg") {
			return true
		}
		found = "https:" + src
		return false
	})
	return found
}

// absoluteImageURL normalizes protocol-relative and site-relative image
// sources against the configured base.
func absoluteImageURL(src, baseURL string) string {
	switch {
	case strings.HasPrefix(src, "//"):
		return "https:" + src
	case strings.HasPrefix(src, "/"):
		return baseURL + src
	case strings.HasPrefix(src, "http"):
		return src
	default:
		return baseURL + "/" + src
	}
}

// newHTTPTransport tunes connection handling for repeated page fetches
// against one host.
func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
