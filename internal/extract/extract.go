// Package extract pulls hyperlinks and candidate API endpoints out of fetched pages.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/apilink-crawler/internal/crawler"
)

var (
	// quoted string literals that look like endpoints
	quotedEndpointRe = regexp.MustCompile(`(?i)["']([^"']*(?:/api/|/v\d+/|\.json)[^"']*)["']`)
	fetchCallRe      = regexp.MustCompile(`fetch\(\s*["']([^"']+)["']`)
	xhrOpenRe        = regexp.MustCompile(`\.open\(\s*["'][^"']*["']\s*,\s*["']([^"']+)["']`)

	endpointAttributes = []string{"data-api", "data-url", "data-endpoint"}
	skippedPrefixes    = []string{"javascript:", "mailto:", "tel:", "data:"}
)

// Link is an anchor found on a page, resolved to an absolute URL.
type Link struct {
	URL  string
	Text string
}

// Form is a form element's raw action and method.
type Form struct {
	Action string
	Method string
}

// Result gathers everything found on one page.
type Result struct {
	Links      []Link
	Scripts    []string
	Attributes []string
	Forms      []Form
}

// Candidates returns script and attribute endpoints in discovery order without duplicates.
func (r Result) Candidates() []string {
	out := make([]string, 0, len(r.Scripts)+len(r.Attributes))
	seen := make(map[string]struct{}, cap(out))
	for _, list := range [][]string{r.Scripts, r.Attributes} {
		for _, u := range list {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}

// Extractor runs the link, script and attribute producers over a page.
type Extractor struct {
	classifier crawler.Classifier
	logger     *zap.Logger
}

// New builds an Extractor. classifier may be nil, in which case nothing is filtered.
func New(classifier crawler.Classifier, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{classifier: classifier, logger: logger}
}

// Extract parses the page once and runs every producer. Unparsable input
// yields an empty Result.
func (e *Extractor) Extract(page crawler.FetchResult) Result {
	doc, base, err := e.parse(page)
	if err != nil {
		e.logger.Debug("page not parsable", zap.String("url", page.EffectiveURL()), zap.Error(err))
		return Result{}
	}
	return Result{
		Links:      e.Links(doc, base),
		Scripts:    e.Scripts(doc),
		Attributes: e.Attributes(doc),
		Forms:      e.Forms(doc),
	}
}

func (e *Extractor) parse(page crawler.FetchResult) (*goquery.Document, *url.URL, error) {
	base, err := url.Parse(page.EffectiveURL())
	if err != nil {
		return nil, nil, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html: %w", err)
	}
	// <base href> overrides the document URL for relative references.
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			base = base.ResolveReference(ref)
		}
	}
	return doc, base, nil
}

// Links returns every a[href] resolved against base, first occurrence wins.
func (e *Extractor) Links(doc *goquery.Document, base *url.URL) []Link {
	var links []Link
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		e.guard("link", func() {
			href, _ := s.Attr("href")
			if skipHref(href) {
				return
			}
			abs, err := crawler.Resolve(base, href)
			if err != nil {
				return
			}
			if _, ok := seen[abs]; ok {
				return
			}
			seen[abs] = struct{}{}
			links = append(links, Link{URL: abs, Text: collapseSpace(s.Text())})
		})
	})
	return links
}

// Scripts scans inline script bodies for endpoint-looking strings, fetch()
// calls and XMLHttpRequest.open() calls. Returned values are raw, possibly relative.
func (e *Extractor) Scripts(doc *goquery.Document) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(candidate string) {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" || e.excluded(candidate) {
			return
		}
		if _, ok := seen[candidate]; ok {
			return
		}
		seen[candidate] = struct{}{}
		out = append(out, candidate)
	}

	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if _, external := s.Attr("src"); external {
			return
		}
		e.guard("script", func() {
			text := s.Text()
			if strings.TrimSpace(text) == "" {
				return
			}
			for _, re := range []*regexp.Regexp{quotedEndpointRe, fetchCallRe, xhrOpenRe} {
				for _, m := range re.FindAllStringSubmatch(text, -1) {
					add(m[1])
				}
			}
		})
	})
	return out
}

// Attributes collects data-api, data-url and data-endpoint values plus
// API-shaped form actions. Returned values are raw, possibly relative.
func (e *Extractor) Attributes(doc *goquery.Document) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}

	selector := "[" + strings.Join(endpointAttributes, "],[") + "]"
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		e.guard("attribute", func() {
			for _, name := range endpointAttributes {
				if v, ok := s.Attr(name); ok && !e.excluded(v) {
					add(v)
				}
			}
		})
	})

	doc.Find("form[action]").Each(func(_ int, s *goquery.Selection) {
		e.guard("form", func() {
			action, _ := s.Attr("action")
			if e.classifier != nil && e.classifier.IsAPIShaped(action) {
				add(action)
			}
		})
	})
	return out
}

// Forms lists every form with an action attribute.
func (e *Extractor) Forms(doc *goquery.Document) []Form {
	var forms []Form
	doc.Find("form[action]").Each(func(_ int, s *goquery.Selection) {
		action, _ := s.Attr("action")
		method, _ := s.Attr("method")
		forms = append(forms, Form{
			Action: strings.TrimSpace(action),
			Method: strings.ToUpper(strings.TrimSpace(method)),
		})
	})
	return forms
}

// guard drops a single element whose handling panics.
func (e *Extractor) guard(kind string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Warn("element extraction panicked", zap.String("kind", kind), zap.Any("panic", rec))
		}
	}()
	fn()
}

func (e *Extractor) excluded(u string) bool {
	return e.classifier != nil && e.classifier.IsExcluded(u)
}

func skipHref(href string) bool {
	h := strings.ToLower(strings.TrimSpace(href))
	if h == "" || h == "#" {
		return true
	}
	for _, p := range skippedPrefixes {
		if strings.HasPrefix(h, p) {
			return true
		}
	}
	return false
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
