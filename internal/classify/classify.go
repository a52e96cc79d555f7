// Package classify decides which URLs are noise and which look like API endpoints.
package classify

import (
	"fmt"
	"regexp"
)

// DefaultExcludePatterns filters trackers, social widgets, static assets and CDNs.
var DefaultExcludePatterns = []string{
	// analytics and ad networks
	`google-analytics\.com`,
	`googletagmanager\.com`,
	`facebook\.com/tr`,
	`doubleclick\.net`,
	`googlesyndication\.com`,
	`adsystem\.com`,
	`amazon-adsystem\.com`,
	`hotjar\.com`,
	`mixpanel\.com`,
	`segment\.com`,
	`intercom\.io`,
	`zendesk\.com`,
	// social widgets
	`platform\.twitter\.com`,
	`connect\.facebook\.net`,
	`platform\.linkedin\.com`,
	`apis\.google\.com/js/platform\.js`,
	// static assets
	`\.woff2?$`,
	`\.ttf$`,
	`\.eot$`,
	`\.png$`,
	`\.jpg$`,
	`\.jpeg$`,
	`\.gif$`,
	`\.ico$`,
	`\.svg$`,
	`\.webp$`,
	`\.css$`,
	`\.js$`,
	// tracking keywords
	`event`,
	`track`,
	`pixel`,
	`beacon`,
	`analytics`,
	// static CDNs
	`cdnjs\.cloudflare\.com`,
	`unpkg\.com`,
	`jsdelivr\.net`,
	`fonts\.googleapis\.com`,
	`fonts\.gstatic\.com`,
}

// DefaultAPIPatterns marks URL shapes that usually serve machine-readable data.
var DefaultAPIPatterns = []string{
	`/api/`,
	`/v\d+/`,
	`\.json$`,
	`\.xml$`,
	`/rest/`,
	`/graphql`,
	`/endpoint`,
	`/service`,
	`/webservice`,
}

// Classifier matches URLs against compiled exclusion and API pattern lists.
// A nil Classifier excludes nothing and recognizes nothing.
type Classifier struct {
	exclude []*regexp.Regexp
	api     []*regexp.Regexp
}

// New compiles both pattern lists. Matching is case-insensitive.
func New(exclude, api []string) (*Classifier, error) {
	ex, err := Compile(exclude)
	if err != nil {
		return nil, fmt.Errorf("exclude patterns: %w", err)
	}
	ap, err := Compile(api)
	if err != nil {
		return nil, fmt.Errorf("api patterns: %w", err)
	}
	return &Classifier{exclude: ex, api: ap}, nil
}

// Default returns a Classifier built from the default lists.
func Default() *Classifier {
	c, err := New(DefaultExcludePatterns, DefaultAPIPatterns)
	if err != nil {
		panic(err)
	}
	return c
}

// Compile turns patterns into case-insensitive regular expressions, preserving order.
func Compile(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("pattern %d (%q): %w", i, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// IsExcluded reports whether any exclusion pattern matches rawURL.
func (c *Classifier) IsExcluded(rawURL string) bool {
	if c == nil {
		return false
	}
	return matchAny(c.exclude, rawURL)
}

// IsAPIShaped reports whether any API pattern matches rawURL.
func (c *Classifier) IsAPIShaped(rawURL string) bool {
	if c == nil {
		return false
	}
	return matchAny(c.api, rawURL)
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
