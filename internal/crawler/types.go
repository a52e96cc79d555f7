package crawler

import (
	"net/http"
	"strings"
	"time"
)

// RecordType tags every emitted record.
type RecordType string

// Record type values written to the output stream.
const (
	RecordTypeLink RecordType = "LINK"
	RecordTypeAPI  RecordType = "API"
)

// WorkItem is a page scheduled for crawling.
type WorkItem struct {
	URL            string
	Depth          int
	DiscoveredFrom string
}

// FetchRequest describes a single HTTP GET.
type FetchRequest struct {
	URL     string
	Headers http.Header
	Timeout time.Duration
}

// FetchResult is the immutable outcome of one completed HTTP exchange.
type FetchResult struct {
	URL         string
	FinalURL    string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	ContentType string
	Duration    time.Duration
	FromCache   bool
}

// EffectiveURL returns the post-redirect URL, falling back to the requested one.
func (r FetchResult) EffectiveURL() string {
	if r.FinalURL != "" {
		return r.FinalURL
	}
	return r.URL
}

// IsSuccess reports whether the status code is 2xx.
func (r FetchResult) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsHTML reports whether the body should be parsed as markup.
// An absent content type is treated as HTML.
func (r FetchResult) IsHTML() bool {
	ct := strings.ToLower(r.ContentType)
	if ct == "" {
		return true
	}
	return strings.Contains(ct, "html") || strings.Contains(ct, "xml")
}

// Record is anything the emitter can write.
type Record interface {
	Kind() RecordType
	Location() string
}

// LinkRecord is emitted once per discovered, non-excluded hyperlink occurrence.
type LinkRecord struct {
	Type       RecordType `json:"type"`
	URL        string     `json:"url"`
	Text       string     `json:"text"`
	SourcePage string     `json:"source_page"`
}

// NewLinkRecord builds a tagged LinkRecord.
func NewLinkRecord(url, text, sourcePage string) LinkRecord {
	return LinkRecord{
		Type:       RecordTypeLink,
		URL:        url,
		Text:       text,
		SourcePage: sourcePage,
	}
}

// Kind implements Record.
func (r LinkRecord) Kind() RecordType { return RecordTypeLink }

// Location implements Record.
func (r LinkRecord) Location() string { return r.URL }

// APIRecord describes a fetched candidate API endpoint.
type APIRecord struct {
	Type         RecordType `json:"type"`
	BaseURL      string     `json:"base_url"`
	EndpointName string     `json:"endpoint_name"`
	FullEndpoint string     `json:"full_endpoint"`
	Method       string     `json:"method"`
	ReqBody      string     `json:"req_body"`
	ResponseBody string     `json:"response_body"`
	FullURL      string     `json:"full_url"`
	StatusCode   int        `json:"status_code"`
}

// Kind implements Record.
func (r APIRecord) Kind() RecordType { return RecordTypeAPI }

// Location implements Record.
func (r APIRecord) Location() string { return r.FullURL }
