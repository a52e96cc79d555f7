package crawler

import "context"

// Fetcher performs a single HTTP GET and returns the body plus metadata.
// Non-2xx statuses are results, not errors; errors mean no response was received.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResult, error)
}

// RobotsPolicy decides whether a URL may be fetched.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// RecordSink receives emitted records. Implementations need not be safe for
// concurrent use; the emitter serializes calls.
type RecordSink interface {
	Write(ctx context.Context, record Record) error
	Close(ctx context.Context) error
}

// Classifier tests URLs against the exclusion and API pattern lists.
type Classifier interface {
	IsExcluded(rawURL string) bool
	IsAPIShaped(rawURL string) bool
}
