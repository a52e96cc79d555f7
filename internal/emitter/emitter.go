// Package emitter serializes records from concurrent workers into one or more sinks.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/apilink-crawler/internal/crawler"
	"github.com/JakeFAU/apilink-crawler/internal/metrics"
)

// ErrSink marks a failed sink write or close. It is fatal to the crawl.
var ErrSink = errors.New("record sink failed")

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("emitter closed")

// Emitter fans each record out to every sink under a single lock, so the
// output stream is append-only and records never interleave.
type Emitter struct {
	mu     sync.Mutex
	sinks  []crawler.RecordSink
	counts map[crawler.RecordType]int
	closed bool
	logger *zap.Logger
}

// New builds an Emitter writing to sinks in order.
func New(logger *zap.Logger, sinks ...crawler.RecordSink) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		sinks:  sinks,
		counts: make(map[crawler.RecordType]int),
		logger: logger.Named("emitter"),
	}
}

// Emit writes record to every sink. The first sink error stops the fan-out
// and is returned wrapped in ErrSink.
func (e *Emitter) Emit(ctx context.Context, record crawler.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	for _, sink := range e.sinks {
		if err := sink.Write(ctx, record); err != nil {
			e.logger.Error("sink write failed",
				zap.String("sink", fmt.Sprintf("%T", sink)),
				zap.String("type", string(record.Kind())),
				zap.String("url", record.Location()),
				zap.Error(err),
			)
			return fmt.Errorf("%w: write %T: %w", ErrSink, sink, err)
		}
	}
	e.counts[record.Kind()]++
	metrics.ObserveRecord(string(record.Kind()))
	return nil
}

// Close closes every sink, even after a failure, and joins their errors.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var errs []error
	for _, sink := range e.sinks {
		if err := sink.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%w: close %T: %w", ErrSink, sink, err))
		}
	}
	return errors.Join(errs...)
}

// Counts returns the number of records emitted per type.
func (e *Emitter) Counts() map[crawler.RecordType]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[crawler.RecordType]int, len(e.counts))
	for k, v := range e.counts {
		out[k] = v
	}
	return out
}
