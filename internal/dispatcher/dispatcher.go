// Package dispatcher runs the crawl loop: it fans frontier items out to a pool
// of workers and decides when the crawl is over.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/apilink-crawler/internal/crawler"
	"github.com/JakeFAU/apilink-crawler/internal/metrics"
)

// StopReason explains why Run returned.
type StopReason string

// Stop reasons.
const (
	StopDrained     StopReason = "drained"
	StopCanceled    StopReason = "canceled"
	StopMemoryLimit StopReason = "memory_limit"
	StopFailed      StopReason = "failed"
)

// Queue is the frontier surface the dispatcher drives.
type Queue interface {
	Seed(rawURL string) bool
	Dequeue() (crawler.WorkItem, bool)
	Pending() int
}

// Processor handles one item. A returned error is fatal to the crawl.
type Processor interface {
	Process(ctx context.Context, item crawler.WorkItem) error
}

// Gate reports when no new work should start.
type Gate interface {
	Overloaded() bool
}

// Config controls the dispatcher.
type Config struct {
	Seed    string
	Workers int
}

// Summary describes a finished run.
type Summary struct {
	Reason     StopReason
	Dispatched int
	Duration   time.Duration
}

// Dispatcher fans frontier items out to a pool of worker goroutines. A
// Dispatcher runs once.
type Dispatcher struct {
	cfg    Config
	queue  Queue
	proc   Processor
	gate   Gate
	logger *zap.Logger

	mu         sync.Mutex
	cond       *sync.Cond
	active     int
	dispatched int
	reason     StopReason
	err        error
}

// New creates a Dispatcher. gate may be nil.
func New(cfg Config, queue Queue, proc Processor, gate Gate, logger *zap.Logger) (*Dispatcher, error) {
	if queue == nil || proc == nil {
		return nil, errors.New("dispatcher requires a queue and a processor")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be > 0, got %d", cfg.Workers)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		cfg:    cfg,
		queue:  queue,
		proc:   proc,
		gate:   gate,
		logger: logger.Named("dispatcher"),
	}
	d.cond = sync.NewCond(&d.mu)
	return d, nil
}

// Run seeds the frontier and blocks until it is drained with no worker busy,
// ctx is canceled, the gate reports overload, or a worker fails. Items
// already being processed always finish. Only a worker failure or a rejected
// seed is returned as an error.
func (d *Dispatcher) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	if !d.queue.Seed(d.cfg.Seed) {
		return Summary{}, fmt.Errorf("seed %q rejected by frontier", d.cfg.Seed)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWake := context.AfterFunc(ctx, func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	defer stopWake()

	d.logger.Info("crawl started", zap.String("seed", d.cfg.Seed), zap.Int("workers", d.cfg.Workers))

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.loop(ctx, cancel)
		}()
	}
	wg.Wait()

	d.mu.Lock()
	summary := Summary{Reason: d.reason, Dispatched: d.dispatched, Duration: time.Since(start)}
	err := d.err
	d.mu.Unlock()
	metrics.SetFrontierPending(d.queue.Pending())

	d.logger.Info("crawl stopped",
		zap.String("reason", string(summary.Reason)),
		zap.Int("dispatched", summary.Dispatched),
		zap.Int("pending", d.queue.Pending()),
		zap.Duration("duration", summary.Duration),
	)
	return summary, err
}

func (d *Dispatcher) loop(ctx context.Context, cancel context.CancelFunc) {
	for {
		item, ok := d.next(ctx)
		if !ok {
			return
		}
		err := d.proc.Process(ctx, item)
		d.finish(item, err, cancel)
	}
}

// next blocks until an item is available or the crawl is over.
func (d *Dispatcher) next(ctx context.Context) (crawler.WorkItem, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		if d.reason != "" {
			return crawler.WorkItem{}, false
		}
		if ctx.Err() != nil {
			d.stop(StopCanceled)
			return crawler.WorkItem{}, false
		}
		if d.gate != nil && d.gate.Overloaded() {
			d.logger.Warn("memory limit reached, no new pages will start", zap.Int("active", d.active))
			d.stop(StopMemoryLimit)
			return crawler.WorkItem{}, false
		}
		if item, ok := d.queue.Dequeue(); ok {
			d.active++
			d.dispatched++
			metrics.SetFrontierPending(d.queue.Pending())
			return item, true
		}
		if d.active == 0 {
			d.stop(StopDrained)
			return crawler.WorkItem{}, false
		}
		d.cond.Wait()
	}
}

func (d *Dispatcher) finish(item crawler.WorkItem, err error, cancel context.CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active--
	if err != nil && d.err == nil {
		d.logger.Error("worker failed, stopping crawl", zap.String("url", item.URL), zap.Error(err))
		d.err = err
		d.stop(StopFailed)
		cancel()
	}
	d.cond.Broadcast()
}

// stop records the first reason and wakes every waiter. Callers hold mu.
func (d *Dispatcher) stop(reason StopReason) {
	if d.reason == "" {
		d.reason = reason
	}
	d.cond.Broadcast()
}
