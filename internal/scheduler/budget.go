package scheduler

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/apilink-crawler/internal/metrics"
)

const heapSampleInterval = time.Second

// memoryBudget is a soft cap on buffered response bytes and, optionally, the Go heap.
type memoryBudget struct {
	cfg    MemoryConfig
	held   atomic.Int64
	logger *zap.Logger

	warnEvery rate.Sometimes

	heapMu    sync.Mutex
	heapAt    time.Time
	heapBytes int64
	readHeap  func() int64
	now       func() time.Time
}

func newMemoryBudget(cfg MemoryConfig, logger *zap.Logger) *memoryBudget {
	return &memoryBudget{
		cfg:       cfg,
		logger:    logger,
		warnEvery: rate.Sometimes{Interval: 30 * time.Second},
		readHeap:  readHeapAlloc,
		now:       time.Now,
	}
}

func (b *memoryBudget) reserve(n int) {
	if n <= 0 {
		return
	}
	metrics.SetMemoryHeld(b.held.Add(int64(n)))
}

func (b *memoryBudget) release(n int) {
	if n <= 0 {
		return
	}
	metrics.SetMemoryHeld(b.held.Add(-int64(n)))
}

// usage returns the larger of held body bytes and the sampled heap size.
func (b *memoryBudget) usage() int64 {
	used := b.held.Load()
	if b.cfg.WatchHeap {
		if heap := b.sampleHeap(); heap > used {
			used = heap
		}
	}
	return used
}

// exceeded reports whether new fetches must not start. It also emits the
// throttled warning once usage crosses the warning threshold.
func (b *memoryBudget) exceeded() bool {
	if !b.cfg.Enabled {
		return false
	}
	used := b.usage()
	if b.cfg.WarningBytes > 0 && used > b.cfg.WarningBytes {
		b.warnEvery.Do(func() {
			b.logger.Warn("memory usage above warning threshold",
				zap.Int64("used_bytes", used),
				zap.Int64("warning_bytes", b.cfg.WarningBytes),
				zap.Int64("limit_bytes", b.cfg.LimitBytes),
			)
		})
	}
	return b.cfg.LimitBytes > 0 && used > b.cfg.LimitBytes
}

func (b *memoryBudget) sampleHeap() int64 {
	b.heapMu.Lock()
	defer b.heapMu.Unlock()
	if now := b.now(); b.heapAt.IsZero() || now.Sub(b.heapAt) >= heapSampleInterval {
		b.heapBytes = b.readHeap()
		b.heapAt = now
	}
	return b.heapBytes
}

func readHeapAlloc() int64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.HeapAlloc) //nolint:gosec // heap size fits in int64
}
