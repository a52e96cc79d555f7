package scheduler

import (
	"context"
	"crypto/rand"
	"math/big"
	"strings"
	"sync"
	"time"
)

// hostSlot tracks pacing state for one host.
type hostSlot struct {
	lastStart time.Time
	started   bool
	delay     time.Duration
}

// politeness spaces fetch starts per host and adapts the spacing to observed latency.
type politeness struct {
	mu        sync.Mutex
	base      time.Duration
	randomize bool
	auto      AutoThrottleConfig
	hosts     map[string]*hostSlot
	now       func() time.Time
	jitter    func(limit time.Duration) time.Duration
}

func newPoliteness(base time.Duration, randomize bool, auto AutoThrottleConfig) *politeness {
	return &politeness{
		base:      base,
		randomize: randomize,
		auto:      auto,
		hosts:     make(map[string]*hostSlot),
		now:       time.Now,
		jitter:    randomJitter,
	}
}

// wait blocks until host may start another fetch and returns how long it slept.
// The start time is reserved under the lock so concurrent callers queue up.
func (p *politeness) wait(ctx context.Context, host string) (time.Duration, error) {
	p.mu.Lock()
	slot := p.slotLocked(host)
	now := p.now()
	start := now
	if slot.started {
		if earliest := slot.lastStart.Add(p.spacing(slot.delay)); earliest.After(now) {
			start = earliest
		}
	}
	slot.lastStart = start
	slot.started = true
	p.mu.Unlock()

	sleep := start.Sub(now)
	if sleep <= 0 {
		return 0, nil
	}
	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
		return sleep, nil
	}
}

// observe feeds a completed response into the autothrottle.
func (p *politeness) observe(host string, latency time.Duration, status int) {
	if !p.auto.Enabled || p.auto.TargetConcurrency <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	slot := p.slotLocked(host)

	target := time.Duration(float64(latency) / p.auto.TargetConcurrency)
	next := (slot.delay + target) / 2
	if target > next {
		next = target
	}
	if next < p.base {
		next = p.base
	}
	if p.auto.MaxDelay > 0 && next > p.auto.MaxDelay {
		next = p.auto.MaxDelay
	}
	// Error responses may only slow a host down.
	if status != 200 && next <= slot.delay {
		return
	}
	slot.delay = next
}

// currentDelay exposes the un-jittered delay for a host.
func (p *politeness) currentDelay(host string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slotLocked(host).delay
}

func (p *politeness) slotLocked(host string) *hostSlot {
	key := strings.ToLower(host)
	slot, ok := p.hosts[key]
	if !ok {
		slot = &hostSlot{delay: p.initialDelay()}
		p.hosts[key] = slot
	}
	return slot
}

func (p *politeness) initialDelay() time.Duration {
	if p.auto.Enabled && p.auto.StartDelay > p.base {
		return p.auto.StartDelay
	}
	return p.base
}

// spacing applies the 0.5x to 1.5x randomization when enabled.
func (p *politeness) spacing(delay time.Duration) time.Duration {
	if !p.randomize || delay <= 0 {
		return delay
	}
	return delay/2 + p.jitter(delay)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
