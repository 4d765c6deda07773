package gateway

import (
	"context"
	"sync"
	"time"
)

// maxBackoffMultiplier caps the adaptive delay widening at 32x the base
// delay. A single successful call resets the multiplier.
const maxBackoffMultiplier = 32

// Pacer is the shared pacing gate in front of the upstream API. One
// instance is shared by all concurrent callers in a process.
//
// Acquire enforces two independent constraints: no more than maxPerMinute
// call starts within any trailing 60 second window, and a minimum delay
// between consecutive call starts so bursts are smoothed even under the
// per-minute ceiling. When the upstream signals throttling, ReportThrottled
// widens the effective delay multiplicatively until ReportSuccess resets it.
type Pacer struct {
	mu           sync.Mutex
	maxPerMinute int
	baseDelay    time.Duration
	multiplier   int

	// slots holds the start times handed out within the trailing window,
	// oldest first. Slot assignment and recording happen atomically so two
	// callers can never both believe they satisfied the delay.
	slots    []time.Time
	lastSlot time.Time

	acquired  int64
	throttled int64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPacer creates a pacer allowing maxPerMinute upstream calls per trailing
// minute with at least baseDelay between call starts.
func NewPacer(maxPerMinute int, baseDelay time.Duration) *Pacer {
	if maxPerMinute <= 0 {
		maxPerMinute = 60
	}
	if baseDelay < 0 {
		baseDelay = 0
	}
	return &Pacer{
		maxPerMinute: maxPerMinute,
		baseDelay:    baseDelay,
		multiplier:   1,
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

// Acquire blocks the caller until it is safe to issue the next upstream
// call, or until ctx is done. Callers queue in slot-assignment order.
func (p *Pacer) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	now := p.now()

	slot := now
	if delay := p.effectiveDelayLocked(); delay > 0 && !p.lastSlot.IsZero() {
		if earliest := p.lastSlot.Add(delay); earliest.After(slot) {
			slot = earliest
		}
	}

	// Trailing-window ceiling: the slot must sit at least one minute after
	// the call that would otherwise be the (maxPerMinute+1)th in its window.
	if len(p.slots) >= p.maxPerMinute {
		if earliest := p.slots[len(p.slots)-p.maxPerMinute].Add(time.Minute); earliest.After(slot) {
			slot = earliest
		}
	}

	p.slots = append(p.slots, slot)
	if overflow := len(p.slots) - p.maxPerMinute; overflow > 0 {
		p.slots = p.slots[overflow:]
	}
	p.lastSlot = slot
	p.acquired++
	p.mu.Unlock()

	if wait := slot.Sub(now); wait > 0 {
		return p.sleep(ctx, wait)
	}
	return nil
}

// ReportThrottled records an explicit rate-exceeded signal from the
// upstream and widens the effective delay for subsequent calls.
func (p *Pacer) ReportThrottled() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.throttled++
	p.multiplier *= 2
	if p.multiplier > maxBackoffMultiplier {
		p.multiplier = maxBackoffMultiplier
	}
}

// ReportSuccess resets the adaptive backoff after a successful call.
func (p *Pacer) ReportSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.multiplier = 1
}

// Stats returns a snapshot of the pacer state.
func (p *Pacer) Stats() PacerStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-time.Minute)
	inWindow := 0
	for _, s := range p.slots {
		if s.After(cutoff) {
			inWindow++
		}
	}

	return PacerStats{
		WindowCount:    inWindow,
		MaxPerMinute:   p.maxPerMinute,
		BaseDelay:      p.baseDelay,
		EffectiveDelay: p.effectiveDelayLocked(),
		BackoffActive:  p.multiplier > 1,
		TotalAcquired:  p.acquired,
		TotalThrottled: p.throttled,
		LastCall:       p.lastSlot,
	}
}

// effectiveDelayLocked returns the current inter-call delay including any
// backoff widening. Caller holds the lock.
func (p *Pacer) effectiveDelayLocked() time.Duration {
	return p.baseDelay * time.Duration(p.multiplier)
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
