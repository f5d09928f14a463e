package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/quotedesk/quotedesk/errs"
	"github.com/quotedesk/quotedesk/internal/observability"
	"github.com/quotedesk/quotedesk/internal/telemetry"
)

// admissionBuffer pads the wait past the window edge so the venue's own
// accounting has drained the oldest entry before the next request lands.
const admissionBuffer = 100 * time.Millisecond

// RateLimiter serializes REST admission against a sliding weight window
// and a minimum spacing between requests. Admission order is global: a
// caller that has to wait holds the gate, so later callers queue behind it.
type RateLimiter struct {
	mu        sync.Mutex
	maxWeight int
	window    time.Duration
	spacing   time.Duration
	records   []weightRecord
	lastSent  time.Time

	clock func() time.Time
	sleep func(context.Context, time.Duration) error
}

type weightRecord struct {
	at     time.Time
	weight int
}

// NewRateLimiter constructs a limiter for the given budget.
func NewRateLimiter(maxWeight int, window, spacing time.Duration) *RateLimiter {
	if maxWeight <= 0 {
		maxWeight = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		maxWeight: maxWeight,
		window:    window,
		spacing:   spacing,
		clock:     time.Now,
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute admits the request under the weight budget, runs fn, and retries
// transient failures with linear backoff (1s, 2s, ...). Non-transient
// failures return immediately.
func (l *RateLimiter) Execute(ctx context.Context, name string, weight, maxRetries int, fn func(context.Context) error) error {
	if weight <= 0 {
		weight = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * time.Second
			observability.Log().Warn("retrying request",
				observability.F("request", name),
				observability.F("attempt", attempt),
				observability.F("delay", delay.String()),
				observability.F("error", lastErr))
			if err := l.sleep(ctx, delay); err != nil {
				return errs.New("exchange", errs.CodeCancelled, errs.WithCause(err))
			}
		}
		if err := l.admit(ctx, name, weight); err != nil {
			return err
		}
		started := l.clock()
		lastErr = fn(ctx)
		telemetry.CountRESTCall(name, l.clock().Sub(started), lastErr)
		if lastErr == nil {
			return nil
		}
		if !errs.IsTransient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// admit blocks until the request fits the window and spacing, then records
// its weight. The mutex is held across waits to keep admission ordered.
func (l *RateLimiter) admit(ctx context.Context, name string, weight int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		now := l.clock()
		l.prune(now)
		if l.used()+weight <= l.maxWeight {
			break
		}
		wait := l.records[0].at.Add(l.window).Sub(now) + admissionBuffer
		observability.Log().Debug("weight window full",
			observability.F("request", name),
			observability.F("used", l.used()),
			observability.F("wait", wait.String()))
		if err := l.sleep(ctx, wait); err != nil {
			return errs.New("exchange", errs.CodeCancelled, errs.WithCause(err))
		}
	}

	if l.spacing > 0 && !l.lastSent.IsZero() {
		if gap := l.spacing - l.clock().Sub(l.lastSent); gap > 0 {
			if err := l.sleep(ctx, gap); err != nil {
				return errs.New("exchange", errs.CodeCancelled, errs.WithCause(err))
			}
		}
	}

	now := l.clock()
	l.records = append(l.records, weightRecord{at: now, weight: weight})
	l.lastSent = now
	return nil
}

func (l *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.records) && !l.records[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		l.records = append(l.records[:0], l.records[i:]...)
	}
}

func (l *RateLimiter) used() int {
	total := 0
	for _, r := range l.records {
		total += r.weight
	}
	return total
}

// Used reports the weight consumed inside the current window.
func (l *RateLimiter) Used() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clock())
	return l.used()
}
