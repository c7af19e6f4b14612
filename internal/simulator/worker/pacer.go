package worker

import (
	"context"
	"sync"
	"time"
)

// Pacer spaces worker launches at a fixed rate so a large run ramps up
// instead of logging on every client at once.
//
// It keeps a virtual drip time that advances by 1/rate per launch. A
// caller that falls behind schedule is let through immediately, but never
// more than one launch early.
type Pacer struct {
	interval time.Duration

	mu   sync.Mutex
	next time.Time
}

// NewPacer returns a pacer allowing perSecond launches per second. A rate
// of zero or less returns nil, which never waits.
func NewPacer(perSecond float64) *Pacer {
	if perSecond <= 0 {
		return nil
	}
	return &Pacer{interval: time.Duration(float64(time.Second) / perSecond)}
}

// Interval is the spacing between two launches.
func (p *Pacer) Interval() time.Duration {
	if p == nil {
		return 0
	}
	return p.interval
}

// reserve returns when the next launch may start and moves the drip time
// past it.
func (p *Pacer) reserve(now time.Time) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	at := p.next
	if at.Before(now) {
		at = now
	}
	p.next = at.Add(p.interval)
	return at
}

// Wait blocks until the next launch slot or until ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return ctx.Err()
	}

	d := time.Until(p.reserve(time.Now()))
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
