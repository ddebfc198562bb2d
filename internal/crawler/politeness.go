package crawler

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Politeness spaces requests to one host by delay plus a random jitter. It is shared by all jobs,
// so concurrent crawls of one site don't add up.
type Politeness struct {
	delay    time.Duration
	jitter   time.Duration
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewPoliteness(delay time.Duration, jitter time.Duration) *Politeness {
	return &Politeness{
		delay:    delay,
		jitter:   jitter,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until host may be requested again.
func (p *Politeness) Wait(ctx context.Context, host string) error {
	if p.delay <= 0 {
		return nil
	}
	if err := p.limiter(host).Wait(ctx); err != nil {
		return err
	}
	if p.jitter <= 0 {
		return nil
	}

	t := time.NewTimer(rand.N(p.jitter))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Politeness) limiter(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(p.delay), 1)
		p.limiters[host] = l
	}
	return l
}
