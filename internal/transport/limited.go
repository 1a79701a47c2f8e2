package transport

import (
	"context"

	"golang.org/x/time/rate"
)

// Limited wraps a Sender with a token-bucket rate limit so bursts (a digest
// run fanning out to every user) don't trip provider throttling.
type Limited struct {
	inner   Sender
	limiter *rate.Limiter
}

// NewLimited allows ratePerSec sends per second with the same burst. A
// non-positive rate defaults to a conservative 3/s.
func NewLimited(inner Sender, ratePerSec int) *Limited {
	if ratePerSec <= 0 {
		ratePerSec = 3
	}
	return &Limited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
	}
}

func (l *Limited) Send(ctx context.Context, to Recipient, msg Message) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	return l.inner.Send(ctx, to, msg)
}
