package backoff

import (
	"context"
	"time"
)

// Policy describes an exponential backoff with a hard cap.
type Policy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// Default matches the configuration defaults: 30s doubling up to 10m.
var Default = Policy{
	Initial:    30 * time.Second,
	Multiplier: 2.0,
	Max:        10 * time.Minute,
}

// Interval returns the wait interval before the given retry attempt.
// Attempt counting starts at 1; attempt 1 waits Initial.
func (p Policy) Interval(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.Max {
			return p.Max
		}
	}
	if time.Duration(d) > p.Max {
		return p.Max
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx is cancelled, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
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
