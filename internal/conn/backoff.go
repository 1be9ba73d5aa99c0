package conn

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ExponentialBackOff doubles from base without jitter: base, 2*base, 4*base...
func ExponentialBackOff(base time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 24 * time.Hour
	b.Reset()
	return b
}

// ConstantBackOff retries after the same delay every time.
func ConstantBackOff(delay time.Duration) backoff.BackOff {
	return backoff.NewConstantBackOff(delay)
}
