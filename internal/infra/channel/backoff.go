package channel

import (
	"time"

	"github.com/cenkalti/backoff"
)

const (
	// DefaultRetryBaseDelay is the reconnect delay for attempt zero.
	DefaultRetryBaseDelay = time.Second

	// DefaultRetryMaxDelay caps the reconnect delay.
	DefaultRetryMaxDelay = 30 * time.Second

	// DefaultMaxRetries is the number of consecutive handshake failures after
	// which the client stops retrying and enters the failed state.
	DefaultMaxRetries = 5

	// DefaultConnectionTimeout bounds a single handshake, from dial until the
	// server confirms the connection.
	DefaultConnectionTimeout = 10 * time.Second

	// DefaultRequestTimeout bounds request/response exchanges such as alert
	// status lookups.
	DefaultRequestTimeout = 10 * time.Second
)

// newRetryBackOff returns the schedule for consecutive handshake failures.
// The k-th NextBackOff after a Reset is min(base * 2^k, max); attempt zero,
// a reconnect after a healthy connection drops, waits base and does not
// consume the schedule.
func newRetryBackOff(base, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(2*base, max)
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
