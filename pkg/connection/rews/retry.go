package rews

import (
	"time"

	"github.com/collabdoc/docsync/pkg/constants"
)

// Retryer decides how long to wait before reconnecting.
type Retryer interface {
	// NextDelay is asked before retry number attempt, counted from 0 since
	// the last successful open. ok is false once the socket should stay
	// offline.
	NextDelay(attempt int, lastErr error) (delay time.Duration, ok bool)

	// Reset is called whenever the socket opens.
	Reset()
}

// ExponentialBackoffRetryer waits InitialDelay, then multiplies the wait by
// Multiplier on every retry up to MaxDelay.
type ExponentialBackoffRetryer struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// MaxRetries of zero retries forever.
	MaxRetries int
}

// NewExponentialBackoffRetryer returns the document socket schedule:
// 1s, 2s, 4s, 8s, 16s, then offline.
func NewExponentialBackoffRetryer() *ExponentialBackoffRetryer {
	return &ExponentialBackoffRetryer{
		InitialDelay: constants.ReconnectInitialDelay,
		MaxDelay:     constants.ReconnectMaxDelay,
		Multiplier:   constants.ReconnectMultiplier,
		MaxRetries:   constants.ReconnectMaxRetries,
	}
}

func (r *ExponentialBackoffRetryer) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if exhausted(attempt, r.MaxRetries) {
		return 0, false
	}

	delay := r.InitialDelay
	for i := 0; i < attempt && delay < r.MaxDelay; i++ {
		delay = time.Duration(float64(delay) * r.Multiplier)
	}
	return min(delay, r.MaxDelay), true
}

func (r *ExponentialBackoffRetryer) Reset() {}

// FixedDelayRetryer waits Delay before every retry. Tests use it to keep
// reconnect cycles short.
type FixedDelayRetryer struct {
	Delay      time.Duration
	MaxRetries int
}

func NewFixedDelayRetryer(delay time.Duration, maxRetries int) *FixedDelayRetryer {
	return &FixedDelayRetryer{Delay: delay, MaxRetries: maxRetries}
}

func (r *FixedDelayRetryer) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if exhausted(attempt, r.MaxRetries) {
		return 0, false
	}
	return r.Delay, true
}

func (r *FixedDelayRetryer) Reset() {}

func exhausted(attempt, maxRetries int) bool {
	return maxRetries > 0 && attempt >= maxRetries
}
