package resilient

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kamer-pro/resilient/netmon"
)

const (
	retryInitialDelay = 500 * time.Millisecond
	retryMaxDelay     = 3 * time.Second
)

// maxAttempts scales the idempotent-read retry budget with connection
// quality: a struggling link gets fewer attempts, not more.
func maxAttempts(quality netmon.Quality) int {
	if quality <= netmon.Moderate {
		return 2
	}
	return 3
}

// retryPolicy yields delays of 500ms, 1s, 2s, ... capped at 3s, with no
// jitter, and stops after the quality-dependent attempt budget.
func retryPolicy(quality netmon.Quality) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = retryMaxDelay
	bo.MaxElapsedTime = 0
	return backoff.WithMaxRetries(bo, uint64(maxAttempts(quality)-1))
}
