package rrpubsub

import (
	"time"

	"github.com/jpillora/backoff"
)

// backoffCeiling is used in place of the configured max when the caller
// asks for an uncapped schedule. A concrete ceiling keeps jpillora/backoff's
// internal math well-defined instead of threading a special "no max" case
// through the whole package.
const backoffCeiling = 365 * 24 * time.Hour

// newBackoff builds an exponential backoff schedule: each failed connect
// attempt advances round(current * 1.5), capped at max unless infinite is
// set.
func newBackoff(initial, max time.Duration, infinite bool) *backoff.Backoff {
	if max <= 0 || infinite {
		max = backoffCeiling
	}
	return &backoff.Backoff{
		Min:    initial,
		Max:    max,
		Factor: 1.5,
		Jitter: false,
	}
}
