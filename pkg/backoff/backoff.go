// Package backoff defines the retry schedule shared by the message processor
// and the queue service.
//
// The policy is a pure function of the attempt number, so the processor and
// the tests always agree on schedule math:
//
//	backoff.Delay(1) // 1s
//	backoff.Delay(2) // 2s
//	backoff.Delay(5) // 16s
package backoff

import (
	"math"
	"time"
)

// Base is Delay(1); each higher attempt number doubles it. The processor
// schedules the retry after failed attempt k with Delay(k+1), so the first
// retry waits 2·Base.
const Base = 1000 * time.Millisecond

// MaxAttempts is the total number of delivery attempts performed before a
// message is dead-lettered: one initial attempt plus MaxAttempts−1 retries.
// The failure of attempt MaxAttempts triggers the dead-letter move.
const MaxAttempts = 5

// Logical queue names on the job store.
const (
	MainQueue       = "message-delivery"
	DeadLetterQueue = "message-delivery-dead-letter"
)

// Delay returns the scheduling delay before attempt n (n starts at 1):
// Base·2^(n−1). Out-of-range attempt numbers never panic; n ≤ 0 clamps into
// the sub-Base range (Delay(0) = Base/2).
func Delay(attempt int) time.Duration {
	d := float64(Base) * math.Pow(2, float64(attempt-1))
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}
