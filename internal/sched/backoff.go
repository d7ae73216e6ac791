package sched

import "time"

// Backoff computes reconnect delays: delay doubles per failed attempt
// from Initial up to Max. MaxAttempts is the retry ceiling; once it is
// reached no further automatic attempts occur until an explicit connect.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay returns the delay before the given attempt. Attempts are
// 1-based: attempt 1 waits Initial, attempt 2 waits 2*Initial, capped
// at Max. The shift is guarded so large attempt counts cannot overflow.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	shift := attempt - 1
	if shift > 31 || b.Initial<<shift > b.Max || b.Initial<<shift < b.Initial {
		return b.Max
	}

	return b.Initial << shift
}

// Exhausted reports whether the given number of consecutive failures
// has reached the retry ceiling.
func (b Backoff) Exhausted(failures int) bool {
	return failures >= b.MaxAttempts
}
