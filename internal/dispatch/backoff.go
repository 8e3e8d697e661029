package dispatch

import "time"

// retryDelays maps the post-increment retry attempt (1-based) to the delay
// before the next dispatch. Deterministic, no jitter.
var retryDelays = map[int]time.Duration{
	1: 1 * time.Minute,
	2: 3 * time.Minute,
	3: 15 * time.Minute,
	4: time.Hour,
	5: 6 * time.Hour,
	6: 12 * time.Hour,
}

// BackoffDelay returns the delay for the given attempt. ok is false when the
// attempt is past the table, meaning the job is out of retries and terminal.
func BackoffDelay(attempt int) (delay time.Duration, ok bool) {
	delay, ok = retryDelays[attempt]
	return delay, ok
}
