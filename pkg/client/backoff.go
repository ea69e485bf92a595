package client

import "time"

var defaultBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

const defaultBackoffCap = 30 * time.Second

// backoffDelay returns the wait before the given attempt. attempt is
// 1-based: the first retry after a failure uses schedule[0]. Attempts past
// the end of the schedule keep the last value, clamped to max.
func backoffDelay(schedule []time.Duration, max time.Duration, attempt int) time.Duration {
	if len(schedule) == 0 {
		schedule = defaultBackoff
	}
	if max <= 0 {
		max = defaultBackoffCap
	}
	if attempt < 1 {
		attempt = 1
	}

	idx := attempt - 1
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}

	delay := schedule[idx]
	if delay > max {
		delay = max
	}
	return delay
}
