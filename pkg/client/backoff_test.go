package client

import (
	"testing"
	"time"
)

func TestBackoffDefaultSchedule(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		16 * time.Second, // past the schedule, last entry repeats
		16 * time.Second,
	}

	for i, d := range want {
		got := backoffDelay(nil, 0, i+1)
		if got != d {
			t.Errorf("attempt %d: delay = %v, want %v", i+1, got, d)
		}
	}
}

func TestBackoffCapClampsSchedule(t *testing.T) {
	schedule := []time.Duration{10 * time.Second, 60 * time.Second}

	if got := backoffDelay(schedule, 30*time.Second, 1); got != 10*time.Second {
		t.Errorf("attempt 1: delay = %v, want 10s", got)
	}
	if got := backoffDelay(schedule, 30*time.Second, 2); got != 30*time.Second {
		t.Errorf("attempt 2: delay = %v, want capped 30s", got)
	}
}

func TestBackoffAttemptBelowOne(t *testing.T) {
	if got := backoffDelay(nil, 0, 0); got != 1*time.Second {
		t.Errorf("attempt 0: delay = %v, want 1s", got)
	}
	if got := backoffDelay(nil, 0, -3); got != 1*time.Second {
		t.Errorf("attempt -3: delay = %v, want 1s", got)
	}
}
