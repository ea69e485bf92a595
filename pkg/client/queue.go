package client

import (
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// queued is one message waiting for a connected session. Entries keep FIFO
// order and stay in the queue until the transport write succeeds.
type queued struct {
	ID         string
	EventType  string
	Payload    json.RawMessage
	EnqueuedAt time.Time
}

type queue struct {
	mu      sync.Mutex
	entries []queued
	limit   int // 0 means unbounded
}

func newQueue(limit int) *queue {
	return &queue{limit: limit}
}

func (q *queue) enqueue(eventType string, payload json.RawMessage) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.limit > 0 && len(q.entries) >= q.limit {
		return "", ErrQueueFull
	}

	entry := queued{
		ID:         uuid.New().String(),
		EventType:  eventType,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	q.entries = append(q.entries, entry)
	return entry.ID, nil
}

// peek returns the oldest entry without removing it.
func (q *queue) peek() (queued, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return queued{}, false
	}
	return q.entries[0], true
}

// remove drops the entry with the given ID. Called only after the entry was
// written to the transport successfully.
func (q *queue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, entry := range q.entries {
		if entry.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *queue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.entries)
	q.entries = nil
	return n
}
