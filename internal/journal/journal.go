package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	// SQLite driver, referenced only via the connection string.
	_ "github.com/mattn/go-sqlite3"
)

// Event is one recorded broadcast. Payload stays raw: the journal is an
// audit and catch-up log, not a consumer of event contents.
type Event struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload    TEXT NOT NULL,
	timestamp  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_tenant_time ON events(tenant_id, timestamp DESC);
`

// Journal persists broadcast events to SQLite. All writes funnel through
// a single goroutine: SQLite allows concurrent readers under WAL but only
// one writer, so serializing writes in-process avoids lock contention
// entirely.
type Journal struct {
	db           *sql.DB
	writeChannel chan writeOperation
	writeTimeout time.Duration
	shutdown     chan struct{}
	wg           sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// Open creates (or opens) the journal database at path and ensures the
// schema exists.
func Open(path string, writeTimeout time.Duration) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	j := &Journal{
		db:           db,
		writeChannel: make(chan writeOperation, 100),
		writeTimeout: writeTimeout,
		shutdown:     make(chan struct{}),
	}

	j.wg.Add(1)
	go j.writeLoop()

	return j, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// writeLoop processes all write operations in a single goroutine.
// A failed write is retried once after a short delay; the journal is an
// audit trail, so a second failure is logged and reported, not fatal.
func (j *Journal) writeLoop() {
	defer j.wg.Done()

	for {
		select {
		case op := <-j.writeChannel:
			err := op.operation(j.db)
			if err != nil {
				log.Printf("journal: write failed, retrying: %v", err)
				time.Sleep(100 * time.Millisecond)
				err = op.operation(j.db)
				if err != nil {
					log.Printf("journal: write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-j.shutdown:
			return
		}
	}
}

func (j *Journal) executeWrite(operation func(*sql.DB) error) error {
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return fmt.Errorf("journal is closed")
	}
	j.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case j.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(j.writeTimeout):
		return fmt.Errorf("journal write timeout")
	case <-j.shutdown:
		return fmt.Errorf("journal is shutting down")
	}
}

// Record persists one broadcast event.
func (j *Journal) Record(ctx context.Context, tenantID, eventType string, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	event := &Event{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	return j.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO events (id, tenant_id, event_type, payload, timestamp)
			VALUES (?, ?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query,
			event.ID,
			event.TenantID,
			event.EventType,
			string(event.Payload),
			event.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		return nil
	})
}

// Recent returns up to limit events for a tenant, most recent first.
// Reads are concurrent; only writes are serialized.
func (j *Journal) Recent(ctx context.Context, tenantID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, tenant_id, event_type, payload, timestamp
		FROM events
		WHERE tenant_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := j.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		var event Event
		var payload string

		if err := rows.Scan(&event.ID, &event.TenantID, &event.EventType, &payload, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		event.Payload = json.RawMessage(payload)
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}

	return events, nil
}

// Prune deletes events older than the cutoff, returning the number removed.
func (j *Journal) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	var removed int64
	err := j.executeWrite(func(db *sql.DB) error {
		result, err := db.ExecContext(ctx, "DELETE FROM events WHERE timestamp < ?", olderThan.UTC())
		if err != nil {
			return fmt.Errorf("failed to prune events: %w", err)
		}
		removed, _ = result.RowsAffected()
		return nil
	})
	return removed, err
}

// HealthCheck validates journal connectivity and readability.
func (j *Journal) HealthCheck(ctx context.Context) error {
	if err := j.db.PingContext(ctx); err != nil {
		return fmt.Errorf("journal ping failed: %w", err)
	}
	if _, err := j.db.QueryContext(ctx, "SELECT COUNT(*) FROM events LIMIT 1"); err != nil {
		return fmt.Errorf("journal read test failed: %w", err)
	}
	return nil
}

// Close shuts down the write loop and releases the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.shutdown)
	j.wg.Wait()

	if err := j.db.Close(); err != nil {
		return fmt.Errorf("failed to close journal database: %w", err)
	}
	return nil
}
