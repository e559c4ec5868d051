package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/models"
)

// Tracker records and queries per-request usage. It is an analytics log;
// balances are never derived from it.
type Tracker interface {
	// Record stores a usage record.
	Record(ctx context.Context, rec models.UsageRecord) error
	// Since returns records created at or after since, newest first.
	Since(ctx context.Context, since time.Time) ([]models.UsageRecord, error)
	// Summary returns usage aggregated per model since a given time.
	Summary(ctx context.Context, since time.Time) ([]models.UsageSummary, error)
	// Cleanup deletes records older than the retention window.
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db   *sql.DB
	done chan struct{}
	wg   sync.WaitGroup
}

const createTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL DEFAULT '',
	requested_model TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost REAL NOT NULL DEFAULT 0,
	truncated INTEGER NOT NULL DEFAULT 0,
	fallback INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_time ON usage_records(created_at);
CREATE INDEX IF NOT EXISTS idx_usage_model_time ON usage_records(model, created_at);
`

// New opens the usage database and runs auto-migration. When retention is
// positive, records older than it are purged hourly until Close.
func New(dbPath string, retention time.Duration) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	t := &SQLiteTracker{db: db, done: make(chan struct{})}
	if retention > 0 {
		t.wg.Add(1)
		go t.retentionLoop(retention)
	}
	return t, nil
}

// Record stores a usage record.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO usage_records (request_id, requested_model, model, input_tokens, output_tokens, cost, truncated, fallback, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.RequestedModel, rec.Model, rec.InputTokens, rec.OutputTokens,
		rec.Cost, rec.Truncated, rec.Fallback, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Since returns records created at or after since, newest first.
func (t *SQLiteTracker) Since(ctx context.Context, since time.Time) ([]models.UsageRecord, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, request_id, requested_model, model, input_tokens, output_tokens, cost, truncated, fallback, created_at
		 FROM usage_records WHERE created_at >= ? ORDER BY created_at DESC, id DESC`,
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		if err := rows.Scan(&r.ID, &r.RequestID, &r.RequestedModel, &r.Model, &r.InputTokens, &r.OutputTokens,
			&r.Cost, &r.Truncated, &r.Fallback, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Summary returns usage aggregated per model since a given time.
func (t *SQLiteTracker) Summary(ctx context.Context, since time.Time) ([]models.UsageSummary, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT model, COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cost)
		 FROM usage_records WHERE created_at >= ? GROUP BY model ORDER BY model`,
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.Model, &s.RequestCount, &s.InputTokens, &s.OutputTokens, &s.Cost); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Cleanup deletes records older than retention.
func (t *SQLiteTracker) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := t.db.ExecContext(ctx, `DELETE FROM usage_records WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("usage cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (t *SQLiteTracker) Close() error {
	close(t.done)
	t.wg.Wait()
	return t.db.Close()
}

func (t *SQLiteTracker) retentionLoop(retention time.Duration) {
	defer t.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			_, _ = t.Cleanup(context.Background(), retention)
		}
	}
}
