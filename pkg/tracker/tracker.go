package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quizcraft/quizcraft/pkg/models"
)

// Tracker records and queries units billed by remote calls.
type Tracker interface {
	// Record stores a usage record. A zero CreatedAt means now.
	Record(ctx context.Context, rec models.UsageRecord) error
	// Query returns usage records since a given time, newest first.
	// An empty model matches every model.
	Query(ctx context.Context, model string, since time.Time) ([]models.UsageRecord, error)
	// Total returns total units used since a given time.
	Total(ctx context.Context, since time.Time) (int64, error)
	// TotalByModel returns total units used by a model since a given time.
	TotalByModel(ctx context.Context, model string, since time.Time) (int64, error)
	// Summary returns usage aggregated per model, optionally filtered.
	Summary(ctx context.Context, model string) ([]models.UsageSummary, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	model TEXT NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	input_units INTEGER NOT NULL,
	output_units INTEGER NOT NULL,
	total_units INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_model_time ON usage_records(model, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_time ON usage_records(created_at);
`

// New creates a SQLiteTracker and runs auto-migration. The ledger may share
// a database file with the response cache.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

// Record stores a usage record.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.UsageRecord) error {
	if rec.TotalUnits == 0 {
		rec.TotalUnits = rec.InputUnits + rec.OutputUnits
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO usage_records (model, fingerprint, input_units, output_units, total_units, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Model, string(rec.Fingerprint), rec.InputUnits, rec.OutputUnits, rec.TotalUnits, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Query returns usage records since a given time.
func (t *SQLiteTracker) Query(ctx context.Context, model string, since time.Time) ([]models.UsageRecord, error) {
	query := `SELECT id, model, fingerprint, input_units, output_units, total_units, created_at
		 FROM usage_records WHERE created_at >= ?`
	args := []any{since.UnixNano()}
	if model != "" {
		query += ` AND model = ?`
		args = append(args, model)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var (
			r         models.UsageRecord
			fp        string
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.Model, &fp, &r.InputUnits, &r.OutputUnits, &r.TotalUnits, &createdAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		r.Fingerprint = models.Fingerprint(fp)
		r.CreatedAt = time.Unix(0, createdAt).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// Total returns total units used since a given time.
func (t *SQLiteTracker) Total(ctx context.Context, since time.Time) (int64, error) {
	var total int64
	err := t.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_units), 0) FROM usage_records WHERE created_at >= ?`,
		since.UnixNano(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total usage: %w", err)
	}
	return total, nil
}

// TotalByModel returns total units used by a model since a given time.
func (t *SQLiteTracker) TotalByModel(ctx context.Context, model string, since time.Time) (int64, error) {
	var total int64
	err := t.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_units), 0) FROM usage_records WHERE model = ? AND created_at >= ?`,
		model, since.UnixNano(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total usage by model: %w", err)
	}
	return total, nil
}

// Summary returns aggregated usage grouped by model.
func (t *SQLiteTracker) Summary(ctx context.Context, model string) ([]models.UsageSummary, error) {
	query := `SELECT model, COUNT(*), SUM(input_units), SUM(output_units), SUM(total_units)
		 FROM usage_records`
	var args []any
	if model != "" {
		query += ` WHERE model = ?`
		args = append(args, model)
	}
	query += ` GROUP BY model ORDER BY model`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.Model, &s.RequestCount, &s.TotalInput, &s.TotalOutput, &s.TotalUnits); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
