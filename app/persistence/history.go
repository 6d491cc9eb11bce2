package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/osflow/osflow/app/enums"
)

// Event is a single recorded change of a job or one of its tasks
type Event struct {
	ID        int64           `db:"id" json:"id"`
	JobID     string          `db:"job_id" json:"job_id"`
	Type      enums.EventType `db:"type" json:"type"`
	Task      string          `db:"task" json:"task,omitempty"`
	Status    string          `db:"status" json:"status"`
	Message   string          `db:"message" json:"message,omitempty"`
	CreatedAt time.Time       `db:"-" json:"created_at"`
	TS        int64           `db:"created_at" json:"-"`
}

// SQLiteHistory keeps job events in sqlite
type SQLiteHistory struct {
	db *sqlx.DB
}

// NewSQLiteHistory opens (or creates) history database at dbPath
func NewSQLiteHistory(dbPath string) (*SQLiteHistory, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite allows a single writer

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	res := &SQLiteHistory{db: db}
	if err := res.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return res, nil
}

func (h *SQLiteHistory) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			type TEXT NOT NULL,
			task TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_job_id ON events(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at)`,
	}

	for _, query := range queries {
		if _, err := h.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// Record appends event to the history. Zero CreatedAt means now.
func (h *SQLiteHistory) Record(ev Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	ev.TS = ev.CreatedAt.UnixMilli()
	_, err := h.db.NamedExecContext(ctx, `
		INSERT INTO events (job_id, type, task, status, message, created_at)
		VALUES (:job_id, :type, :task, :status, :message, :created_at)`, ev)
	if err != nil {
		return fmt.Errorf("failed to record event for job %s: %w", ev.JobID, err)
	}
	return nil
}

// Events returns recorded events of the job, oldest first
func (h *SQLiteHistory) Events(jobID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	res := []Event{}
	err := h.db.Select(&res, `
		SELECT id, job_id, type, task, status, message, created_at
		FROM events WHERE job_id = ? ORDER BY id ASC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for job %s: %w", jobID, err)
	}
	for i := range res {
		res[i].CreatedAt = time.UnixMilli(res[i].TS).UTC()
	}
	return res, nil
}

// DeleteJob removes all events of the job
func (h *SQLiteHistory) DeleteJob(jobID string) error {
	if _, err := h.db.Exec(`DELETE FROM events WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("failed to delete events for job %s: %w", jobID, err)
	}
	return nil
}

// DeleteOlderThan removes events recorded before now-age, returns number of removed rows
func (h *SQLiteHistory) DeleteOlderThan(age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UnixMilli()
	res, err := h.db.Exec(`DELETE FROM events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get number of deleted events: %w", err)
	}
	return n, nil
}

// Close closes the database connection
func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}
