package lead

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	leadmodel "github.com/zhouzirui/rag-concierge/backend/internal/model/lead"
)

// CaptureSink receives the contact details of accepted leads.
type CaptureSink interface {
	Record(ctx context.Context, capture leadmodel.Capture) error
}

// LogSink writes captures to the structured log only.
type LogSink struct{}

// Record implements CaptureSink.
func (LogSink) Record(_ context.Context, capture leadmodel.Capture) error {
	log.Info().
		Str("component", "lead").
		Str("sender", capture.SenderID).
		Str("language", capture.Language).
		Time("received_at", capture.ReceivedAt).
		Int("details_length", len(capture.Details)).
		Msg("lead captured")
	return nil
}

// SQLiteSink stores captures in a local SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (and creates if needed) the database at dbPath.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "create database directory")
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	sink := &SQLiteSink{db: db}
	if err := sink.initSchema(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "initialize schema")
	}
	return sink, nil
}

func (s *SQLiteSink) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS lead_captures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id TEXT NOT NULL,
		details TEXT NOT NULL,
		language TEXT NOT NULL,
		received_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_lead_captures_sender_details ON lead_captures(sender_id, details);
	`
	_, err := s.db.Exec(query)
	return errors.Wrap(err, "create schema")
}

// Record implements CaptureSink. Recording the same details of a sender again
// is a no-op, so a resend after a failed acknowledgment keeps one row.
func (s *SQLiteSink) Record(ctx context.Context, capture leadmodel.Capture) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lead_captures (sender_id, details, language, received_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(sender_id, details) DO NOTHING`,
		capture.SenderID, capture.Details, capture.Language, capture.ReceivedAt.UnixMilli(),
	)
	return errors.Wrap(err, "insert lead capture")
}

// List returns the stored captures of senderID, oldest first. An empty
// senderID lists every capture.
func (s *SQLiteSink) List(ctx context.Context, senderID string) ([]leadmodel.Capture, error) {
	query := `SELECT sender_id, details, language, received_at FROM lead_captures`
	var args []any
	if senderID != "" {
		query += ` WHERE sender_id = ?`
		args = append(args, senderID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query lead captures")
	}
	defer rows.Close()

	var captures []leadmodel.Capture
	for rows.Next() {
		var c leadmodel.Capture
		var receivedAt int64
		if err := rows.Scan(&c.SenderID, &c.Details, &c.Language, &receivedAt); err != nil {
			return nil, errors.Wrap(err, "scan lead capture")
		}
		c.ReceivedAt = time.UnixMilli(receivedAt).UTC()
		captures = append(captures, c)
	}
	return captures, errors.Wrap(rows.Err(), "iterate lead captures")
}

// Close releases the database handle.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
