// Package alerts persists operator-facing alerts in alerts.db with per-type
// rate limiting so a flapping subsystem cannot flood the store.
package alerts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/valethq/valet/internal/store"
)

// Severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Rate limit defaults: at most maxPerWindow alerts of one type per window.
const (
	defaultMaxPerWindow = 3
	defaultWindow       = time.Hour
)

// ErrNotFound reports a missing alert.
var ErrNotFound = errors.New("alerts: not found")

// Alert is one operator-facing notification.
type Alert struct {
	ID           string
	Type         string
	Severity     string
	Title        string
	Message      string
	CreatedAt    time.Time
	Acknowledged bool
}

// Store persists alerts.
type Store struct {
	db           *sql.DB
	maxPerWindow int
	window       time.Duration
	now          func() time.Time
}

// Open opens (creating if needed) the alert database at path.
func Open(path string) (*Store, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:           db,
		maxPerWindow: defaultMaxPerWindow,
		window:       defaultWindow,
		now:          time.Now,
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS alerts (
			id           TEXT PRIMARY KEY,
			type         TEXT NOT NULL,
			severity     TEXT NOT NULL,
			title        TEXT NOT NULL,
			message      TEXT NOT NULL DEFAULT '',
			created_at   INTEGER NOT NULL,
			acknowledged INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_type_created ON alerts(type, created_at);
	`)
	if err != nil {
		return fmt.Errorf("alerts: init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SetRateLimit overrides the per-type raise limit.
func (s *Store) SetRateLimit(maxPerWindow int, window time.Duration) {
	if maxPerWindow > 0 {
		s.maxPerWindow = maxPerWindow
	}
	if window > 0 {
		s.window = window
	}
}

// Raise records an alert unless the per-type rate limit is exhausted. It
// reports whether the alert was stored; a suppressed alert is not an error.
func (s *Store) Raise(ctx context.Context, a Alert) (bool, error) {
	if a.Type == "" {
		return false, errors.New("alerts: type is required")
	}
	if a.Severity == "" {
		a.Severity = SeverityWarning
	}

	now := s.now()
	cutoff := now.Add(-s.window).UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("alerts: begin raise: %w", err)
	}
	defer tx.Rollback()

	var recent int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM alerts WHERE type = ? AND created_at > ?
	`, a.Type, cutoff).Scan(&recent)
	if err != nil {
		return false, fmt.Errorf("alerts: count recent: %w", err)
	}
	if recent >= s.maxPerWindow {
		return false, tx.Commit()
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO alerts (id, type, severity, title, message, created_at, acknowledged)
		VALUES (?, ?, ?, ?, ?, ?, 0)
	`, a.ID, a.Type, a.Severity, a.Title, a.Message, now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("alerts: insert: %w", err)
	}
	return true, tx.Commit()
}

// Acknowledge marks an alert as seen.
func (s *Store) Acknowledge(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE alerts SET acknowledged = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("alerts: acknowledge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns alerts newest first. With onlyOpen set, acknowledged alerts
// are excluded.
func (s *Store) List(ctx context.Context, onlyOpen bool, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `
		SELECT id, type, severity, title, message, created_at, acknowledged
		FROM alerts
	`
	if onlyOpen {
		q += ` WHERE acknowledged = 0`
	}
	q += ` ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("alerts: list: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		var createdNS int64
		var acked int
		if err := rows.Scan(&a.ID, &a.Type, &a.Severity, &a.Title, &a.Message, &createdNS, &acked); err != nil {
			return nil, fmt.Errorf("alerts: scan: %w", err)
		}
		a.CreatedAt = time.Unix(0, createdNS)
		a.Acknowledged = acked == 1
		out = append(out, a)
	}
	return out, rows.Err()
}
