// Package facts persists typed (type, key, value) facts about the user in
// facts.db, with a full-text index and a conflict rule that protects manual
// edits from the extractor.
package facts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/valethq/valet/internal/store"
)

// Fact types. Each maps to one profile section.
const (
	TypePersonal   = "personal"
	TypeWork       = "work_context"
	TypePreference = "preference"
	TypeTemporal   = "temporal"
	TypeBehavioral = "behavioral_pattern"
	TypeProject    = "project"
)

// ErrNotFound reports a missing fact.
var ErrNotFound = errors.New("facts: not found")

// Fact is one typed key/value observation about the user.
type Fact struct {
	ID              string
	Type            string
	Key             string
	Value           string
	SourceMessageID string
	Confidence      float64
	Manual          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Store persists facts. (type, key) is unique; conflicts resolve by the
// Upsert rules.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the fact database at path.
func Open(path string) (*Store, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS facts (
			id                TEXT PRIMARY KEY,
			type              TEXT NOT NULL,
			key               TEXT NOT NULL,
			value             TEXT NOT NULL,
			source_message_id TEXT NOT NULL DEFAULT '',
			confidence        REAL NOT NULL,
			manual            INTEGER NOT NULL DEFAULT 0,
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL,
			UNIQUE(type, key)
		);

		CREATE VIRTUAL TABLE IF NOT EXISTS facts_fts USING fts5(
			key, value,
			content='facts',
			content_rowid='rowid'
		);

		CREATE TRIGGER IF NOT EXISTS facts_fts_insert
		AFTER INSERT ON facts BEGIN
			INSERT INTO facts_fts(rowid, key, value) VALUES (new.rowid, new.key, new.value);
		END;

		CREATE TRIGGER IF NOT EXISTS facts_fts_delete
		AFTER DELETE ON facts BEGIN
			INSERT INTO facts_fts(facts_fts, rowid, key, value)
			VALUES ('delete', old.rowid, old.key, old.value);
		END;

		CREATE TRIGGER IF NOT EXISTS facts_fts_update
		AFTER UPDATE ON facts BEGIN
			INSERT INTO facts_fts(facts_fts, rowid, key, value)
			VALUES ('delete', old.rowid, old.key, old.value);
			INSERT INTO facts_fts(rowid, key, value) VALUES (new.rowid, new.key, new.value);
		END;
	`)
	if err != nil {
		return fmt.Errorf("facts: init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the shared handle so the profile aggregator can live in the
// same database file.
func (s *Store) DB() *sql.DB { return s.db }

// Upsert writes a fact, resolving (type, key) conflicts:
//
//   - A manual fact always wins and stays marked manual.
//   - An extracted fact never overwrites a manual one.
//   - Between extracted facts the higher (or equal) confidence wins.
//
// It reports whether the write was applied.
func (s *Store) Upsert(ctx context.Context, f Fact) (bool, error) {
	if f.Type == "" || f.Key == "" {
		return false, errors.New("facts: type and key are required")
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return false, fmt.Errorf("facts: confidence %v out of range [0,1]", f.Confidence)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("facts: begin upsert: %w", err)
	}
	defer tx.Rollback()

	var existingConf float64
	var existingManual int
	err = tx.QueryRowContext(ctx, `
		SELECT confidence, manual FROM facts WHERE type = ? AND key = ?
	`, f.Type, f.Key).Scan(&existingConf, &existingManual)

	now := time.Now().UnixNano()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		manual := 0
		if f.Manual {
			manual = 1
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO facts (id, type, key, value, source_message_id, confidence, manual, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, f.ID, f.Type, f.Key, f.Value, f.SourceMessageID, f.Confidence, manual, now, now)
		if err != nil {
			return false, fmt.Errorf("facts: insert: %w", err)
		}

	case err != nil:
		return false, fmt.Errorf("facts: lookup existing: %w", err)

	default:
		if !f.Manual {
			if existingManual == 1 {
				return false, tx.Commit()
			}
			if f.Confidence < existingConf {
				return false, tx.Commit()
			}
		}
		manual := existingManual
		if f.Manual {
			manual = 1
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE facts
			SET value = ?, source_message_id = ?, confidence = ?, manual = ?, updated_at = ?
			WHERE type = ? AND key = ?
		`, f.Value, f.SourceMessageID, f.Confidence, manual, now, f.Type, f.Key)
		if err != nil {
			return false, fmt.Errorf("facts: update: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("facts: commit upsert: %w", err)
	}
	return true, nil
}

// Get returns the fact at (type, key).
func (s *Store) Get(ctx context.Context, factType, key string) (*Fact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, key, value, source_message_id, confidence, manual, created_at, updated_at
		FROM facts WHERE type = ? AND key = ?
	`, factType, key)
	f, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return f, err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanFact(row rowScanner) (*Fact, error) {
	var f Fact
	var manual int
	var createdNS, updatedNS int64
	err := row.Scan(&f.ID, &f.Type, &f.Key, &f.Value, &f.SourceMessageID,
		&f.Confidence, &manual, &createdNS, &updatedNS)
	if err != nil {
		return nil, err
	}
	f.Manual = manual == 1
	f.CreatedAt = time.Unix(0, createdNS)
	f.UpdatedAt = time.Unix(0, updatedNS)
	return &f, nil
}

// List returns facts, optionally filtered by type, newest first.
func (s *Store) List(ctx context.Context, factType string) ([]Fact, error) {
	q := `
		SELECT id, type, key, value, source_message_id, confidence, manual, created_at, updated_at
		FROM facts
	`
	var args []any
	if factType != "" {
		q += ` WHERE type = ?`
		args = append(args, factType)
	}
	q += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("facts: list: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("facts: scan: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// Delete removes the fact at (type, key).
func (s *Store) Delete(ctx context.Context, factType, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE type = ? AND key = ?`, factType, key)
	if err != nil {
		return fmt.Errorf("facts: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Search runs a full-text query over fact keys and values.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Fact, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	ftsQuery := `"` + strings.ReplaceAll(query, `"`, `""`) + `"`

	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.type, f.key, f.value, f.source_message_id, f.confidence, f.manual, f.created_at, f.updated_at
		FROM facts_fts fts
		JOIN facts f ON f.rowid = fts.rowid
		WHERE facts_fts MATCH ?
		ORDER BY f.updated_at DESC
		LIMIT ?
	`, ftsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("facts: search: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("facts: scan: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}
