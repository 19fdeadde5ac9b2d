// Package audit keeps the append-only invocation record in audit.db: every
// tool execution and every permission-level change. Argument payloads are
// hashed before they reach the writer, so cleartext args never touch disk.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/valethq/valet/internal/store"
)

// Entry kinds.
const (
	KindTool       = "tool"
	KindPermission = "permission"
)

// Entry is one audit row. The permission fields are set only on
// KindPermission entries.
type Entry struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Timestamp     time.Time `json:"timestamp"`
	ToolName      string    `json:"tool_name,omitempty"`
	ArgsHash      string    `json:"args_hash,omitempty"`
	ResultSummary string    `json:"result_summary"`
	UserIP        string    `json:"user_ip,omitempty"`
	Success       bool      `json:"success"`
	DurationMS    int64     `json:"duration_ms"`
	Sandboxed     bool      `json:"sandboxed"`
	RateLimited   bool      `json:"rate_limited"`
	FromLevel     string    `json:"from_level,omitempty"`
	ToLevel       string    `json:"to_level,omitempty"`
	Source        string    `json:"source,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
}

// PermissionChange describes one permission-level transition for the audit
// log.
type PermissionChange struct {
	From      string
	To        string
	Source    string
	Reason    string
	UserIP    string
	UserAgent string
}

// Filter narrows Query results. Zero values match everything.
type Filter struct {
	Kind    string
	Tool    string
	Success *bool
	Since   time.Time
	Limit   int
}

const (
	defaultBufferSize    = 256
	defaultBatchSize     = 64
	defaultFlushInterval = 2 * time.Second
)

// Log buffers entries on a channel and batches them into SQLite from a
// single writer goroutine. A full buffer falls back to a direct insert so
// records are never dropped.
type Log struct {
	db       *sql.DB
	buffer   chan Entry
	flushReq chan chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	batchSize     int
	flushInterval time.Duration
}

// Open opens (creating if needed) the audit database at path and starts the
// writer goroutine.
func Open(path string) (*Log, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	l := &Log{
		db:            db,
		buffer:        make(chan Entry, defaultBufferSize),
		flushReq:      make(chan chan struct{}),
		done:          make(chan struct{}),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
	}
	if err := l.init(); err != nil {
		db.Close()
		return nil, err
	}

	l.wg.Add(1)
	go l.writeLoop()
	return l, nil
}

func (l *Log) init() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id             TEXT PRIMARY KEY,
			kind           TEXT NOT NULL,
			timestamp      INTEGER NOT NULL,
			tool_name      TEXT NOT NULL DEFAULT '',
			args_hash      TEXT NOT NULL DEFAULT '',
			result_summary TEXT NOT NULL DEFAULT '',
			user_ip        TEXT NOT NULL DEFAULT '',
			success        INTEGER NOT NULL DEFAULT 0,
			duration_ms    INTEGER NOT NULL DEFAULT 0,
			sandboxed      INTEGER NOT NULL DEFAULT 0,
			rate_limited   INTEGER NOT NULL DEFAULT 0,
			from_level     TEXT NOT NULL DEFAULT '',
			to_level       TEXT NOT NULL DEFAULT '',
			source         TEXT NOT NULL DEFAULT '',
			user_agent     TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_audit_tool_ts ON audit_log(tool_name, timestamp);
		CREATE INDEX IF NOT EXISTS idx_audit_kind_ts ON audit_log(kind, timestamp);
	`)
	if err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	return nil
}

// Close flushes buffered entries and closes the database.
func (l *Log) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

// HashArgs returns the short SHA-256 digest recorded in place of arguments.
func HashArgs(args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	h := sha256.Sum256(args)
	return hex.EncodeToString(h[:])[:16]
}

// RecordTool appends a tool execution record.
func (l *Log) RecordTool(ctx context.Context, toolName string, args json.RawMessage, summary, userIP string, success bool, duration time.Duration, sandboxed, rateLimited bool) {
	l.append(Entry{
		Kind:          KindTool,
		ToolName:      toolName,
		ArgsHash:      HashArgs(args),
		ResultSummary: summary,
		UserIP:        userIP,
		Success:       success,
		DurationMS:    duration.Milliseconds(),
		Sandboxed:     sandboxed,
		RateLimited:   rateLimited,
	})
}

// RecordPermissionChange appends a permission-level transition with the
// transition attributes kept as structured columns.
func (l *Log) RecordPermissionChange(ctx context.Context, change PermissionChange) {
	l.append(Entry{
		Kind:          KindPermission,
		FromLevel:     change.From,
		ToLevel:       change.To,
		Source:        change.Source,
		UserIP:        change.UserIP,
		UserAgent:     change.UserAgent,
		ResultSummary: change.Reason,
		Success:       true,
	})
}

func (l *Log) append(e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	select {
	case l.buffer <- e:
	default:
		// Buffer full: insert directly rather than drop the record.
		l.insert([]Entry{e})
	}
}

// Flush blocks until every buffered entry is committed. Intended for tests
// and shutdown paths that read back immediately.
func (l *Log) Flush() {
	reply := make(chan struct{})
	select {
	case l.flushReq <- reply:
		<-reply
	case <-l.done:
	}
}

func (l *Log) writeLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	var pending []Entry
	commit := func() {
		if len(pending) == 0 {
			return
		}
		l.insert(pending)
		pending = pending[:0]
	}
	drain := func() {
		for {
			select {
			case e := <-l.buffer:
				pending = append(pending, e)
			default:
				return
			}
		}
	}

	for {
		select {
		case e := <-l.buffer:
			pending = append(pending, e)
			if len(pending) >= l.batchSize {
				commit()
			}
		case <-ticker.C:
			commit()
		case reply := <-l.flushReq:
			drain()
			commit()
			close(reply)
		case <-l.done:
			drain()
			commit()
			return
		}
	}
}

func (l *Log) insert(entries []Entry) {
	tx, err := l.db.Begin()
	if err != nil {
		return
	}
	defer tx.Rollback()

	for _, e := range entries {
		success, sandboxed, rateLimited := 0, 0, 0
		if e.Success {
			success = 1
		}
		if e.Sandboxed {
			sandboxed = 1
		}
		if e.RateLimited {
			rateLimited = 1
		}
		_, err = tx.Exec(`
			INSERT INTO audit_log (id, kind, timestamp, tool_name, args_hash, result_summary,
				user_ip, success, duration_ms, sandboxed, rate_limited,
				from_level, to_level, source, user_agent)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.Kind, e.Timestamp.UnixNano(), e.ToolName, e.ArgsHash, e.ResultSummary,
			e.UserIP, success, e.DurationMS, sandboxed, rateLimited,
			e.FromLevel, e.ToLevel, e.Source, e.UserAgent)
		if err != nil {
			return
		}
	}
	tx.Commit()
}

// Query returns matching entries, newest first.
func (l *Log) Query(ctx context.Context, f Filter) ([]Entry, error) {
	q := `
		SELECT id, kind, timestamp, tool_name, args_hash, result_summary,
			user_ip, success, duration_ms, sandboxed, rate_limited,
			from_level, to_level, source, user_agent
		FROM audit_log WHERE 1=1
	`
	var args []any
	if f.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if f.Tool != "" {
		q += ` AND tool_name = ?`
		args = append(args, f.Tool)
	}
	if f.Success != nil {
		q += ` AND success = ?`
		if *f.Success {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if !f.Since.IsZero() {
		q += ` AND timestamp >= ?`
		args = append(args, f.Since.UnixNano())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		var success, sandboxed, rateLimited int
		if err := rows.Scan(&e.ID, &e.Kind, &ts, &e.ToolName, &e.ArgsHash, &e.ResultSummary,
			&e.UserIP, &success, &e.DurationMS, &sandboxed, &rateLimited,
			&e.FromLevel, &e.ToLevel, &e.Source, &e.UserAgent); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Timestamp = time.Unix(0, ts)
		e.Success = success == 1
		e.Sandboxed = sandboxed == 1
		e.RateLimited = rateLimited == 1
		out = append(out, e)
	}
	return out, rows.Err()
}
