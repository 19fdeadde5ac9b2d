// Package profile aggregates extracted facts into a sectioned user profile
// and renders the compact summary the dispatcher prepends to model context.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valethq/valet/internal/facts"
)

// Profile sections, in render order.
const (
	SectionPersonalInfo       = "personal_info"
	SectionWork               = "work"
	SectionPreferences        = "preferences"
	SectionSchedulePatterns   = "schedule_patterns"
	SectionCommunicationStyle = "communication_style"
	SectionProjects           = "projects"
)

var sectionOrder = []string{
	SectionPersonalInfo,
	SectionWork,
	SectionPreferences,
	SectionSchedulePatterns,
	SectionCommunicationStyle,
	SectionProjects,
}

var sectionTitles = map[string]string{
	SectionPersonalInfo:       "Personal Info",
	SectionWork:               "Work",
	SectionPreferences:        "Preferences",
	SectionSchedulePatterns:   "Schedule Patterns",
	SectionCommunicationStyle: "Communication Style",
	SectionProjects:           "Projects",
}

// factSections maps fact types to profile sections.
var factSections = map[string]string{
	facts.TypePersonal:   SectionPersonalInfo,
	facts.TypeWork:       SectionWork,
	facts.TypePreference: SectionPreferences,
	facts.TypeTemporal:   SectionSchedulePatterns,
	facts.TypeBehavioral: SectionCommunicationStyle,
	facts.TypeProject:    SectionProjects,
}

// ErrNotFound reports a missing profile entry.
var ErrNotFound = errors.New("profile: not found")

// ErrUnknownSection reports a section outside the fixed set.
var ErrUnknownSection = errors.New("profile: unknown section")

// Entry is one profile value.
type Entry struct {
	Section          string    `json:"section"`
	Key              string    `json:"key"`
	Value            string    `json:"value"`
	Source           string    `json:"source"`
	Confidence       float64   `json:"confidence"`
	IsManualOverride bool      `json:"is_manual_override"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Snapshot is the export/import wire shape.
type Snapshot struct {
	ExportedAt time.Time          `json:"exported_at"`
	Sections   map[string][]Entry `json:"sections"`
}

// Import modes.
const (
	ImportMerge   = "merge"
	ImportReplace = "replace"
)

// Aggregator maintains profile entries in the fact database.
type Aggregator struct {
	db *sql.DB
}

// New creates the aggregator on the fact store's database.
func New(fs *facts.Store) (*Aggregator, error) {
	a := &Aggregator{db: fs.DB()}
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS profile_entries (
			section    TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			source     TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL,
			manual     INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (section, key)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("profile: init schema: %w", err)
	}
	return a, nil
}

// SectionForFactType returns the section a fact type feeds, if any.
func SectionForFactType(factType string) (string, bool) {
	s, ok := factSections[factType]
	return s, ok
}

// Apply folds one fact into the profile. An existing entry is overwritten
// only when the incoming confidence is strictly greater and the entry is not
// a manual override. It reports whether the profile changed.
func (a *Aggregator) Apply(ctx context.Context, f facts.Fact) (bool, error) {
	section, ok := SectionForFactType(f.Type)
	if !ok {
		return false, nil
	}
	source := f.SourceMessageID
	if source == "" {
		source = "extraction"
	}
	return a.upsert(ctx, Entry{
		Section:    section,
		Key:        f.Key,
		Value:      f.Value,
		Source:     source,
		Confidence: f.Confidence,
	})
}

// SetManual writes a manual override. It always wins and is never
// overwritten by extraction.
func (a *Aggregator) SetManual(ctx context.Context, section, key, value string) error {
	if _, ok := sectionTitles[section]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSection, section)
	}
	_, err := a.upsert(ctx, Entry{
		Section:          section,
		Key:              key,
		Value:            value,
		Source:           "manual",
		Confidence:       1.0,
		IsManualOverride: true,
	})
	return err
}

func (a *Aggregator) upsert(ctx context.Context, e Entry) (bool, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("profile: begin upsert: %w", err)
	}
	defer tx.Rollback()

	var existingConf float64
	var existingManual int
	err = tx.QueryRowContext(ctx, `
		SELECT confidence, manual FROM profile_entries WHERE section = ? AND key = ?
	`, e.Section, e.Key).Scan(&existingConf, &existingManual)

	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return false, fmt.Errorf("profile: lookup existing: %w", err)
	}

	if exists && !e.IsManualOverride {
		if existingManual == 1 || e.Confidence <= existingConf {
			return false, tx.Commit()
		}
	}

	manual := 0
	if e.IsManualOverride {
		manual = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO profile_entries (section, key, value, source, confidence, manual, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(section, key) DO UPDATE SET
			value = excluded.value,
			source = excluded.source,
			confidence = excluded.confidence,
			manual = excluded.manual,
			updated_at = excluded.updated_at
	`, e.Section, e.Key, e.Value, e.Source, e.Confidence, manual, time.Now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("profile: upsert: %w", err)
	}
	return true, tx.Commit()
}

// Get returns one entry.
func (a *Aggregator) Get(ctx context.Context, section, key string) (*Entry, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT section, key, value, source, confidence, manual, updated_at
		FROM profile_entries WHERE section = ? AND key = ?
	`, section, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var manual int
	var updatedNS int64
	err := row.Scan(&e.Section, &e.Key, &e.Value, &e.Source, &e.Confidence, &manual, &updatedNS)
	if err != nil {
		return nil, err
	}
	e.IsManualOverride = manual == 1
	e.UpdatedAt = time.Unix(0, updatedNS)
	return &e, nil
}

// Entries returns entries, optionally filtered by section, ordered by
// section then key for stable output.
func (a *Aggregator) Entries(ctx context.Context, section string) ([]Entry, error) {
	q := `
		SELECT section, key, value, source, confidence, manual, updated_at
		FROM profile_entries
	`
	var args []any
	if section != "" {
		q += ` WHERE section = ?`
		args = append(args, section)
	}
	q += ` ORDER BY section ASC, key ASC`

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("profile: entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("profile: scan: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Delete removes one entry.
func (a *Aggregator) Delete(ctx context.Context, section, key string) error {
	res, err := a.db.ExecContext(ctx,
		`DELETE FROM profile_entries WHERE section = ? AND key = ?`, section, key)
	if err != nil {
		return fmt.Errorf("profile: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Rebuild re-derives the profile from every stored fact, respecting the
// overwrite rules. Manual overrides survive.
func (a *Aggregator) Rebuild(ctx context.Context, fs *facts.Store) error {
	all, err := fs.List(ctx, "")
	if err != nil {
		return err
	}
	for _, f := range all {
		if _, err := a.Apply(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// Summary renders the profile as compact markdown, sections in fixed order,
// empty sections omitted. Returns "" for an empty profile.
func (a *Aggregator) Summary(ctx context.Context) (string, error) {
	entries, err := a.Entries(ctx, "")
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}

	bySection := make(map[string][]Entry, len(sectionOrder))
	for _, e := range entries {
		bySection[e.Section] = append(bySection[e.Section], e)
	}

	var b strings.Builder
	for _, section := range sectionOrder {
		group := bySection[section]
		if len(group) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## " + sectionTitles[section] + "\n")
		for _, e := range group {
			b.WriteString("- " + e.Key + ": " + e.Value + "\n")
		}
	}
	return b.String(), nil
}

// Export snapshots every entry.
func (a *Aggregator) Export(ctx context.Context) (*Snapshot, error) {
	entries, err := a.Entries(ctx, "")
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		ExportedAt: time.Now().UTC(),
		Sections:   make(map[string][]Entry),
	}
	for _, e := range entries {
		snap.Sections[e.Section] = append(snap.Sections[e.Section], e)
	}
	return snap, nil
}

// Import loads a snapshot. ImportReplace wipes the profile first;
// ImportMerge folds entries in under the usual overwrite rules, with manual
// entries in the snapshot always applied.
func (a *Aggregator) Import(ctx context.Context, snap *Snapshot, mode string) error {
	switch mode {
	case ImportMerge, ImportReplace:
	default:
		return fmt.Errorf("profile: unknown import mode %q", mode)
	}

	if mode == ImportReplace {
		if _, err := a.db.ExecContext(ctx, `DELETE FROM profile_entries`); err != nil {
			return fmt.Errorf("profile: clear for replace: %w", err)
		}
	}

	for section, entries := range snap.Sections {
		if _, ok := sectionTitles[section]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSection, section)
		}
		for _, e := range entries {
			e.Section = section
			if _, err := a.upsert(ctx, e); err != nil {
				return err
			}
		}
	}
	return nil
}
