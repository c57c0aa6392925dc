package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// ErrVersionNotFound is returned when a journal version does not exist.
var ErrVersionNotFound = errors.New("memory version not found")

// Version is one snapshot of the memory file taken before it was replaced.
type Version struct {
	ID         string    `json:"id"`
	Version    int       `json:"version"`
	Content    string    `json:"content,omitempty"`
	Reason     string    `json:"reason"`
	Supersedes string    `json:"supersedes,omitempty"`
	SizeBytes  int       `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

// Journal keeps versioned backups of the memory text in SQLite.
type Journal struct {
	db   *sql.DB
	path string
}

// OpenJournal opens or creates the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j := &Journal{db: db, path: path}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	_, err := j.db.Exec(`
	CREATE TABLE IF NOT EXISTS memory_versions (
		id          TEXT PRIMARY KEY,
		version     INTEGER NOT NULL UNIQUE,
		content     TEXT NOT NULL,
		reason      TEXT NOT NULL,
		supersedes  TEXT,
		size_bytes  INTEGER NOT NULL,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_versions_created ON memory_versions(created_at DESC);
	`)
	return err
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores content as the next version.
func (j *Journal) Record(ctx context.Context, content, reason string) (*Version, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var prevID string
	var prevVersion int
	err = tx.QueryRowContext(ctx,
		`SELECT id, version FROM memory_versions ORDER BY version DESC LIMIT 1`).Scan(&prevID, &prevVersion)

	v := &Version{
		ID:        ulid.Make().String(),
		Version:   1,
		Content:   content,
		Reason:    reason,
		SizeBytes: len(content),
		CreatedAt: time.Now().UTC(),
	}
	var supersedes *string
	switch {
	case err == nil:
		v.Version = prevVersion + 1
		v.Supersedes = prevID
		supersedes = &prevID
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("latest version: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memory_versions (id, version, content, reason, supersedes, size_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Version, content, reason, supersedes, v.SizeBytes, v.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return v, nil
}

// History lists versions newest first, without content. Limit <= 0 means 20.
func (j *Journal) History(ctx context.Context, limit int) ([]Version, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, version, '', reason, supersedes, size_bytes, created_at
		 FROM memory_versions ORDER BY version DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Get returns one version with its content.
func (j *Journal) Get(ctx context.Context, version int) (*Version, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT id, version, content, reason, supersedes, size_bytes, created_at
		 FROM memory_versions WHERE version = ?`, version)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrVersionNotFound, version)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(s scanner) (Version, error) {
	var v Version
	var supersedes sql.NullString
	var createdAt string
	if err := s.Scan(&v.ID, &v.Version, &v.Content, &v.Reason, &supersedes, &v.SizeBytes, &createdAt); err != nil {
		return v, err
	}
	v.Supersedes = supersedes.String
	v.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return v, nil
}

// Stats describes the journal and the live memory file.
type Stats struct {
	MemoryPath     string    `json:"memory_path"`
	MemoryBytes    int64     `json:"memory_bytes"`
	Blocks         int       `json:"blocks"`
	JournalPath    string    `json:"journal_path"`
	JournalBytes   int64     `json:"journal_bytes"`
	Versions       int       `json:"versions"`
	LatestVersion  int       `json:"latest_version,omitempty"`
	LatestBackupAt time.Time `json:"latest_backup_at,omitempty"`
}

// Stats fills the journal fields of a Stats.
func (j *Journal) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{JournalPath: j.path}
	if info, err := os.Stat(j.path); err == nil {
		st.JournalBytes = info.Size()
	}
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_versions`).Scan(&st.Versions); err != nil {
		return st, err
	}
	if st.Versions == 0 {
		return st, nil
	}
	var createdAt string
	err := j.db.QueryRowContext(ctx,
		`SELECT version, created_at FROM memory_versions ORDER BY version DESC LIMIT 1`).Scan(&st.LatestVersion, &createdAt)
	if err != nil {
		return st, err
	}
	st.LatestBackupAt, _ = time.Parse(time.RFC3339, createdAt)
	return st, nil
}
