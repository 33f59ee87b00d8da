// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause

// Package storage persists policy versions and their rule sets so the
// agent survives restarts with the same active and staged policy.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/flowguard/flowguard/src/agent/pkg/rule"
	"github.com/flowguard/flowguard/src/agent/pkg/version"
)

// Storage defines the interface for policy persistence
type Storage interface {
	// SaveVersion persists a version and its full rule set
	SaveVersion(v *version.Version) error

	// DeleteVersion removes a version and its rules
	DeleteVersion(id string) error

	// Restore loads all persisted versions into the manager
	Restore(m *version.Manager) (int, error)

	// Close closes the storage connection
	Close() error
}

// SQLiteStorage implements Storage using SQLite database
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &SQLiteStorage{db: db}

	// Initialize database schema
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Infof("Policy storage initialized: %s", dbPath)
	return storage, nil
}

// initSchema creates the versions and rules tables if they don't exist
func (s *SQLiteStorage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS versions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		percentage INTEGER NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		parent_id TEXT NOT NULL DEFAULT '',
		seq INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		activated_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS rules (
		version_id TEXT NOT NULL,
		rule_id INTEGER NOT NULL,
		priority INTEGER NOT NULL,
		spec TEXT NOT NULL,
		PRIMARY KEY (version_id, rule_id),
		FOREIGN KEY (version_id) REFERENCES versions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_versions_status ON versions(status);
	CREATE INDEX IF NOT EXISTS idx_versions_target ON versions(target);
	CREATE INDEX IF NOT EXISTS idx_rules_version ON rules(version_id);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// SaveVersion persists a version and its rule set in one transaction.
// Rules are stored as JSON documents; the rule schema evolves faster
// than the table layout.
func (s *SQLiteStorage) SaveVersion(v *version.Version) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	row := tx.QueryRow(`SELECT seq FROM versions WHERE id = ?`, v.ID)
	if err := row.Scan(&seq); err == sql.ErrNoRows {
		if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM versions`).Scan(&seq); err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to look up version: %w", err)
	}

	var activatedAt interface{}
	if !v.ActivatedAt.IsZero() {
		activatedAt = v.ActivatedAt
	}
	_, err = tx.Exec(`
	INSERT INTO versions (id, name, status, percentage, target, parent_id, seq, created_at, updated_at, activated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		status = excluded.status,
		percentage = excluded.percentage,
		target = excluded.target,
		parent_id = excluded.parent_id,
		updated_at = excluded.updated_at,
		activated_at = excluded.activated_at
	`,
		v.ID,
		v.Name,
		string(v.Status),
		v.Percentage,
		v.Target,
		v.ParentID,
		seq,
		v.CreatedAt,
		v.UpdatedAt,
		activatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save version: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM rules WHERE version_id = ?`, v.ID); err != nil {
		return fmt.Errorf("failed to clear rules: %w", err)
	}
	for _, r := range v.Rules.List() {
		spec, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode rule %d: %w", r.ID, err)
		}
		_, err = tx.Exec(`INSERT INTO rules (version_id, rule_id, priority, spec) VALUES (?, ?, ?, ?)`,
			v.ID, r.ID, r.Priority, string(spec))
		if err != nil {
			return fmt.Errorf("failed to save rule %d: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	log.Debugf("Version saved to storage: id=%s rules=%d", v.ID, v.Rules.Snapshot().Len())
	return nil
}

// DeleteVersion removes a version and its rules
func (s *SQLiteStorage) DeleteVersion(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM rules WHERE version_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete rules: %w", err)
	}
	result, err := tx.Exec(`DELETE FROM versions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete version: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("version not found: id=%s", id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	log.Debugf("Version deleted from storage: id=%s", id)
	return nil
}

// Restore loads all persisted versions into the manager in their
// original creation order, so staged canary bucket assignment comes
// out identical across restarts. Returns the number of versions
// restored.
func (s *SQLiteStorage) Restore(m *version.Manager) (int, error) {
	rows, err := s.db.Query(`
	SELECT id, name, status, percentage, target, parent_id, created_at, updated_at, activated_at
	FROM versions
	ORDER BY seq ASC
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()

	var versions []*version.Version
	for rows.Next() {
		var v version.Version
		var status string
		var activatedAt sql.NullTime
		err := rows.Scan(
			&v.ID,
			&v.Name,
			&status,
			&v.Percentage,
			&v.Target,
			&v.ParentID,
			&v.CreatedAt,
			&v.UpdatedAt,
			&activatedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to scan version: %w", err)
		}
		v.Status = version.Status(status)
		if activatedAt.Valid {
			v.ActivatedAt = activatedAt.Time
		}
		versions = append(versions, &v)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating versions: %w", err)
	}

	restored := 0
	for _, v := range versions {
		rules, err := s.loadRules(v.ID)
		if err != nil {
			return restored, err
		}
		if err := m.Restore(v, rules); err != nil {
			return restored, fmt.Errorf("failed to restore version %s: %w", v.ID, err)
		}
		restored++
	}

	log.Infof("Restored %d policy versions from storage", restored)
	return restored, nil
}

// loadRules loads one version's rules in their stored order so
// priority tie-breaks replay identically.
func (s *SQLiteStorage) loadRules(versionID string) ([]*rule.Rule, error) {
	rows, err := s.db.Query(`SELECT spec FROM rules WHERE version_id = ? ORDER BY rowid ASC`, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []*rule.Rule
	for rows.Next() {
		var spec string
		if err := rows.Scan(&spec); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		var r rule.Rule
		if err := json.Unmarshal([]byte(spec), &r); err != nil {
			return nil, fmt.Errorf("failed to decode rule: %w", err)
		}
		rules = append(rules, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rules, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetVersionCount returns the total number of versions in storage
func (s *SQLiteStorage) GetVersionCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM versions`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get version count: %w", err)
	}
	return count, nil
}

// ClearAll removes all persisted state (useful for testing)
func (s *SQLiteStorage) ClearAll() error {
	if _, err := s.db.Exec(`DELETE FROM rules`); err != nil {
		return fmt.Errorf("failed to clear rules: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM versions`); err != nil {
		return fmt.Errorf("failed to clear versions: %w", err)
	}
	log.Info("All persisted policy state cleared")
	return nil
}
