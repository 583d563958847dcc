// Schema migrations are forward-only and idempotent, gated by a version row.
// v1: prds, stories, tasks, learnings tables
// v2: task result columns (quality_gate_result, verification_result)
// v3: learnings usage tracking (usage_count, last_used, is_active)
package store

import (
	"database/sql"
	"fmt"

	"autodev/internal/logging"
)

// CurrentSchemaVersion is the schema version this build writes.
const CurrentSchemaVersion = 3

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS prds (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	project TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'DRAFT',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_prds_owner ON prds(user_id, project);

CREATE TABLE IF NOT EXISTS stories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	prd_id INTEGER NOT NULL REFERENCES prds(id) ON DELETE CASCADE,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	acceptance_criteria TEXT NOT NULL DEFAULT '[]',
	priority INTEGER NOT NULL DEFAULT 0,
	order_index INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'PENDING',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stories_prd ON stories(prd_id);

CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	story_id INTEGER NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	order_index INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 2,
	effort TEXT NOT NULL DEFAULT '',
	task_type TEXT NOT NULL DEFAULT '',
	depends_on TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'PENDING',
	error_message TEXT NOT NULL DEFAULT '',
	agent_output TEXT NOT NULL DEFAULT '',
	files_changed TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_story ON tasks(story_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS learnings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	project TEXT NOT NULL DEFAULT '',
	task_id INTEGER,
	category TEXT NOT NULL,
	title TEXT NOT NULL,
	content TEXT NOT NULL,
	relevance_keywords TEXT NOT NULL DEFAULT '[]',
	confidence REAL NOT NULL DEFAULT 0.5,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_learnings_owner ON learnings(user_id, project);
`

// columnMigration adds a column when it is missing. Applying twice is a no-op.
type columnMigration struct {
	Table  string
	Column string
	Def    string
}

var migrationsByVersion = map[int][]columnMigration{
	2: {
		{"tasks", "quality_gate_result", "TEXT NOT NULL DEFAULT ''"},
		{"tasks", "verification_result", "TEXT NOT NULL DEFAULT ''"},
	},
	3: {
		{"learnings", "usage_count", "INTEGER NOT NULL DEFAULT 0"},
		{"learnings", "last_used", "TEXT"},
		{"learnings", "is_active", "INTEGER NOT NULL DEFAULT 1"},
	},
}

// migrate creates the base schema and applies any pending version-gated
// migrations.
func (s *Store) migrate() error {
	timer := logging.StartTimer(logging.CategoryStore, "store.migrate")
	defer timer.Stop()

	if _, err := s.db.Exec(schemaV1); err != nil {
		return fmt.Errorf("base schema: %w", err)
	}

	version, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if version == 0 {
		// Fresh database: record v1 before applying the rest.
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		version = 1
	}

	for v := version + 1; v <= CurrentSchemaVersion; v++ {
		for _, m := range migrationsByVersion[v] {
			if columnExists(s.db, m.Table, m.Column) {
				logging.StoreDebug("column exists, skipping: %s.%s", m.Table, m.Column)
				continue
			}
			query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
			if _, err := s.db.Exec(query); err != nil {
				return fmt.Errorf("migration v%d (%s.%s): %w", v, m.Table, m.Column, err)
			}
			logging.Store("migration applied: %s.%s", m.Table, m.Column)
		}
		if _, err := s.db.Exec("UPDATE schema_version SET version = ?", v); err != nil {
			return fmt.Errorf("update schema version: %w", err)
		}
	}

	return nil
}

// schemaVersion returns the recorded schema version, 0 for a fresh database.
func (s *Store) schemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// columnExists checks for a column using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
