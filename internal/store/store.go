// Package store persists agents, schedules, metrics, the activity log,
// pending activations, profiles, and topology in a single-file SQLite
// database. Migrations are additive and idempotent; they run on every Open.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jaakkos/loopfactory/internal/timeutil"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrEmptyUpdate is returned when a partial update carries no fields.
var ErrEmptyUpdate = errors.New("no fields to update")

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	display_name TEXT,
	bio TEXT,
	status TEXT DEFAULT 'DESIGN',
	activation_url TEXT,
	ghost_md TEXT,
	shell_md TEXT,
	is_protected INTEGER DEFAULT 0,
	created_at TEXT,
	registered_at TEXT,
	activated_at TEXT,
	retired_at TEXT,
	last_heartbeat TEXT
);
CREATE TABLE IF NOT EXISTS metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT REFERENCES agents(id),
	recorded_at TEXT,
	total_bucks INTEGER,
	follower_count INTEGER,
	following_count INTEGER,
	post_count INTEGER,
	comment_count INTEGER,
	upvote_count INTEGER
);
CREATE TABLE IF NOT EXISTS activity_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT REFERENCES agents(id),
	activity_type TEXT,
	details TEXT,
	success INTEGER,
	created_at TEXT
);
CREATE TABLE IF NOT EXISTS pending_activation (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT REFERENCES agents(id),
	activation_url TEXT NOT NULL,
	created_at TEXT,
	last_checked TEXT,
	check_count INTEGER DEFAULT 0
);
CREATE TABLE IF NOT EXISTS agent_schedule (
	agent_id TEXT PRIMARY KEY,
	next_run_at TEXT,
	last_run_at TEXT,
	policy TEXT,
	reason TEXT,
	priority INTEGER DEFAULT 0,
	interval_minutes INTEGER,
	updated_at TEXT
);
CREATE TABLE IF NOT EXISTS loop_sites (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at TEXT
);
CREATE TABLE IF NOT EXISTS loop_nodes (
	id TEXT PRIMARY KEY,
	site_id TEXT NOT NULL,
	name TEXT NOT NULL,
	created_at TEXT,
	FOREIGN KEY(site_id) REFERENCES loop_sites(id)
);
CREATE TABLE IF NOT EXISTS profile_envs (
	name TEXT PRIMARY KEY,
	data TEXT
);
CREATE TABLE IF NOT EXISTS profile_mcp_configs (
	name TEXT PRIMARY KEY,
	servers TEXT
);
CREATE TABLE IF NOT EXISTS agent_profiles (
	name TEXT PRIMARY KEY,
	env_ref TEXT,
	mcp_ref TEXT,
	use_mcp_default INTEGER DEFAULT 0,
	system_prompt_mode TEXT DEFAULT 'default',
	model TEXT
);
`

const indexes = `
CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
CREATE INDEX IF NOT EXISTS idx_metrics_agent_recorded ON metrics(agent_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_activity_agent_created ON activity_log(agent_id, created_at);
`

// Store wraps the SQLite database. One logical writer at a time; readers may
// run concurrently against the WAL.
type Store struct {
	db     *sql.DB
	logger *log.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the database at path, runs migrations, and
// seeds the default site/node/profile rows.
func Open(path string, logger *log.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("store mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store schema: %w", err)
	}
	if _, err := db.Exec(indexes); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store indexes: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store migrations: %w", err)
	}
	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.seedDefaults(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store seeds: %w", err)
	}
	return s, nil
}

// runMigrations adds columns that may be missing in databases created by
// older versions. Each column is checked before the ALTER so the pass is
// idempotent and never drops anything.
func runMigrations(db *sql.DB) error {
	agentColumns := []struct{ name, def string }{
		{"activity_status", "activity_status TEXT"},
		{"profile_name", "profile_name TEXT"},
		{"use_mcp", "use_mcp INTEGER DEFAULT 0"},
		{"model", "model TEXT"},
		{"site_id", "site_id TEXT DEFAULT 'site_default'"},
		{"node_id", "node_id TEXT DEFAULT 'node_default'"},
	}
	for _, col := range agentColumns {
		exists, err := columnExists(db, "agents", col.name)
		if err != nil {
			return err
		}
		if !exists {
			if _, err := db.Exec("ALTER TABLE agents ADD COLUMN " + col.def); err != nil {
				return fmt.Errorf("add agents.%s: %w", col.name, err)
			}
		}
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// seedDefaults inserts the default topology and profile rows. INSERT OR
// IGNORE keeps existing rows untouched.
func (s *Store) seedDefaults() error {
	now := timeutil.Format(s.now())
	seeds := []struct {
		query string
		args  []any
	}{
		{"INSERT OR IGNORE INTO loop_sites (id, name, created_at) VALUES ('site_default', 'Default Site', ?)", []any{now}},
		{"INSERT OR IGNORE INTO loop_nodes (id, site_id, name, created_at) VALUES ('node_default', 'site_default', 'Default Node', ?)", []any{now}},
		{"INSERT OR IGNORE INTO profile_envs (name, data) VALUES ('default', '{}')", nil},
		{"INSERT OR IGNORE INTO profile_mcp_configs (name, servers) VALUES ('default', '[]')", nil},
		{"INSERT OR IGNORE INTO agent_profiles (name, env_ref, mcp_ref, use_mcp_default, system_prompt_mode) VALUES ('default', 'default', 'default', 0, 'default')", nil},
	}
	for _, seed := range seeds {
		if _, err := s.db.Exec(seed.query, seed.args...); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// nullableTime converts a stored string to a time, treating NULL and "" as
// the zero time.
func nullableTime(ns sql.NullString, context string) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	t, err := timeutil.Parse(ns.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", context, err)
	}
	return t, nil
}

// timeArg converts a time to its stored representation, mapping zero to NULL.
func timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return timeutil.Format(t)
}

func boolArg(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
