// Package schema owns database initialization and versioned migration for
// the shared context store.
package schema

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// CurrentVersion is the current schema version.
const CurrentVersion = 3

// InitDB initializes a new database with the current schema inside one
// transaction.
func InitDB(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := createVersionTable(tx); err != nil {
		return fmt.Errorf("create version table: %w", err)
	}
	if err := createTables(tx); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	if err := createIndexes(tx); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	if err := setSchemaVersion(tx, CurrentVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}

func createVersionTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func setSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version)
	return err
}

// createTables creates all database tables. Timestamps are Unix seconds
// stored as REAL so range filters stay index-friendly.
func createTables(tx *sql.Tx) error {
	tables := []string{
		// Sessions table
		`CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			purpose    TEXT,
			created_by TEXT NOT NULL,
			created_at REAL NOT NULL,
			updated_at REAL NOT NULL,
			is_active  INTEGER NOT NULL DEFAULT 1,
			metadata   TEXT
		)`,

		// Messages table. sender_type is denormalized onto the row so
		// agent-type visibility filtering never needs a join.
		`CREATE TABLE IF NOT EXISTS messages (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT NOT NULL,
			sender      TEXT NOT NULL,
			sender_type TEXT NOT NULL DEFAULT 'generic',
			content     TEXT NOT NULL,
			visibility  TEXT NOT NULL DEFAULT 'public',
			message_type TEXT NOT NULL DEFAULT 'agent_response',
			metadata    TEXT,
			timestamp   REAL NOT NULL,
			parent_message_id INTEGER,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,

		// Agent memory table. session_id '' means global scope; the empty
		// string instead of NULL keeps the primary key enforceable.
		`CREATE TABLE IF NOT EXISTS agent_memory (
			agent_id   TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			metadata   TEXT,
			created_at REAL NOT NULL,
			updated_at REAL NOT NULL,
			expires_at REAL,
			PRIMARY KEY (agent_id, session_id, key)
		)`,

		// Audit log table
		`CREATE TABLE IF NOT EXISTS audit_log (
			id         TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			agent_id   TEXT NOT NULL,
			session_id TEXT,
			metadata   TEXT,
			timestamp  REAL NOT NULL
		)`,

		// Secure tokens table: opaque id -> encrypted inner JWT
		`CREATE TABLE IF NOT EXISTS secure_tokens (
			opaque_id  TEXT PRIMARY KEY,
			ciphertext BLOB NOT NULL,
			agent_id   TEXT NOT NULL,
			created_at REAL NOT NULL,
			expires_at REAL NOT NULL,
			revoked    INTEGER NOT NULL DEFAULT 0
		)`,
	}

	for _, ddl := range tables {
		if _, err := tx.Exec(ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// createIndexes creates all database indexes.
func createIndexes(tx *sql.Tx) error {
	indexes := []string{
		// Message indexes: the canonical visibility query filters by
		// session + timestamp, then by sender/sender_type.
		"CREATE INDEX IF NOT EXISTS idx_messages_session_time ON messages(session_id, timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender)",
		"CREATE INDEX IF NOT EXISTS idx_messages_visibility ON messages(session_id, visibility)",

		// Memory indexes
		"CREATE INDEX IF NOT EXISTS idx_memory_expiry ON agent_memory(expires_at) WHERE expires_at IS NOT NULL",
		"CREATE INDEX IF NOT EXISTS idx_memory_agent ON agent_memory(agent_id, session_id)",

		// Audit indexes
		"CREATE INDEX IF NOT EXISTS idx_audit_agent_time ON audit_log(agent_id, timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_log(event_type, timestamp)",

		// Token indexes
		"CREATE INDEX IF NOT EXISTS idx_tokens_agent ON secure_tokens(agent_id)",
		"CREATE INDEX IF NOT EXISTS idx_tokens_expiry ON secure_tokens(expires_at)",
	}

	for _, ddl := range indexes {
		if _, err := tx.Exec(ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Migrate migrates the database to the current schema version.
func Migrate(db *sql.DB) error {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err == sql.ErrNoRows {
		return InitDB(db)
	}
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}
	if currentVersion == 0 {
		return InitDB(db)
	}
	if currentVersion == CurrentVersion {
		return nil
	}
	if currentVersion < CurrentVersion {
		if err := runMigrations(db, currentVersion, CurrentVersion); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}
	return nil
}

// runMigrations runs all migrations from startVersion to endVersion.
func runMigrations(db *sql.DB, startVersion, endVersion int) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Migration from version 1 to 2: denormalize sender_type onto messages
	if startVersion < 2 && endVersion >= 2 {
		_, err = tx.Exec(`ALTER TABLE messages ADD COLUMN sender_type TEXT NOT NULL DEFAULT 'generic'`)
		if err != nil {
			return fmt.Errorf("add sender_type column: %w", err)
		}
	}

	// Migration from version 2 to 3: token revocation flag
	if startVersion < 3 && endVersion >= 3 {
		_, err = tx.Exec(`ALTER TABLE secure_tokens ADD COLUMN revoked INTEGER NOT NULL DEFAULT 0`)
		if err != nil {
			return fmt.Errorf("add revoked column: %w", err)
		}
	}

	if _, err := tx.Exec("DELETE FROM schema_version"); err != nil {
		return fmt.Errorf("clear schema version: %w", err)
	}
	if err := setSchemaVersion(tx, endVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
