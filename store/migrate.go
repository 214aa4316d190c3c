package store

import (
	"database/sql"
	"strconv"

	"github.com/pkg/errors"
)

// migrations are applied in order; PRAGMA user_version records the last
// applied index.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS executions (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	command            TEXT NOT NULL,
	working_directory  TEXT,
	environment        TEXT,
	user_name          TEXT,
	tags               TEXT,
	metadata           TEXT,
	status             TEXT NOT NULL,
	exit_code          INTEGER,
	error_message      TEXT,
	created_at         TEXT NOT NULL,
	started_at         TEXT,
	completed_at       TEXT,
	total_steps        INTEGER DEFAULT 0,
	completed_steps    INTEGER DEFAULT 0,
	current_step_index INTEGER DEFAULT -1
);

CREATE TABLE IF NOT EXISTS steps (
	id                 TEXT PRIMARY KEY,
	execution_id       TEXT NOT NULL REFERENCES executions (id),
	step_index         INTEGER NOT NULL,
	name               TEXT NOT NULL,
	description        TEXT,
	status             TEXT NOT NULL,
	exit_code          INTEGER,
	error_message      TEXT,
	created_at         TEXT NOT NULL,
	started_at         TEXT,
	completed_at       TEXT,
	stop_on_error      INTEGER DEFAULT 1,
	estimated_duration REAL,
	metadata           TEXT,
	UNIQUE (execution_id, step_index)
);

CREATE TABLE IF NOT EXISTS artifacts (
	id             TEXT PRIMARY KEY,
	execution_id   TEXT NOT NULL REFERENCES executions (id),
	step_id        TEXT,
	name           TEXT NOT NULL,
	description    TEXT,
	declared_path  TEXT,
	file_path      TEXT NOT NULL,
	file_name      TEXT,
	file_size      INTEGER DEFAULT 0,
	mime_type      TEXT,
	artifact_type  TEXT,
	tags           TEXT,
	created_at     TEXT NOT NULL,
	retention_days INTEGER DEFAULT 0,
	missing        INTEGER DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions (status);
CREATE INDEX IF NOT EXISTS idx_steps_execution ON steps (execution_id, step_index);
CREATE INDEX IF NOT EXISTS idx_artifacts_execution ON artifacts (execution_id);
`,
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return errors.Wrap(err, "read schema version")
	}
	for i := version; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback() //nolint:errcheck
			return errors.Wrapf(err, "apply migration %d", i+1)
		}
		// PRAGMA cannot take a bind parameter.
		if _, err := tx.Exec(setUserVersion(i + 1)); err != nil {
			tx.Rollback() //nolint:errcheck
			return errors.Wrapf(err, "record schema version %d", i+1)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func setUserVersion(v int) string {
	// v is a migration index, never user input.
	return "PRAGMA user_version = " + strconv.Itoa(v)
}
