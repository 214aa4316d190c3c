// Package store is the persistence layer: an embedded SQLite database
// for execution metadata plus an on-disk tree for step logs and
// artifact files.
//
// Concurrency discipline: one *sql.DB configured for WAL journaling.
// Writes are serialized through a mutex; reads go straight to the pool
// because WAL keeps readers unblocked by the single writer.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	stepflowerrors "github.com/stepflow/stepflow/errors"
	"github.com/stepflow/stepflow/logger"
)

const dbFileName = "stepflow.db"

// Options tunes the store. Zero values fall back to the defaults.
type Options struct {
	// StepLogBufferSize bounds the lines buffered per log file before
	// an inline flush is forced on the caller.
	StepLogBufferSize int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.StepLogBufferSize <= 0 {
		out.StepLogBufferSize = 1024
	}
	return out
}

// Store provides durable reads and writes for executions, steps and
// artifacts, and owns the on-disk log and artifact trees.
type Store struct {
	root string
	opts Options

	wmu sync.Mutex // serializes writes; readers bypass it
	db  *sql.DB

	logs    *LogWriter
	sweeper *Sweeper

	mu          sync.Mutex
	initialized bool
}

// New creates a store rooted at the given storage path. Init must be
// called before use.
func New(root string, opts Options) *Store {
	return &Store{root: root, opts: opts.withDefaults()}
}

// DatabasePath returns the SQLite file location.
func (s *Store) DatabasePath() string {
	return filepath.Join(s.root, "database", dbFileName)
}

// ExecutionLogDir returns the directory holding one execution's step logs.
func (s *Store) ExecutionLogDir(executionID string) string {
	return filepath.Join(s.root, "executions", executionID)
}

// ArtifactDir returns the directory holding one artifact's file.
func (s *Store) ArtifactDir(executionID, artifactID string) string {
	return filepath.Join(s.root, "artifacts", executionID, artifactID)
}

// Init creates the directory tree, opens the database, applies
// migrations and starts the background workers. Idempotent.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	for _, dir := range []string{
		s.root,
		filepath.Join(s.root, "database"),
		filepath.Join(s.root, "executions"),
		filepath.Join(s.root, "artifacts"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &stepflowerrors.IOError{Msg: fmt.Sprintf("create storage directory %s: %s", dir, err)}
		}
	}

	// Per-connection pragmas ride on the DSN so every pooled
	// connection is tuned identically. synchronous=NORMAL trades the
	// last few hundred milliseconds of commits on power loss for not
	// fsyncing every transaction; WAL keeps dashboard reads unblocked
	// by engine writes.
	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=on&_cache_size=-10240",
		s.DatabasePath(),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if _, err := db.Exec("PRAGMA mmap_size = 268435456"); err != nil {
		db.Close()
		return errors.Wrap(err, "configure mmap")
	}

	if err := migrate(db); err != nil {
		db.Close()
		return errors.Wrap(err, "migrate database")
	}

	s.db = db
	s.logs = newLogWriter(s.root, s.opts.StepLogBufferSize)
	s.sweeper = newSweeper(s.root)
	s.initialized = true

	logger.L.WithField("path", s.root).Infoln("store: initialized")
	return nil
}

func (s *Store) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return &stepflowerrors.StoreUnavailableError{Msg: "store is not initialized"}
	}
	return nil
}

// Optimize checkpoints the write-ahead log, refreshes planner
// statistics and verifies integrity. Exposed on /api/health/optimize.
func (s *Store) Optimize() error {
	if err := s.ready(); err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.Wrap(err, "wal checkpoint")
	}
	if _, err := s.db.Exec("ANALYZE"); err != nil {
		return errors.Wrap(err, "analyze")
	}
	var result string
	if err := s.db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return errors.Wrap(err, "integrity check")
	}
	if result != "ok" {
		return &stepflowerrors.IOError{Msg: "database integrity check failed: " + result}
	}
	return nil
}

// Close flushes buffered logs, stops the background workers and closes
// the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initialized = false
	s.mu.Unlock()

	var result error
	if err := s.logs.Close(); err != nil {
		result = multiappend(result, err)
	}
	s.sweeper.Close()
	if err := s.db.Close(); err != nil {
		result = multiappend(result, errors.Wrap(err, "close database"))
	}
	return result
}

func multiappend(err error, errs ...error) error {
	return multierror.Append(err, errs...).ErrorOrNil()
}

// mapError translates driver errors into the shared taxonomy.
func mapError(err error, notFoundMsg string) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return &stepflowerrors.NotFoundError{Msg: notFoundMsg}
	}
	if sqliteErr, ok := err.(sqlite3.Error); ok {
		if sqliteErr.Code == sqlite3.ErrConstraint {
			return &stepflowerrors.ConflictError{Msg: err.Error()}
		}
		if sqliteErr.Code == sqlite3.ErrIoErr || sqliteErr.Code == sqlite3.ErrFull {
			return &stepflowerrors.IOError{Msg: err.Error()}
		}
	}
	return err
}
