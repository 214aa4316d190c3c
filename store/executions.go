package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	stepflowerrors "github.com/stepflow/stepflow/errors"
	"github.com/stepflow/stepflow/logger"
	"github.com/stepflow/stepflow/model"
)

const executionColumns = `id, name, command, working_directory, environment, user_name, tags,
	metadata, status, exit_code, error_message, created_at, started_at, completed_at,
	total_steps, completed_steps, current_step_index`

// SaveExecution upserts an execution by id.
func (s *Store) SaveExecution(e *model.Execution) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.saveExecutionLocked(s.db, e)
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) saveExecutionLocked(db execer, e *model.Execution) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.Command, e.WorkingDirectory,
		marshalJSON(e.Environment), e.User, marshalJSON(e.Tags), marshalJSON(e.Metadata),
		string(e.Status), nullInt(e.ExitCode), e.ErrorMessage,
		formatTime(e.CreatedAt), formatTimePtr(e.StartedAt), formatTimePtr(e.CompletedAt),
		e.TotalSteps, e.CompletedSteps, e.CurrentStepIndex,
	)
	return mapError(err, "execution not found")
}

// SaveExecutionBatch upserts several executions in one transaction.
func (s *Store) SaveExecutionBatch(list []*model.Execution) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return mapError(err, "")
	}
	for _, e := range list {
		if err := s.saveExecutionLocked(tx, e); err != nil {
			tx.Rollback() //nolint:errcheck
			return err
		}
	}
	return mapError(tx.Commit(), "")
}

// GetExecution loads one execution by id.
func (s *Store) GetExecution(id string) (*model.Execution, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRow(`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("execution %s not found", id))
	}
	return e, nil
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	Status model.ExecutionStatus
	User   string
	Limit  int
	Offset int
}

// ListExecutions returns executions newest first.
func (s *Store) ListExecutions(f ExecutionFilter) ([]*model.Execution, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	var where []string
	var args []interface{}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.User != "" {
		where = append(where, "user_name = ?")
		args = append(args, f.User)
	}
	for i, cond := range where {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at DESC, id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, mapError(err, "")
	}
	defer rows.Close()

	list := []*model.Execution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, mapError(err, "")
		}
		list = append(list, e)
	}
	return list, mapError(rows.Err(), "")
}

// DeleteExecution removes the execution and its steps and artifacts in
// one transaction, then hands the on-disk cleanup to the background
// sweeper. Returns once the database cascade commits.
func (s *Store) DeleteExecution(id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.wmu.Lock()
	tx, err := s.db.Begin()
	if err != nil {
		s.wmu.Unlock()
		return mapError(err, "")
	}
	for _, q := range []string{
		`DELETE FROM artifacts WHERE execution_id = ?`,
		`DELETE FROM steps WHERE execution_id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			tx.Rollback() //nolint:errcheck
			s.wmu.Unlock()
			return mapError(err, "")
		}
	}
	res, err := tx.Exec(`DELETE FROM executions WHERE id = ?`, id)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		s.wmu.Unlock()
		return mapError(err, "")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		tx.Rollback() //nolint:errcheck
		s.wmu.Unlock()
		return &stepflowerrors.NotFoundError{Msg: fmt.Sprintf("execution %s not found", id)}
	}
	if err := tx.Commit(); err != nil {
		s.wmu.Unlock()
		return mapError(err, "")
	}
	s.wmu.Unlock()

	s.logs.Discard(id)
	s.sweeper.Enqueue(id)
	return nil
}

// RecoverInterrupted marks executions left non-terminal by a previous
// process (a crash) as failed, together with their unfinished steps.
// Returns the number of executions transitioned.
func (s *Store) RecoverInterrupted() (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	now := formatTime(model.Now())
	tx, err := s.db.Begin()
	if err != nil {
		return 0, mapError(err, "")
	}
	if _, err := tx.Exec(`
		UPDATE steps SET status = ?, error_message = ?, completed_at = ?
		WHERE status IN (?, ?) AND execution_id IN (
			SELECT id FROM executions WHERE status IN (?, ?)
		)`,
		string(model.StepFailed), "server restarted during execution", now,
		string(model.StepPending), string(model.StepRunning),
		string(model.ExecutionPending), string(model.ExecutionRunning),
	); err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, mapError(err, "")
	}
	res, err := tx.Exec(`
		UPDATE executions SET status = ?, error_message = ?, completed_at = ?
		WHERE status IN (?, ?)`,
		string(model.ExecutionFailed), "server restarted during execution", now,
		string(model.ExecutionPending), string(model.ExecutionRunning),
	)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, mapError(err, "")
	}
	if err := tx.Commit(); err != nil {
		return 0, mapError(err, "")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logger.L.WithField("count", n).Warnln("store: recovered interrupted executions")
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row scanner) (*model.Execution, error) {
	var (
		e                   model.Execution
		env, tags, metadata sql.NullString
		user, errMsg        sql.NullString
		workdir             sql.NullString
		exitCode            sql.NullInt64
		created, started    sql.NullString
		completed           sql.NullString
		status              string
	)
	err := row.Scan(
		&e.ID, &e.Name, &e.Command, &workdir, &env, &user, &tags, &metadata,
		&status, &exitCode, &errMsg, &created, &started, &completed,
		&e.TotalSteps, &e.CompletedSteps, &e.CurrentStepIndex,
	)
	if err != nil {
		return nil, err
	}
	e.WorkingDirectory = workdir.String
	e.User = user.String
	e.ErrorMessage = errMsg.String
	e.Status = model.ExecutionStatus(status)
	e.ExitCode = intPtr(exitCode)
	e.CreatedAt = parseTime(created.String)
	e.StartedAt = parseTimePtr(started)
	e.CompletedAt = parseTimePtr(completed)
	e.Environment = map[string]string{}
	e.Tags = []string{}
	e.Metadata = map[string]interface{}{}
	unmarshalJSON(env, &e.Environment)
	unmarshalJSON(tags, &e.Tags)
	unmarshalJSON(metadata, &e.Metadata)
	return &e, nil
}

func marshalJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func unmarshalJSON(src sql.NullString, dst interface{}) {
	if !src.Valid || src.String == "" {
		return
	}
	_ = json.Unmarshal([]byte(src.String), dst)
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

// formatTime renders a timestamp in the stored wire form: RFC3339 with
// millisecond precision, UTC.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(src sql.NullString) *time.Time {
	if !src.Valid || src.String == "" {
		return nil
	}
	t := parseTime(src.String)
	return &t
}
