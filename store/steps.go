package store

import (
	"database/sql"
	"fmt"

	"github.com/stepflow/stepflow/model"
)

const stepColumns = `id, execution_id, step_index, name, description, status, exit_code,
	error_message, created_at, started_at, completed_at, stop_on_error, estimated_duration, metadata`

// SaveStep upserts a step by id.
func (s *Store) SaveStep(st *model.Step) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO steps (`+stepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.ExecutionID, st.Index, st.Name, st.Description, string(st.Status),
		nullInt(st.ExitCode), st.ErrorMessage,
		formatTime(st.CreatedAt), formatTimePtr(st.StartedAt), formatTimePtr(st.CompletedAt),
		boolInt(st.StopOnError), st.EstimatedDuration, marshalJSON(st.Metadata),
	)
	return mapError(err, "step not found")
}

// GetSteps returns all steps of one execution ordered by index.
func (s *Store) GetSteps(executionID string) ([]*model.Step, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT `+stepColumns+` FROM steps
		WHERE execution_id = ? ORDER BY step_index ASC`, executionID)
	if err != nil {
		return nil, mapError(err, "")
	}
	defer rows.Close()

	list := []*model.Step{}
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, mapError(err, "")
		}
		list = append(list, st)
	}
	return list, mapError(rows.Err(), "")
}

// GetStep loads one step by id.
func (s *Store) GetStep(id string) (*model.Step, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRow(`SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	st, err := scanStep(row)
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("step %s not found", id))
	}
	return st, nil
}

func scanStep(row scanner) (*model.Step, error) {
	var (
		st                model.Step
		desc, errMsg      sql.NullString
		metadata          sql.NullString
		exitCode          sql.NullInt64
		created, started  sql.NullString
		completed         sql.NullString
		stopOnError       int
		estimatedDuration sql.NullFloat64
		status            string
	)
	err := row.Scan(
		&st.ID, &st.ExecutionID, &st.Index, &st.Name, &desc, &status, &exitCode,
		&errMsg, &created, &started, &completed, &stopOnError, &estimatedDuration, &metadata,
	)
	if err != nil {
		return nil, err
	}
	st.Description = desc.String
	st.ErrorMessage = errMsg.String
	st.Status = model.StepStatus(status)
	st.ExitCode = intPtr(exitCode)
	st.CreatedAt = parseTime(created.String)
	st.StartedAt = parseTimePtr(started)
	st.CompletedAt = parseTimePtr(completed)
	st.StopOnError = stopOnError != 0
	st.EstimatedDuration = estimatedDuration.Float64
	st.Metadata = map[string]interface{}{}
	unmarshalJSON(metadata, &st.Metadata)
	return &st, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
