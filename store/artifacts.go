package store

import (
	"database/sql"
	"fmt"

	"github.com/stepflow/stepflow/model"
)

const artifactColumns = `id, execution_id, step_id, name, description, declared_path, file_path,
	file_name, file_size, mime_type, artifact_type, tags, created_at, retention_days, missing`

// SaveArtifact upserts an artifact by id.
func (s *Store) SaveArtifact(a *model.Artifact) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO artifacts (`+artifactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ExecutionID, a.StepID, a.Name, a.Description, a.DeclaredPath, a.FilePath,
		a.FileName, a.FileSize, a.MimeType, string(a.Type), marshalJSON(a.Tags),
		formatTime(a.CreatedAt), a.RetentionDays, boolInt(a.Missing),
	)
	return mapError(err, "artifact not found")
}

// GetArtifact loads one artifact by id.
func (s *Store) GetArtifact(id string) (*model.Artifact, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRow(`SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("artifact %s not found", id))
	}
	return a, nil
}

// GetArtifacts returns all artifacts of one execution, oldest first.
func (s *Store) GetArtifacts(executionID string) ([]*model.Artifact, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT `+artifactColumns+` FROM artifacts
		WHERE execution_id = ? ORDER BY created_at ASC, id ASC`, executionID)
	if err != nil {
		return nil, mapError(err, "")
	}
	defer rows.Close()

	list := []*model.Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, mapError(err, "")
		}
		list = append(list, a)
	}
	return list, mapError(rows.Err(), "")
}

func scanArtifact(row scanner) (*model.Artifact, error) {
	var (
		a                  model.Artifact
		stepID, desc       sql.NullString
		declared, fileName sql.NullString
		mimeType, tags     sql.NullString
		created            sql.NullString
		artifactType       string
		missing            int
	)
	err := row.Scan(
		&a.ID, &a.ExecutionID, &stepID, &a.Name, &desc, &declared, &a.FilePath,
		&fileName, &a.FileSize, &mimeType, &artifactType, &tags, &created,
		&a.RetentionDays, &missing,
	)
	if err != nil {
		return nil, err
	}
	a.StepID = stepID.String
	a.Description = desc.String
	a.DeclaredPath = declared.String
	a.FileName = fileName.String
	a.MimeType = mimeType.String
	a.Type = model.ArtifactType(artifactType)
	a.CreatedAt = parseTime(created.String)
	a.Missing = missing != 0
	a.Tags = []string{}
	unmarshalJSON(tags, &a.Tags)
	return &a, nil
}
