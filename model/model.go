// Package model holds the entities shared by the engine, store, hub and
// HTTP surface: Execution, Step, Artifact and LogEntry.
package model

import (
	"time"

	"github.com/gofrs/uuid"
)

// ExecutionStatus enumerates the execution lifecycle. The terminal
// statuses (completed, failed, cancelled) are final.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further mutation of the execution is allowed.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// Valid reports whether s is a known execution status. Used to validate
// the ?status list filter.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// StepStatus enumerates the step lifecycle.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

func (s StepStatus) Finished() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// Stream identifies which child pipe a log line was read from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Execution is a single run of one command.
type Execution struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	Command          string                 `json:"command"`
	WorkingDirectory string                 `json:"working_directory"`
	Environment      map[string]string      `json:"environment"`
	User             string                 `json:"user,omitempty"`
	Tags             []string               `json:"tags"`
	Metadata         map[string]interface{} `json:"metadata"`
	Status           ExecutionStatus        `json:"status"`
	ExitCode         *int                   `json:"exit_code"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	StartedAt        *time.Time             `json:"started_at"`
	CompletedAt      *time.Time             `json:"completed_at"`
	TotalSteps       int                    `json:"total_steps"`
	CompletedSteps   int                    `json:"completed_steps"`
	CurrentStepIndex int                    `json:"current_step_index"`
}

// NewExecution creates a pending execution with a fresh id.
func NewExecution(name, command, workdir string) *Execution {
	id, _ := uuid.NewV4()
	if name == "" {
		name = command
	}
	return &Execution{
		ID:               id.String(),
		Name:             name,
		Command:          command,
		WorkingDirectory: workdir,
		Environment:      map[string]string{},
		Tags:             []string{},
		Metadata:         map[string]interface{}{},
		Status:           ExecutionPending,
		CreatedAt:        Now(),
		CurrentStepIndex: -1,
	}
}

// Step is one logical phase within an execution, bounded by marker lines.
type Step struct {
	ID                string                 `json:"id"`
	ExecutionID       string                 `json:"execution_id"`
	Index             int                    `json:"index"`
	Name              string                 `json:"name"`
	Description       string                 `json:"description,omitempty"`
	Status            StepStatus             `json:"status"`
	ExitCode          *int                   `json:"exit_code"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	StartedAt         *time.Time             `json:"started_at"`
	CompletedAt       *time.Time             `json:"completed_at"`
	StopOnError       bool                   `json:"stop_on_error"`
	EstimatedDuration float64                `json:"estimated_duration,omitempty"`
	Metadata          map[string]interface{} `json:"metadata"`
}

// NewStep creates a pending step with a fresh id.
func NewStep(executionID, name string, index int) *Step {
	id, _ := uuid.NewV4()
	return &Step{
		ID:          id.String(),
		ExecutionID: executionID,
		Index:       index,
		Name:        name,
		Status:      StepPending,
		CreatedAt:   Now(),
		StopOnError: true,
		Metadata:    map[string]interface{}{},
	}
}

// ArtifactType is a coarse classification derived from the file extension.
type ArtifactType string

const (
	ArtifactDocument ArtifactType = "document"
	ArtifactImage    ArtifactType = "image"
	ArtifactData     ArtifactType = "data"
	ArtifactLog      ArtifactType = "log"
	ArtifactArchive  ArtifactType = "archive"
	ArtifactOther    ArtifactType = "other"
)

// Artifact is a file declared by the running script via an ARTIFACT marker.
type Artifact struct {
	ID            string       `json:"id"`
	ExecutionID   string       `json:"execution_id"`
	StepID        string       `json:"step_id,omitempty"`
	Name          string       `json:"name"`
	Description   string       `json:"description,omitempty"`
	DeclaredPath  string       `json:"declared_path"`
	FilePath      string       `json:"file_path"`
	FileName      string       `json:"file_name"`
	FileSize      int64        `json:"file_size"`
	MimeType      string       `json:"mime_type"`
	Type          ArtifactType `json:"artifact_type"`
	Tags          []string     `json:"tags"`
	CreatedAt     time.Time    `json:"created_at"`
	RetentionDays int          `json:"retention_days,omitempty"`
	Missing       bool         `json:"missing,omitempty"`
}

// NewArtifact creates an artifact record with a fresh id.
func NewArtifact(executionID, stepID, declaredPath, description string) *Artifact {
	id, _ := uuid.NewV4()
	return &Artifact{
		ID:           id.String(),
		ExecutionID:  executionID,
		StepID:       stepID,
		DeclaredPath: declaredPath,
		Description:  description,
		Tags:         []string{},
		CreatedAt:    Now(),
	}
}

// LogEntry is one line of child output. Marker lines are stored too,
// with their role recorded, so the raw transcript is preserved.
type LogEntry struct {
	ExecutionID string    `json:"execution_id"`
	StepID      string    `json:"step_id,omitempty"`
	Sequence    int64     `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`
	Stream      Stream    `json:"stream"`
	Content     string    `json:"content"`
	Level       string    `json:"level"`
	Marker      string    `json:"marker,omitempty"`
	Truncated   bool      `json:"truncated,omitempty"`
}

// Now returns the current UTC time truncated to millisecond resolution,
// the precision the store and wire format carry.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
