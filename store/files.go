package store

import (
	"io"
	"os"
	"path/filepath"

	stepflowerrors "github.com/stepflow/stepflow/errors"
	"github.com/stepflow/stepflow/model"
)

// AppendLog buffers one log entry for asynchronous flush to the
// execution's log files. Never drops; see LogWriter.
func (s *Store) AppendLog(e *model.LogEntry, stepIndex int) {
	if s.ready() != nil {
		return
	}
	s.logs.Append(e, stepIndex)
}

// FlushLogs forces out everything buffered for one execution. Called by
// the engine on step close and at finalize.
func (s *Store) FlushLogs(executionID string) {
	if s.ready() != nil {
		return
	}
	s.logs.FlushExecution(executionID)
}

// TailStepLogs returns the last n persisted-or-buffered lines of one step.
func (s *Store) TailStepLogs(executionID string, stepIndex int, stepID string, n int) []string {
	if s.ready() != nil {
		return nil
	}
	return s.logs.TailStepLogs(executionID, stepIndex, stepID, n)
}

// TailStepEntries returns the tail of one step rebuilt as log entries.
func (s *Store) TailStepEntries(executionID string, stepIndex int, stepID string, n int) []*model.LogEntry {
	if s.ready() != nil {
		return nil
	}
	return s.logs.TailStepEntries(executionID, stepIndex, stepID, n)
}

// LinesLost reports log lines that could not be persisted after retry.
func (s *Store) LinesLost() int64 {
	if s.ready() != nil {
		return 0
	}
	return s.logs.LinesLost()
}

// CommitArtifactFile copies the declared file into the artifact tree
// and fsyncs it before the copy is considered committed; a failed copy
// leaves nothing behind. The artifact's FilePath is updated to the
// committed location.
func (s *Store) CommitArtifactFile(a *model.Artifact, srcPath string) error {
	if err := s.ready(); err != nil {
		return err
	}

	dir := s.ArtifactDir(a.ExecutionID, a.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &stepflowerrors.IOError{Msg: "create artifact directory: " + err.Error()}
	}
	dst := filepath.Join(dir, a.FileName)

	src, err := os.Open(srcPath)
	if err != nil {
		return &stepflowerrors.IOError{Msg: "open artifact source: " + err.Error()}
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return &stepflowerrors.IOError{Msg: "create artifact file: " + err.Error()}
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst) //nolint:errcheck
		return &stepflowerrors.IOError{Msg: "copy artifact: " + err.Error()}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst) //nolint:errcheck
		return &stepflowerrors.IOError{Msg: "sync artifact: " + err.Error()}
	}
	if err := out.Close(); err != nil {
		os.Remove(dst) //nolint:errcheck
		return &stepflowerrors.IOError{Msg: "close artifact: " + err.Error()}
	}

	a.FilePath = dst
	return nil
}
