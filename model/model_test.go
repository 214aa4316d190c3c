package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyArtifact(t *testing.T) {
	tests := []struct {
		fileName string
		wantType ArtifactType
		wantMime string
	}{
		{"report.xml", ArtifactData, "application/xml"},
		{"notes.md", ArtifactDocument, "text/markdown"},
		{"diagram.png", ArtifactImage, "image/png"},
		{"build.log", ArtifactLog, "text/plain"},
		{"bundle.tgz", ArtifactArchive, "application/gzip"},
		{"data.csv", ArtifactData, "text/csv"},
		{"binary", ArtifactOther, "application/octet-stream"},
		{"REPORT.XML", ArtifactData, "application/xml"},
	}
	for _, tc := range tests {
		gotType, gotMime := ClassifyArtifact(tc.fileName)
		assert.Equal(t, tc.wantType, gotType, tc.fileName)
		assert.Equal(t, tc.wantMime, gotMime, tc.fileName)
	}
}

func TestExecutionStatusTerminal(t *testing.T) {
	assert.False(t, ExecutionPending.Terminal())
	assert.False(t, ExecutionRunning.Terminal())
	assert.True(t, ExecutionCompleted.Terminal())
	assert.True(t, ExecutionFailed.Terminal())
	assert.True(t, ExecutionCancelled.Terminal())
}

func TestExecutionStatusValid(t *testing.T) {
	assert.True(t, ExecutionRunning.Valid())
	assert.False(t, ExecutionStatus("bogus").Valid())
}

func TestNewExecutionDefaults(t *testing.T) {
	e := NewExecution("", "make all", "/tmp")

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "make all", e.Name, "name falls back to the command")
	assert.Equal(t, ExecutionPending, e.Status)
	assert.Equal(t, -1, e.CurrentStepIndex)
	assert.NotNil(t, e.Environment)
	assert.NotNil(t, e.Metadata)
}

func TestNewStepDefaults(t *testing.T) {
	st := NewStep("exec-1", "build", 3)

	assert.Equal(t, "exec-1", st.ExecutionID)
	assert.Equal(t, 3, st.Index)
	assert.Equal(t, StepPending, st.Status)
	assert.True(t, st.StopOnError)
}

func TestNowIsMillisecondUTC(t *testing.T) {
	n := Now()
	assert.Equal(t, time.UTC, n.Location())
	assert.Equal(t, n, n.Truncate(time.Millisecond))
}
