package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/stepflow/stepflow/hub"
	"github.com/stepflow/stepflow/model"
	"github.com/stepflow/stepflow/parser"
	"github.com/stepflow/stepflow/store"
)

// snapshotLogLines is how many recent log lines per step ride along in
// an initial_state snapshot.
const snapshotLogLines = 50

// runState is the per-execution state machine. It is owned by the run
// goroutine; the mutex exists only so snapshots for new subscribers can
// read a consistent view.
type runState struct {
	store *store.Store
	fan   *fanout
	hub   *hub.Hub

	maxArtifactBytes int64
	artifactRoot     string

	mu      sync.Mutex
	exec    *model.Execution
	steps   []*model.Step
	current int // index into steps of the running step, or -1

	seq           int64
	lastStepError string
	finalized     bool
	recent        map[string][]*model.LogEntry // step id ("" = unbound) -> tail
}

func newRunState(s *store.Store, fan *fanout, h *hub.Hub, exec *model.Execution, maxArtifactBytes int64, artifactRoot string) *runState {
	return &runState{
		store:            s,
		fan:              fan,
		hub:              h,
		maxArtifactBytes: maxArtifactBytes,
		artifactRoot:     artifactRoot,
		exec:             exec,
		current:          -1,
		recent:           map[string][]*model.LogEntry{},
	}
}

// markRunning transitions the execution from pending to running.
func (rs *runState) markRunning() {
	rs.mu.Lock()
	if rs.exec.Status != model.ExecutionPending {
		rs.mu.Unlock()
		return
	}
	rs.exec.Status = model.ExecutionRunning
	now := model.Now()
	rs.exec.StartedAt = &now
	rs.mu.Unlock()

	rs.persistExecution()
	rs.hub.Publish(hub.TopicGlobal, hub.NewMessage(hub.EventExecutionStarted, rs.executionCopy()))
	rs.fan.publish(hub.NewMessage(hub.EventExecutionUpdate, rs.executionCopy()))
}

// runningStep returns the step currently in state running, or nil.
func (rs *runState) runningStep() *model.Step {
	if rs.current < 0 || rs.current >= len(rs.steps) {
		return nil
	}
	st := rs.steps[rs.current]
	if st.Status != model.StepRunning {
		return nil
	}
	return st
}

// apply dispatches one marker event. Returns true when the event asks
// the engine to terminate the child (a critical step failure).
func (rs *runState) apply(ev parser.Event) (terminate bool) {
	switch ev.Kind {
	case parser.KindStepStart:
		rs.onStepStart(ev)
	case parser.KindStepComplete:
		rs.onStepComplete(ev)
	case parser.KindStepError:
		return rs.onStepError(ev)
	case parser.KindArtifact:
		rs.onArtifact(ev)
	case parser.KindMeta:
		rs.onMeta(ev)
	}
	return false
}

func (rs *runState) onStepStart(ev parser.Event) {
	rs.markRunning()

	rs.mu.Lock()
	if rs.exec.Status.Terminal() {
		// a critical failure already sealed this execution; late
		// starts are dropped
		rs.mu.Unlock()
		return
	}

	// a script that omits STEP_COMPLETE implicitly closes the running
	// step by starting the next one
	if running := rs.runningStep(); running != nil {
		rs.completeStepLocked(running, "")
	}

	st := model.NewStep(rs.exec.ID, ev.Name, len(rs.steps))
	st.Status = model.StepRunning
	now := model.Now()
	st.StartedAt = &now
	st.StopOnError = ev.StopOnError
	for k, v := range ev.Options {
		st.Metadata[k] = v
	}
	rs.steps = append(rs.steps, st)
	rs.current = st.Index
	rs.exec.TotalSteps = len(rs.steps)
	rs.exec.CurrentStepIndex = st.Index
	rs.mu.Unlock()

	rs.persistStep(st)
	rs.persistExecution()
	rs.fan.publish(hub.NewMessage(hub.EventStepStarted, rs.stepCopy(st)))
	rs.fan.publish(hub.NewMessage(hub.EventExecutionUpdate, rs.executionCopy()))
}

func (rs *runState) onStepComplete(ev parser.Event) {
	rs.mu.Lock()
	running := rs.runningStep()
	if running == nil {
		// STEP_COMPLETE with no running step is a no-op; the line
		// itself is still in the log history
		rs.mu.Unlock()
		return
	}
	rs.completeStepLocked(running, ev.Name)
	rs.mu.Unlock()

	rs.persistStep(running)
	rs.persistExecution()
	rs.fan.publish(hub.NewMessage(hub.EventStepCompleted, rs.stepCopy(running)))
	rs.fan.publish(hub.NewMessage(hub.EventExecutionUpdate, rs.executionCopy()))
}

// completeStepLocked closes the running step as completed. A non-empty
// name that does not match is recorded in the step metadata; the step
// completes regardless.
func (rs *runState) completeStepLocked(st *model.Step, claimedName string) {
	now := model.Now()
	st.Status = model.StepCompleted
	st.CompletedAt = &now
	if claimedName != "" && claimedName != st.Name {
		st.Metadata["name_mismatch"] = claimedName
	}
	rs.exec.CompletedSteps = rs.completedCountLocked()
	rs.current = -1
	rs.exec.CurrentStepIndex = -1
}

func (rs *runState) onStepError(ev parser.Event) (terminate bool) {
	rs.mu.Lock()
	running := rs.runningStep()
	if running == nil {
		rs.mu.Unlock()
		return false
	}
	now := model.Now()
	running.Status = model.StepFailed
	running.ErrorMessage = ev.Description
	running.CompletedAt = &now
	rs.lastStepError = ev.Description
	rs.current = -1
	rs.exec.CurrentStepIndex = -1
	critical := running.StopOnError
	if critical {
		rs.exec.Status = model.ExecutionFailed
		rs.exec.ErrorMessage = ev.Description
	}
	rs.mu.Unlock()

	rs.persistStep(running)
	rs.persistExecution()
	rs.fan.publish(hub.NewMessage(hub.EventStepFailed, rs.stepCopy(running)))
	rs.fan.publish(hub.NewMessage(hub.EventExecutionUpdate, rs.executionCopy()))
	return critical
}

func (rs *runState) onMeta(ev parser.Event) {
	rs.mu.Lock()
	running := rs.runningStep()
	if running != nil {
		switch strings.ToLower(ev.Key) {
		case "estimated_duration":
			if d, err := strconv.ParseFloat(ev.Value, 64); err == nil {
				running.EstimatedDuration = d
			} else {
				running.Metadata[ev.Key] = ev.Value
			}
		case "description":
			running.Description = ev.Value
		default:
			running.Metadata[ev.Key] = ev.Value
		}
	} else {
		rs.exec.Metadata[ev.Key] = ev.Value
	}
	rs.mu.Unlock()

	if running != nil {
		rs.persistStep(running)
		rs.fan.publish(hub.NewMessage(hub.EventStepUpdate, rs.stepCopy(running)))
	} else {
		rs.persistExecution()
		rs.fan.publish(hub.NewMessage(hub.EventExecutionUpdate, rs.executionCopy()))
	}
}

func (rs *runState) onArtifact(ev parser.Event) {
	rs.mu.Lock()
	if rs.exec.Status.Terminal() {
		rs.mu.Unlock()
		return
	}
	stepID := ""
	stepIndex := -1
	if running := rs.runningStep(); running != nil {
		stepID = running.ID
		stepIndex = running.Index
	}
	workdir := rs.exec.WorkingDirectory
	rs.mu.Unlock()

	resolved, err := resolveArtifactPath(ev.Path, workdir, rs.artifactRoot)
	if err != nil {
		rs.warn(stepID, stepIndex, fmt.Sprintf("artifact %q rejected: %s", ev.Path, err))
		return
	}

	info, err := os.Stat(resolved)
	if err != nil {
		rs.warn(stepID, stepIndex, fmt.Sprintf("artifact %q not found", ev.Path))
		return
	}
	if info.IsDir() {
		rs.warn(stepID, stepIndex, fmt.Sprintf("artifact %q is a directory", ev.Path))
		return
	}
	if rs.maxArtifactBytes > 0 && info.Size() > rs.maxArtifactBytes {
		rs.warn(stepID, stepIndex, fmt.Sprintf("artifact %q exceeds size limit (%d bytes)", ev.Path, info.Size()))
		return
	}

	a := model.NewArtifact(rs.exec.ID, stepID, ev.Path, ev.Description)
	a.FileName = filepath.Base(resolved)
	a.Name = a.FileName
	a.FilePath = resolved
	a.FileSize = info.Size()
	a.Type, a.MimeType = model.ClassifyArtifact(a.FileName)

	if err := rs.store.CommitArtifactFile(a, resolved); err != nil {
		rs.warn(stepID, stepIndex, fmt.Sprintf("artifact %q could not be stored: %s", ev.Path, err))
		return
	}
	if err := rs.store.SaveArtifact(a); err != nil {
		logrus.WithError(err).WithField("execution_id", rs.exec.ID).
			Errorln("engine: failed to persist artifact")
		return
	}
	rs.fan.publish(hub.NewMessage(hub.EventArtifactCreated, a))
}

// resolveArtifactPath resolves a declared path against the working
// directory and rejects anything escaping both the working directory
// and the artifact root.
func resolveArtifactPath(declared, workdir, artifactRoot string) (string, error) {
	p := declared
	if !filepath.IsAbs(p) {
		p = filepath.Join(workdir, p)
	}
	p = filepath.Clean(p)
	if within(p, workdir) || (artifactRoot != "" && within(p, artifactRoot)) {
		return p, nil
	}
	return "", fmt.Errorf("path escapes the working directory")
}

// resolveWorkingDirectory defaults an empty working directory to a
// per-execution directory under the workspace root and rejects any
// path that resolves outside it. The sandbox is what keeps a declared
// artifact path from legitimizing reads of arbitrary trees.
func resolveWorkingDirectory(declared, workspaceRoot, executionID string) (string, error) {
	if declared == "" {
		return filepath.Join(workspaceRoot, executionID), nil
	}
	// idempotent: a path already inside the workspace passes through
	// unchanged, so resolving twice cannot re-anchor it
	p := filepath.Clean(declared)
	if !filepath.IsAbs(p) && !within(p, workspaceRoot) {
		p = filepath.Join(workspaceRoot, p)
	}
	if !within(p, workspaceRoot) {
		return "", fmt.Errorf("working directory %q resolves outside the workspace", declared)
	}
	return p, nil
}

func within(path, root string) bool {
	if root == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(root), path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// / onLog records one line of output: in the recent-tail ring, in the
// durable log file buffer, and on the fan-out.
func (rs *runState) onLog(l line, marker string) {
	rs.mu.Lock()
	if rs.exec.Status.Terminal() {
		rs.mu.Unlock()
		return
	}
	rs.seq++
	stepID := ""
	stepIndex := -1
	if running := rs.runningStep(); running != nil {
		stepID = running.ID
		stepIndex = running.Index
	}
	entry := &model.LogEntry{
		ExecutionID: rs.exec.ID,
		StepID:      stepID,
		Sequence:    rs.seq,
		Timestamp:   model.Now(),
		Stream:      l.stream,
		Content:     l.text,
		Level:       "info",
		Marker:      marker,
		Truncated:   l.truncated,
	}
	if l.stream == model.StreamStderr {
		entry.Level = "error"
	}
	rs.appendRecentLocked(stepID, entry)
	rs.mu.Unlock()

	rs.store.AppendLog(entry, stepIndex)
	rs.fan.publish(hub.NewMessage(hub.EventLogEntry, entry))
}

// warn emits a synthesized warning line into the execution's log
// stream. Artifact problems never fail a step.
func (rs *runState) warn(stepID string, stepIndex int, msg string) {
	rs.mu.Lock()
	rs.seq++
	entry := &model.LogEntry{
		ExecutionID: rs.exec.ID,
		StepID:      stepID,
		Sequence:    rs.seq,
		Timestamp:   model.Now(),
		Stream:      model.StreamStdout,
		Content:     msg,
		Level:       "warning",
	}
	rs.appendRecentLocked(stepID, entry)
	rs.mu.Unlock()

	logrus.WithField("execution_id", rs.exec.ID).Warnln(msg)
	rs.store.AppendLog(entry, stepIndex)
	rs.fan.publish(hub.NewMessage(hub.EventLogEntry, entry))
}

func (rs *runState) appendRecentLocked(stepID string, entry *model.LogEntry) {
	tail := append(rs.recent[stepID], entry)
	if len(tail) > snapshotLogLines {
		tail = tail[len(tail)-snapshotLogLines:]
	}
	rs.recent[stepID] = tail
}

// finalize seals the execution once the child has exited and the pipes
// are drained. cancelReason is non-empty when the run was cancelled or
// timed out.
func (rs *runState) finalize(exitCode int, spawnErr error, cancelReason string) {
	rs.mu.Lock()
	if rs.finalized {
		rs.mu.Unlock()
		return
	}
	rs.finalized = true
	now := model.Now()

	if running := rs.runningStep(); running != nil {
		if cancelReason != "" || rs.exec.Status.Terminal() || (spawnErr == nil && exitCode != 0) {
			running.Status = model.StepFailed
			running.CompletedAt = &now
			if cancelReason != "" {
				running.ErrorMessage = "cancelled"
			} else if running.ErrorMessage == "" {
				running.ErrorMessage = fmt.Sprintf("step interrupted (exit code %d)", exitCode)
			}
		} else {
			rs.completeStepLocked(running, "")
		}
		rs.current = -1
		rs.exec.CurrentStepIndex = -1
	}
	rs.exec.CompletedSteps = rs.completedCountLocked()

	if !rs.exec.Status.Terminal() {
		switch {
		case spawnErr != nil:
			rs.exec.Status = model.ExecutionFailed
			rs.exec.ErrorMessage = spawnErr.Error()
		case cancelReason == "timeout":
			rs.exec.Status = model.ExecutionFailed
			rs.exec.ErrorMessage = "execution timed out"
		case cancelReason != "":
			rs.exec.Status = model.ExecutionCancelled
			rs.exec.ErrorMessage = "cancelled: " + cancelReason
		case exitCode == 0:
			rs.exec.Status = model.ExecutionCompleted
		default:
			rs.exec.Status = model.ExecutionFailed
			if rs.lastStepError != "" {
				rs.exec.ErrorMessage = rs.lastStepError
			} else {
				rs.exec.ErrorMessage = fmt.Sprintf("command exited with code %d", exitCode)
			}
		}
	}
	if spawnErr == nil {
		rs.exec.ExitCode = &exitCode
	}
	rs.exec.CompletedAt = &now
	if rs.exec.StartedAt == nil {
		rs.exec.StartedAt = &now
	}
	steps := rs.steps
	rs.mu.Unlock()

	for _, st := range steps {
		rs.persistStep(st)
	}
	rs.persistExecution()
	rs.store.FlushLogs(rs.exec.ID)

	done := hub.NewMessage(hub.EventExecutionCompleted, rs.executionCopy())
	rs.fan.publish(done)
	rs.hub.Publish(hub.TopicGlobal, done)
}

func (rs *runState) completedCountLocked() int {
	n := 0
	for _, st := range rs.steps {
		if st.Status == model.StepCompleted {
			n++
		}
	}
	return n
}

func (rs *runState) persistExecution() {
	if err := rs.store.SaveExecution(rs.executionCopy()); err != nil {
		logrus.WithError(err).WithField("execution_id", rs.exec.ID).
			Errorln("engine: failed to persist execution")
	}
}

func (rs *runState) persistStep(st *model.Step) {
	if err := rs.store.SaveStep(rs.stepCopy(st)); err != nil {
		logrus.WithError(err).WithField("execution_id", rs.exec.ID).
			WithField("step", st.Name).
			Errorln("engine: failed to persist step")
	}
}

// executionCopy returns a deep enough copy for concurrent serialization.
func (rs *runState) executionCopy() *model.Execution {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return copyExecution(rs.exec)
}

func (rs *runState) stepCopy(st *model.Step) *model.Step {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return copyStep(st)
}

// Snapshot returns the execution, its steps, and the recent log tail
// per step, for initial_state delivery to a new subscriber.
func (rs *runState) Snapshot() (*model.Execution, []*model.Step, map[string][]*model.LogEntry) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	steps := make([]*model.Step, len(rs.steps))
	for i, st := range rs.steps {
		steps[i] = copyStep(st)
	}
	logs := make(map[string][]*model.LogEntry, len(rs.recent))
	for k, v := range rs.recent {
		logs[k] = append([]*model.LogEntry(nil), v...)
	}
	return copyExecution(rs.exec), steps, logs
}

func copyExecution(e *model.Execution) *model.Execution {
	c := *e
	c.Environment = make(map[string]string, len(e.Environment))
	for k, v := range e.Environment {
		c.Environment[k] = v
	}
	c.Tags = append([]string(nil), e.Tags...)
	c.Metadata = make(map[string]interface{}, len(e.Metadata))
	for k, v := range e.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

func copyStep(st *model.Step) *model.Step {
	c := *st
	c.Metadata = make(map[string]interface{}, len(st.Metadata))
	for k, v := range st.Metadata {
		c.Metadata[k] = v
	}
	return &c
}
