package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stepflow/stepflow/config"
	"github.com/stepflow/stepflow/engine"
	"github.com/stepflow/stepflow/errors"
	"github.com/stepflow/stepflow/logger"
	"github.com/stepflow/stepflow/model"
	"github.com/stepflow/stepflow/store"
)

// maxCreateBodyBytes bounds the create request body.
const maxCreateBodyBytes = 1 << 20

// CreateExecutionRequest is the POST /api/executions body.
type CreateExecutionRequest struct {
	Name             string                 `json:"name"`
	Command          string                 `json:"command"`
	WorkingDirectory string                 `json:"working_directory"`
	Environment      map[string]string      `json:"environment"`
	User             string                 `json:"user"`
	Tags             []string               `json:"tags"`
	Metadata         map[string]interface{} `json:"metadata"`
	// Timeout is in seconds. Zero falls back to the configured default.
	Timeout int `json:"timeout"`
}

// ExecutionDetail embeds the execution with its steps and artifacts.
type ExecutionDetail struct {
	*model.Execution
	Steps     []*model.Step     `json:"steps"`
	Artifacts []*model.Artifact `json:"artifacts"`
}

// HandleExecutionList returns GET /api/executions.
func HandleExecutionList(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := store.ExecutionFilter{User: r.URL.Query().Get("user")}
		if v := r.URL.Query().Get("status"); v != "" {
			status := model.ExecutionStatus(v)
			if !status.Valid() {
				WriteError(w, &errors.ValidationError{Msg: fmt.Sprintf("unknown status filter %q", v)})
				return
			}
			f.Status = status
		}
		var err error
		if f.Limit, err = intQuery(r, "limit"); err != nil {
			WriteError(w, err)
			return
		}
		if f.Offset, err = intQuery(r, "offset"); err != nil {
			WriteError(w, err)
			return
		}

		list, err := s.ListExecutions(f)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteData(w, list, http.StatusOK)
	}
}

// HandleExecutionCreate returns POST /api/executions. The execution is
// persisted as pending before the engine takes over, so a crash between
// the two leaves a recoverable record.
func HandleExecutionCreate(cfg config.Config, s *store.Store, eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in := CreateExecutionRequest{}
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&in); err != nil {
			WriteError(w, &errors.ValidationError{Msg: "malformed request body: " + err.Error()})
			return
		}
		if in.Command == "" {
			WriteError(w, &errors.ValidationError{Msg: "command is required"})
			return
		}
		if in.Timeout < 0 {
			WriteError(w, &errors.ValidationError{Msg: "timeout must not be negative"})
			return
		}

		exec := model.NewExecution(in.Name, in.Command, in.WorkingDirectory)
		exec.User = in.User
		if in.Environment != nil {
			exec.Environment = in.Environment
		}
		if in.Tags != nil {
			exec.Tags = in.Tags
		}
		if in.Metadata != nil {
			exec.Metadata = in.Metadata
		}

		// reject a working directory escaping the workspace before
		// anything is persisted
		if err := eng.ResolveWorkingDirectory(exec); err != nil {
			WriteError(w, err)
			return
		}

		if err := s.SaveExecution(exec); err != nil {
			WriteError(w, err)
			return
		}

		timeoutSec := in.Timeout
		if timeoutSec == 0 {
			timeoutSec = cfg.Limits.DefaultExecutionTimeoutSeconds
		}
		if err := eng.Start(exec, time.Duration(timeoutSec)*time.Second); err != nil {
			// the pending record stays; recovery will seal it as failed
			logger.FromRequest(r).WithError(err).
				WithField("execution_id", exec.ID).
				Warnln("api: cannot start execution")
			WriteError(w, err)
			return
		}

		logger.FromRequest(r).WithField("execution_id", exec.ID).Infoln("api: execution created")
		WriteData(w, exec, http.StatusCreated)
	}
}

// HandleExecutionGet returns GET /api/executions/{id} with embedded
// steps and artifacts. Active executions are served from engine memory
// so mid-run state is current.
func HandleExecutionGet(s *store.Store, eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		detail := &ExecutionDetail{}
		if exec, steps, _, ok := eng.Snapshot(id); ok {
			detail.Execution = exec
			detail.Steps = steps
		} else {
			exec, err := s.GetExecution(id)
			if err != nil {
				WriteError(w, err)
				return
			}
			steps, err := s.GetSteps(id)
			if err != nil {
				WriteError(w, err)
				return
			}
			detail.Execution = exec
			detail.Steps = steps
		}

		artifacts, err := s.GetArtifacts(id)
		if err != nil {
			WriteError(w, err)
			return
		}
		detail.Artifacts = artifacts
		WriteData(w, detail, http.StatusOK)
	}
}

// HandleExecutionCancel returns POST /api/executions/{id}/cancel.
func HandleExecutionCancel(s *store.Store, eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := eng.Cancel(id, "cancelled by user")
		if err == nil {
			WriteData(w, map[string]string{"id": id, "status": "cancelling"}, http.StatusOK)
			return
		}
		if _, ok := err.(*errors.NotFoundError); !ok {
			WriteError(w, err)
			return
		}

		// not active; distinguish unknown from already terminal
		exec, serr := s.GetExecution(id)
		if serr != nil {
			WriteError(w, serr)
			return
		}
		if exec.Status.Terminal() {
			WriteError(w, &errors.ConflictError{
				Msg: fmt.Sprintf("execution is already %s", exec.Status),
			})
			return
		}
		WriteError(w, err)
	}
}

// HandleExecutionDelete returns DELETE /api/executions/{id}.
func HandleExecutionDelete(s *store.Store, eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, _, _, active := eng.Snapshot(id); active {
			WriteError(w, &errors.ConflictError{Msg: "execution is still running"})
			return
		}
		if err := s.DeleteExecution(id); err != nil {
			WriteError(w, err)
			return
		}
		logger.FromRequest(r).WithField("execution_id", id).Infoln("api: execution deleted")
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleExecutionActive returns GET /api/executions/active.
func HandleExecutionActive(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteData(w, eng.Active(), http.StatusOK)
	}
}

// HandleExecutionStatistics returns GET /api/executions/statistics.
func HandleExecutionStatistics(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.GetStatistics()
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteData(w, stats, http.StatusOK)
	}
}

func intQuery(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &errors.ValidationError{Msg: fmt.Sprintf("invalid %s %q", name, v)}
	}
	return n, nil
}
