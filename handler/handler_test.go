package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow/stepflow/config"
	"github.com/stepflow/stepflow/engine"
	"github.com/stepflow/stepflow/hub"
	"github.com/stepflow/stepflow/model"
	"github.com/stepflow/stepflow/store"
)

type testServer struct {
	store  *store.Store
	engine *engine.Engine
	hub    *hub.Hub
	router http.Handler
}

func newTestServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	s := store.New(t.TempDir(), store.Options{})
	require.NoError(t, s.Init())
	t.Cleanup(func() { s.Close() })

	h := hub.New(16)
	eng := engine.New(s, h, engine.Options{WorkspaceRoot: t.TempDir()})
	return &testServer{
		store:  s,
		engine: eng,
		hub:    h,
		router: Handler(cfg, s, eng, h, time.Now()),
	}
}

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	out := envelope{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	w := ts.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	env := decodeEnvelope(t, w)
	assert.True(t, env.Success)
	data := env.Data.(map[string]interface{})
	assert.Equal(t, "healthy", data["status"])
	assert.Contains(t, data, "uptime_seconds")
	assert.Contains(t, data, "version")
}

func TestHealthStatusEndpoint(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	w := ts.do(t, http.MethodGet, "/api/health/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	env := decodeEnvelope(t, w)
	require.True(t, env.Success)
	data := env.Data.(map[string]interface{})
	assert.Contains(t, data, "database")
	assert.Contains(t, data, "engine")
	assert.Contains(t, data, "hub")
}

func TestOptimizeEndpoint(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	w := ts.do(t, http.MethodPost, "/api/health/optimize", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateExecutionValidation(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	for name, body := range map[string]interface{}{
		"empty body":       map[string]interface{}{},
		"empty command":    map[string]interface{}{"command": ""},
		"unknown field":    map[string]interface{}{"command": "true", "bogus": 1},
		"negative timeout": map[string]interface{}{"command": "true", "timeout": -1},
	} {
		w := ts.do(t, http.MethodPost, "/api/executions", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
		env := decodeEnvelope(t, w)
		assert.False(t, env.Success, name)
		require.NotNil(t, env.Error, name)
		assert.Equal(t, "validation_error", env.Error.Code, name)
	}
}

func TestCreateExecutionRejectsWorkingDirectoryOutsideWorkspace(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	for name, workdir := range map[string]string{
		"unrelated absolute": t.TempDir(),
		"system path":        "/etc",
		"relative escape":    "../elsewhere",
	} {
		w := ts.do(t, http.MethodPost, "/api/executions", map[string]interface{}{
			"command":           "true",
			"working_directory": workdir,
		})
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
		env := decodeEnvelope(t, w)
		require.NotNil(t, env.Error, name)
		assert.Equal(t, "validation_error", env.Error.Code, name)
	}

	// nothing was persisted for the rejected requests
	w := ts.do(t, http.MethodGet, "/api/executions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	env := decodeEnvelope(t, w)
	assert.Empty(t, env.Data)
}

func TestCreateExecutionDefaultsWorkingDirectory(t *testing.T) {
	skipWithoutShell(t)
	ts := newTestServer(t, config.Config{})

	w := ts.do(t, http.MethodPost, "/api/executions", map[string]interface{}{
		"command": "true",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	env := decodeEnvelope(t, w)
	data := env.Data.(map[string]interface{})
	id := data["id"].(string)
	require.NotEmpty(t, id)
	workdir, _ := data["working_directory"].(string)
	assert.Contains(t, workdir, id)
	ts.engine.Wait(id)
}

func TestGetExecutionWithStepsAndArtifacts(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	exec := model.NewExecution("done", "true", "")
	exec.Status = model.ExecutionCompleted
	require.NoError(t, ts.store.SaveExecution(exec))
	st := model.NewStep(exec.ID, "build", 0)
	require.NoError(t, ts.store.SaveStep(st))
	require.NoError(t, ts.store.SaveArtifact(model.NewArtifact(exec.ID, st.ID, "out.txt", "")))

	w := ts.do(t, http.MethodGet, "/api/executions/"+exec.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	env := decodeEnvelope(t, w)
	data := env.Data.(map[string]interface{})
	assert.Equal(t, exec.ID, data["id"])
	assert.Len(t, data["steps"], 1)
	assert.Len(t, data["artifacts"], 1)
}

func TestGetExecutionNotFound(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	w := ts.do(t, http.MethodGet, "/api/executions/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	env := decodeEnvelope(t, w)
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestListExecutionsRejectsUnknownStatus(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	w := ts.do(t, http.MethodGet, "/api/executions?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListExecutions(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	e := model.NewExecution("a", "true", "")
	e.Status = model.ExecutionCompleted
	require.NoError(t, ts.store.SaveExecution(e))

	w := ts.do(t, http.MethodGet, "/api/executions?status=completed&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	env := decodeEnvelope(t, w)
	assert.Len(t, env.Data, 1)
}

func TestCancelTerminalExecutionConflicts(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	exec := model.NewExecution("done", "true", "")
	exec.Status = model.ExecutionCompleted
	require.NoError(t, ts.store.SaveExecution(exec))

	w := ts.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	env := decodeEnvelope(t, w)
	assert.Equal(t, "conflict", env.Error.Code)
}

func TestCancelUnknownExecution(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	w := ts.do(t, http.MethodPost, "/api/executions/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteExecution(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	exec := model.NewExecution("done", "true", "")
	exec.Status = model.ExecutionFailed
	require.NoError(t, ts.store.SaveExecution(exec))

	w := ts.do(t, http.MethodDelete, "/api/executions/"+exec.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/executions/"+exec.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatisticsEndpoint(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	w := ts.do(t, http.MethodGet, "/api/executions/statistics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	env := decodeEnvelope(t, w)
	data := env.Data.(map[string]interface{})
	assert.Contains(t, data, "total_executions")
}

func TestArtifactDownload(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	dir := t.TempDir()
	path := filepath.Join(dir, "report.xml")
	require.NoError(t, os.WriteFile(path, []byte("<tests/>"), 0o644))

	exec := model.NewExecution("done", "true", "")
	require.NoError(t, ts.store.SaveExecution(exec))
	a := model.NewArtifact(exec.ID, "", "report.xml", "unit tests")
	a.FileName = "report.xml"
	a.FilePath = path
	a.FileSize = 8
	a.MimeType = "application/xml"
	a.Type = model.ArtifactData
	require.NoError(t, ts.store.SaveArtifact(a))

	w := ts.do(t, http.MethodGet, "/api/artifacts/"+a.ID+"/download", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/xml", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "report.xml")
	assert.Equal(t, "<tests/>", w.Body.String())
}

func TestArtifactMissingFileFlagged(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	exec := model.NewExecution("done", "true", "")
	require.NoError(t, ts.store.SaveExecution(exec))
	a := model.NewArtifact(exec.ID, "", "gone.bin", "")
	a.FileName = "gone.bin"
	a.FilePath = filepath.Join(t.TempDir(), "gone.bin")
	require.NoError(t, ts.store.SaveArtifact(a))

	w := ts.do(t, http.MethodGet, "/api/artifacts/"+a.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	env := decodeEnvelope(t, w)
	data := env.Data.(map[string]interface{})
	assert.Equal(t, true, data["missing"])

	w = ts.do(t, http.MethodGet, "/api/artifacts/"+a.ID+"/download", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBearerAuth(t *testing.T) {
	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.Token = "sekret"
	ts := newTestServer(t, cfg)

	w := ts.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
