package handler

import (
	"fmt"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/stepflow/stepflow/errors"
	"github.com/stepflow/stepflow/logger"
	"github.com/stepflow/stepflow/store"
)

// HandleArtifactGet returns GET /api/artifacts/{id}. When the backing
// file has gone missing the metadata is still served, flagged.
func HandleArtifactGet(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := s.GetArtifact(chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		if _, serr := os.Stat(a.FilePath); serr != nil {
			a.Missing = true
		}
		WriteData(w, a, http.StatusOK)
	}
}

// HandleArtifactDownload returns GET /api/artifacts/{id}/download.
func HandleArtifactDownload(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := s.GetArtifact(chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}

		f, err := os.Open(a.FilePath)
		if err != nil {
			logger.FromRequest(r).WithError(err).
				WithField("artifact_id", a.ID).
				Warnln("api: artifact file unreadable")
			WriteError(w, &errors.NotFoundError{Msg: "artifact file is missing"})
			return
		}
		defer f.Close()

		if a.MimeType != "" {
			w.Header().Set("Content-Type", a.MimeType)
		} else {
			w.Header().Set("Content-Type", "application/octet-stream")
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.FileName))
		if fi, err := f.Stat(); err == nil {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", fi.Size()))
		}
		http.ServeContent(w, r, a.FileName, a.CreatedAt, f)
	}
}

// HandleArtifactList returns GET /api/artifacts/execution/{id}.
func HandleArtifactList(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := s.GetArtifacts(chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		for _, a := range list {
			if _, serr := os.Stat(a.FilePath); serr != nil {
				a.Missing = true
			}
		}
		WriteData(w, list, http.StatusOK)
	}
}
