package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stepflow/stepflow/errors"
	"github.com/stepflow/stepflow/model"
)

// unix epoch time
var epoch = time.Unix(0, 0).Format(time.RFC1123)

// http headers to disable caching.
var noCacheHeaders = map[string]string{
	"Expires":         epoch,
	"Cache-Control":   "no-cache, private, max-age=0",
	"Pragma":          "no-cache",
	"X-Accel-Expires": "0",
}

// envelope wraps every JSON response.
type envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *apiError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteData writes a success envelope around v.
func WriteData(w http.ResponseWriter, v interface{}, status int) {
	WriteJSON(w, &envelope{Success: true, Data: v, Timestamp: model.Now()}, status)
}

// WriteError maps the error kind to a status code and writes a failure
// envelope. Unknown kinds are reported as internal errors.
func WriteError(w http.ResponseWriter, err error) {
	code, status := classify(err)
	WriteJSON(w, &envelope{
		Success:   false,
		Error:     &apiError{Code: code, Message: err.Error()},
		Timestamp: model.Now(),
	}, status)
}

func classify(err error) (code string, status int) {
	switch err.(type) {
	case *errors.ValidationError:
		return "validation_error", http.StatusBadRequest
	case *errors.NotFoundError:
		return "not_found", http.StatusNotFound
	case *errors.ConflictError:
		return "conflict", http.StatusConflict
	case *errors.StoreUnavailableError:
		return "store_unavailable", http.StatusServiceUnavailable
	case *errors.OverloadError:
		return "overloaded", http.StatusServiceUnavailable
	default:
		return "internal_error", http.StatusInternalServerError
	}
}

// WriteJSON writes the json-encoded representation of v to the
// response body.
func WriteJSON(w http.ResponseWriter, v interface{}, status int) {
	for k, val := range noCacheHeaders {
		w.Header().Set(k, val)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logrus.WithError(err).Errorln("failed to encode response")
	}
}
