package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	supercutv1 "github.com/kralicky/supercut/pkg/apis/supercut/v1"
	"github.com/kralicky/supercut/pkg/jobs"
	"github.com/kralicky/supercut/pkg/media"
	"github.com/kralicky/supercut/pkg/runner"
	"github.com/kralicky/supercut/pkg/scripts"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.With("error", err).Debug("failed to write response")
	}
}

// statusFor maps an error to the status code and payload returned to the
// client. summary describes the failed operation, e.g. "Search failed".
func statusFor(summary string, err error) (int, supercutv1.ErrorResponse) {
	var (
		verr *supercutv1.ValidationError
		serr *runner.SpawnError
		eerr *runner.ExitError
		perr *scripts.ParseError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, supercutv1.ErrorResponse{Error: verr.Message}
	case errors.Is(err, scripts.ErrInvalidInput):
		return http.StatusBadRequest, supercutv1.ErrorResponse{Error: err.Error()}
	case errors.Is(err, media.ErrUnsupportedType):
		return http.StatusBadRequest, supercutv1.ErrorResponse{Error: media.ErrUnsupportedType.Error(), Details: err.Error()}
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound, supercutv1.ErrorResponse{Error: "Job not found"}
	case errors.Is(err, media.ErrNotFound):
		return http.StatusNotFound, supercutv1.ErrorResponse{Error: "Video not found", Details: err.Error()}
	case errors.As(err, &serr):
		return http.StatusInternalServerError, supercutv1.ErrorResponse{Error: summary, Details: serr.Error()}
	case errors.As(err, &eerr):
		details := eerr.Stderr
		if details == "" {
			details = eerr.Error()
		}
		return http.StatusInternalServerError, supercutv1.ErrorResponse{Error: summary, Details: details}
	case errors.As(err, &perr):
		return http.StatusInternalServerError, supercutv1.ErrorResponse{Error: summary + ": could not parse engine output", Details: perr.Raw}
	default:
		return http.StatusInternalServerError, supercutv1.ErrorResponse{Error: summary, Details: err.Error()}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, summary string, err error) {
	status, resp := statusFor(summary, err)
	lg := slog.With(
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"error", err,
	)
	if status >= 500 {
		lg.Error(summary)
	} else {
		lg.Debug(summary)
	}
	writeJSON(w, status, resp)
}
