package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"fleettrack/internal/alert"
	"fleettrack/internal/assignment"
	"fleettrack/internal/attendance"
	"fleettrack/internal/eta"
	"fleettrack/internal/ingest"
)

var (
	errBadRequest     = errors.New("bad request")
	errUnknownVehicle = errors.New("vehicle not tracked")
)

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error     string                  `json:"error"`
	Details   map[string]any          `json:"details,omitempty"`
	Conflicts []assignment.Assignment `json:"conflicts,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, ingest.ErrInvalidCoordinates),
		errors.Is(err, assignment.ErrInvalidRange),
		errors.Is(err, attendance.ErrInvalidReason):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ingest.ErrMalformed),
		errors.Is(err, errBadRequest),
		errors.As(err, &verrs):
		return http.StatusBadRequest
	case errors.Is(err, assignment.ErrNotFound),
		errors.Is(err, attendance.ErrNotFound),
		errors.Is(err, alert.ErrNotFound),
		errors.Is(err, eta.ErrNoLiveETA),
		errors.Is(err, errUnknownVehicle):
		return http.StatusNotFound
	case errors.Is(err, assignment.ErrConflictDetected),
		errors.Is(err, assignment.ErrVersionConflict),
		errors.Is(err, assignment.ErrInactive),
		errors.Is(err, attendance.ErrImmutable),
		errors.Is(err, attendance.ErrDuplicateEvent),
		errors.Is(err, alert.ErrInvalidTransition):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}

	var conflict *assignment.ConflictError
	if errors.As(err, &conflict) {
		resp.Conflicts = conflict.Conflicts
	}
	var reject *ingest.RejectError
	if errors.As(err, &reject) {
		resp.Details = map[string]any{"reason": reject.Reason, "field": reject.Field}
	}

	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		resp = ErrorResponse{Error: "internal error"}
	}
	writeJSON(w, status, resp)
}

// decode reads a JSON body into v and validates it. An empty body is
// accepted when v has no required fields.
func (s *Server) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}
