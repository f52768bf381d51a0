package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"fleettrack/internal/alert"
	"fleettrack/internal/assignment"
	"fleettrack/internal/attendance"
	"fleettrack/internal/db"
	"fleettrack/internal/eta"
	"fleettrack/internal/geo"
	"fleettrack/internal/ingest"
	"fleettrack/internal/notify"
	"fleettrack/internal/tracking"
)

func (s *Server) postPosition(w http.ResponseWriter, r *http.Request) {
	var raw ingest.RawPosition
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&raw); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %w", ingest.ErrMalformed, err))
		return
	}
	out, err := s.deps.Tracker.Process(r.Context(), raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

func (s *Server) getVehicle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "vehicleID")
	st, ok := s.deps.Tracker.Status(id)
	if !ok {
		s.writeError(w, r, fmt.Errorf("%s: %w", id, errUnknownVehicle))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ETAResponse is a live ETA with its proximity classification.
type ETAResponse struct {
	eta.Result
	Proximity eta.Level `json:"proximity,omitempty"`
}

func (s *Server) getETA(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.ETAs.Live(chi.URLParam(r, "vehicleID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := ETAResponse{Result: res}
	if level, ok := res.Proximity(); ok {
		resp.Proximity = level
	}
	writeJSON(w, http.StatusOK, resp)
}

type stopRequest struct {
	Key        string          `json:"key" validate:"required"`
	Name       string          `json:"name"`
	Lat        *float64        `json:"lat" validate:"required"`
	Lng        *float64        `json:"lng" validate:"required"`
	Recipients []notify.Target `json:"recipients" validate:"dive"`
}

func (s *Server) setStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	stop := tracking.Stop{
		Stop: eta.Stop{
			Key:      req.Key,
			Name:     req.Name,
			Position: geo.LatLng{Lat: *req.Lat, Lng: *req.Lng},
		},
		Recipients: req.Recipients,
	}
	if err := s.deps.Tracker.SetStop(chi.URLParam(r, "vehicleID"), stop); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stop)
}

func (s *Server) endTrip(w http.ResponseWriter, r *http.Request) {
	s.deps.Tracker.EndTrip(chi.URLParam(r, "vehicleID"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeAssignment(w http.ResponseWriter, status int, res assignment.Result) {
	if len(res.Conflicts) > 0 {
		w.Header().Set("Warning", `199 - "assignment overlaps existing assignments"`)
	}
	writeJSON(w, status, res)
}

func (s *Server) createAssignment(w http.ResponseWriter, r *http.Request) {
	var in assignment.Input
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Assignments.Create(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeAssignment(w, http.StatusCreated, res)
}

func (s *Server) getAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Store.GetAssignment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) listStudentAssignments(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Store.ListAssignmentsByStudent(r.Context(), chi.URLParam(r, "studentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []assignment.Assignment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": list, "count": len(list)})
}

type updateAssignmentRequest struct {
	assignment.Input
	Version int `json:"version" validate:"gte=1"`
}

func (s *Server) updateAssignment(w http.ResponseWriter, r *http.Request) {
	var req updateAssignmentRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Assignments.Update(r.Context(), chi.URLParam(r, "id"), req.Input, req.Version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeAssignment(w, http.StatusOK, res)
}

type extendRequest struct {
	EndDate *time.Time `json:"endDate"`
	Version int        `json:"version" validate:"gte=1"`
}

func (s *Server) extendAssignment(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Assignments.Extend(r.Context(), chi.URLParam(r, "id"), req.EndDate, req.Version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeAssignment(w, http.StatusOK, res)
}

type versionRequest struct {
	Version int `json:"version" validate:"gte=1"`
}

func (s *Server) deactivateAssignment(w http.ResponseWriter, r *http.Request) {
	var req versionRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.deps.Assignments.Deactivate(r.Context(), chi.URLParam(r, "id"), req.Version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type materializeRequest struct {
	Date    time.Time            `json:"date" validate:"required"`
	Session attendance.Session   `json:"session" validate:"required,oneof=morning afternoon"`
	Planned []attendance.Planned `json:"planned" validate:"required,min=1,dive"`
}

func (s *Server) materialize(w http.ResponseWriter, r *http.Request) {
	var req materializeRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.deps.Attendance.Materialize(r.Context(), req.Date, req.Session, req.Planned)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) getAttendance(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Attendance.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type presentRequest struct {
	Location    string      `json:"location"`
	Coordinates *geo.LatLng `json:"coordinates"`
}

func (s *Server) markPresent(w http.ResponseWriter, r *http.Request) {
	var req presentRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if c := req.Coordinates; c != nil && !c.Valid() {
		s.writeError(w, r, fmt.Errorf("coordinates: %w", ingest.ErrInvalidCoordinates))
		return
	}
	rec, err := s.deps.Attendance.MarkPresent(r.Context(), chi.URLParam(r, "id"), req.Location, req.Coordinates)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type absentRequest struct {
	Reason attendance.EventType `json:"reason" validate:"required"`
}

func (s *Server) markAbsent(w http.ResponseWriter, r *http.Request) {
	var req absentRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.deps.Attendance.MarkAbsent(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelAttendance(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.deps.Attendance.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type noteRequest struct {
	Note string `json:"note" validate:"required"`
}

func (s *Server) addNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.deps.Attendance.AddNote(r.Context(), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Alerts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := db.AlertFilter{VehicleID: q.Get("vehicleId"), State: alert.State(q.Get("state"))}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: invalid limit %q", errBadRequest, v))
			return
		}
		f.Limit = n
	}
	list, err := s.deps.Store.ListAlerts(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []alert.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
}

type actorRequest struct {
	Actor string `json:"actor" validate:"required"`
}

func (s *Server) transitionAlert(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	var (
		rec alert.Record
		err error
	)
	switch action := chi.URLParam(r, "action"); action {
	case "acknowledge":
		rec, err = s.deps.Alerts.Acknowledge(r.Context(), id, req.Actor)
	case "resolve":
		rec, err = s.deps.Alerts.Resolve(r.Context(), id, req.Actor)
	case "dismiss":
		rec, err = s.deps.Alerts.Dismiss(r.Context(), id, req.Actor)
	default:
		err = errors.New("unknown alert action " + strconv.Quote(action))
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) getMap(w http.ResponseWriter, r *http.Request) {
	if s.deps.Map == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "live map not enabled"})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Map())
}
