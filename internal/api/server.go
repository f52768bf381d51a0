// Package api serves the tracking, assignment, attendance and alert
// operations over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"fleettrack/internal/alert"
	"fleettrack/internal/assignment"
	"fleettrack/internal/attendance"
	"fleettrack/internal/db"
	"fleettrack/internal/eta"
	"fleettrack/internal/geo"
	"fleettrack/internal/ingest"
	"fleettrack/internal/livemap"
	"fleettrack/internal/tracking"
)

// Tracker is the live tracking pipeline.
type Tracker interface {
	Process(ctx context.Context, raw ingest.RawPosition) (tracking.Outcome, error)
	SetStop(vehicleID string, s tracking.Stop) error
	EndTrip(vehicleID string)
	Status(vehicleID string) (tracking.VehicleStatus, bool)
}

type ETAs interface {
	Live(vehicleID string) (eta.Result, error)
}

type Assignments interface {
	Create(ctx context.Context, in assignment.Input) (assignment.Result, error)
	Update(ctx context.Context, id string, in assignment.Input, version int) (assignment.Result, error)
	Extend(ctx context.Context, id string, end *time.Time, version int) (assignment.Result, error)
	Deactivate(ctx context.Context, id string, version int) (assignment.Assignment, error)
}

type Attendance interface {
	Get(ctx context.Context, id string) (attendance.Record, error)
	MarkPresent(ctx context.Context, id, location string, coords *geo.LatLng) (attendance.Record, error)
	MarkAbsent(ctx context.Context, id string, reason attendance.EventType) (attendance.Record, error)
	Cancel(ctx context.Context, id, reason string) (attendance.Record, error)
	AddNote(ctx context.Context, id, note string) (attendance.Record, error)
	Materialize(ctx context.Context, date time.Time, session attendance.Session, planned []attendance.Planned) ([]attendance.Event, error)
}

type Alerts interface {
	Get(ctx context.Context, id string) (alert.Record, error)
	Acknowledge(ctx context.Context, id, actor string) (alert.Record, error)
	Resolve(ctx context.Context, id, actor string) (alert.Record, error)
	Dismiss(ctx context.Context, id, actor string) (alert.Record, error)
}

// Store is the read side used directly by handlers.
type Store interface {
	Ping(ctx context.Context) error
	GetAssignment(ctx context.Context, id string) (assignment.Assignment, error)
	ListAssignmentsByStudent(ctx context.Context, studentID string) ([]assignment.Assignment, error)
	ListAlerts(ctx context.Context, f db.AlertFilter) ([]alert.Record, error)
}

// Deps are the services behind the routes. Map may be nil when the
// process renders no map.
type Deps struct {
	Tracker     Tracker
	ETAs        ETAs
	Assignments Assignments
	Attendance  Attendance
	Alerts      Alerts
	Store       Store
	Map         func() livemap.Snapshot
}

type Server struct {
	deps       Deps
	log        logrus.FieldLogger
	validate   *validator.Validate
	router     chi.Router
	httpServer *http.Server
}

func NewServer(addr string, corsOrigins []string, deps Deps, log logrus.FieldLogger) *Server {
	s := &Server{
		deps:     deps,
		log:      log.WithField("component", "api"),
		validate: validator.New(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/positions", s.postPosition)

		r.Route("/vehicles/{vehicleID}", func(r chi.Router) {
			r.Get("/", s.getVehicle)
			r.Get("/eta", s.getETA)
			r.Post("/stop", s.setStop)
			r.Post("/end", s.endTrip)
		})

		r.Post("/assignments", s.createAssignment)
		r.Route("/assignments/{id}", func(r chi.Router) {
			r.Get("/", s.getAssignment)
			r.Put("/", s.updateAssignment)
			r.Post("/extend", s.extendAssignment)
			r.Post("/deactivate", s.deactivateAssignment)
		})
		r.Get("/students/{studentID}/assignments", s.listStudentAssignments)

		r.Post("/attendance/materialize", s.materialize)
		r.Route("/attendance/{id}", func(r chi.Router) {
			r.Get("/", s.getAttendance)
			r.Post("/present", s.markPresent)
			r.Post("/absent", s.markAbsent)
			r.Post("/cancel", s.cancelAttendance)
			r.Post("/notes", s.addNote)
		})

		r.Get("/alerts", s.listAlerts)
		r.Route("/alerts/{id}", func(r chi.Router) {
			r.Get("/", s.getAlert)
			r.Post("/{action}", s.transitionAlert)
		})

		r.Get("/map", s.getMap)
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start blocks until the server is shut down.
func (s *Server) Start() error {
	s.log.Infof("Starting server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("Shutting down server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"durationMs": time.Since(start).Milliseconds(),
			"requestId":  middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.deps.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "error",
			"database":  "disconnected",
			"timestamp": time.Now().UTC(),
			"error":     err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"database":  "connected",
		"timestamp": time.Now().UTC(),
	})
}
