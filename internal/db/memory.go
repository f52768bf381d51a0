package db

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"fleettrack/internal/alert"
	"fleettrack/internal/assignment"
	"fleettrack/internal/attendance"
	"fleettrack/internal/ingest"
	"fleettrack/internal/notify"
)

// Repository is everything the services persist.
type Repository interface {
	SaveSample(ctx context.Context, p ingest.PositionSample) error
	LatestSample(ctx context.Context, vehicleID string) (ingest.PositionSample, error)

	assignment.Repository
	attendance.Repository
	PutStudentProfile(ctx context.Context, p attendance.StudentProfile) error

	alert.Repository
	ListAlerts(ctx context.Context, f AlertFilter) ([]alert.Record, error)

	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*MemoryStore)(nil)
)

type plannedKey struct {
	assignmentID, date, session, eventType string
}

// MemoryStore keeps everything in process. It is used when no database is
// configured and in tests.
type MemoryStore struct {
	mu          sync.RWMutex
	samples     map[string][]ingest.PositionSample
	sampleIDs   map[string]bool
	assignments map[string]assignment.Assignment
	events      map[string]attendance.Event
	planned     map[plannedKey]string
	profiles    map[string]attendance.StudentProfile
	alerts      map[string]alert.Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		samples:     make(map[string][]ingest.PositionSample),
		sampleIDs:   make(map[string]bool),
		assignments: make(map[string]assignment.Assignment),
		events:      make(map[string]attendance.Event),
		planned:     make(map[plannedKey]string),
		profiles:    make(map[string]attendance.StudentProfile),
		alerts:      make(map[string]alert.Record),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Only the last samplesKept samples per vehicle are retained.
const samplesKept = 256

func (m *MemoryStore) SaveSample(_ context.Context, p ingest.PositionSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sampleIDs[p.ID] {
		return nil
	}
	m.sampleIDs[p.ID] = true
	list := append(m.samples[p.VehicleID], p)
	if len(list) > samplesKept {
		for _, old := range list[:len(list)-samplesKept] {
			delete(m.sampleIDs, old.ID)
		}
		list = append([]ingest.PositionSample(nil), list[len(list)-samplesKept:]...)
	}
	m.samples[p.VehicleID] = list
	return nil
}

func (m *MemoryStore) LatestSample(_ context.Context, vehicleID string) (ingest.PositionSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest ingest.PositionSample
	found := false
	for _, p := range m.samples[vehicleID] {
		if !found || p.CapturedAt.After(latest.CapturedAt) {
			latest, found = p, true
		}
	}
	if !found {
		return latest, ErrNoSample
	}
	return latest, nil
}

func (m *MemoryStore) GetAssignment(_ context.Context, id string) (assignment.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[id]
	if !ok {
		return a, fmt.Errorf("assignment %s: %w", id, assignment.ErrNotFound)
	}
	return a, nil
}

func (m *MemoryStore) ListAssignmentsByStudent(_ context.Context, studentID string) ([]assignment.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []assignment.Assignment
	for _, a := range m.assignments {
		if a.StudentID == studentID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EffectiveDate.Equal(out[j].EffectiveDate) {
			return out[i].EffectiveDate.Before(out[j].EffectiveDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) CreateAssignment(_ context.Context, a assignment.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assignments[a.ID]; ok {
		return fmt.Errorf("assignment %s already exists", a.ID)
	}
	m.assignments[a.ID] = a
	return nil
}

func (m *MemoryStore) UpdateAssignment(_ context.Context, a assignment.Assignment, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.assignments[a.ID]
	if !ok {
		return fmt.Errorf("assignment %s: %w", a.ID, assignment.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return assignment.ErrVersionConflict
	}
	m.assignments[a.ID] = a
	return nil
}

func (m *MemoryStore) GetEvent(_ context.Context, id string) (attendance.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok {
		return e, fmt.Errorf("event %s: %w", id, attendance.ErrNotFound)
	}
	e.Notes = append([]string(nil), e.Notes...)
	return e, nil
}

func (m *MemoryStore) CreateEvent(_ context.Context, e attendance.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := plannedKey{e.AssignmentID, fmtDate(e.Date), string(e.Session), string(e.EventType)}
	if _, ok := m.planned[k]; ok {
		return attendance.ErrDuplicateEvent
	}
	m.planned[k] = e.ID
	m.events[e.ID] = e
	return nil
}

func (m *MemoryStore) SaveEvent(_ context.Context, e attendance.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[e.ID]; !ok {
		return fmt.Errorf("event %s: %w", e.ID, attendance.ErrNotFound)
	}
	e.Notes = append([]string(nil), e.Notes...)
	m.events[e.ID] = e
	return nil
}

func (m *MemoryStore) GetStudentProfile(_ context.Context, studentID string) (attendance.StudentProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[studentID]
	if !ok {
		return p, fmt.Errorf("profile %s: %w", studentID, attendance.ErrNotFound)
	}
	return p, nil
}

func (m *MemoryStore) PutStudentProfile(_ context.Context, p attendance.StudentProfile) error {
	if p.SchemaVersion == 0 {
		p.SchemaVersion = attendance.ProfileSchemaVersion
	}
	m.mu.Lock()
	m.profiles[p.StudentID] = p
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) CreateAlert(_ context.Context, a alert.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; ok {
		return fmt.Errorf("alert %s already exists", a.ID)
	}
	m.alerts[a.ID] = cloneAlert(a)
	return nil
}

func (m *MemoryStore) SaveAlert(_ context.Context, a alert.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; !ok {
		return fmt.Errorf("alert %s: %w", a.ID, alert.ErrNotFound)
	}
	m.alerts[a.ID] = cloneAlert(a)
	return nil
}

func (m *MemoryStore) GetAlert(_ context.Context, id string) (alert.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return a, fmt.Errorf("alert %s: %w", id, alert.ErrNotFound)
	}
	return cloneAlert(a), nil
}

func (m *MemoryStore) ListPendingDeliveries(_ context.Context, maxAttempts, limit int) ([]alert.Record, error) {
	return m.list(func(a alert.Record) bool {
		return a.DeliveryPending && a.Attempts < maxAttempts
	}, false, limit), nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, f AlertFilter) ([]alert.Record, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	return m.list(func(a alert.Record) bool {
		return (f.VehicleID == "" || a.VehicleID == f.VehicleID) && (f.State == "" || a.State == f.State)
	}, true, f.Limit), nil
}

func (m *MemoryStore) list(match func(alert.Record) bool, newestFirst bool, limit int) []alert.Record {
	m.mu.RLock()
	var out []alert.Record
	for _, a := range m.alerts {
		if match(a) {
			out = append(out, cloneAlert(a))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RaisedAt.Equal(out[j].RaisedAt) {
			return out[i].ID < out[j].ID
		}
		if newestFirst {
			return out[i].RaisedAt.After(out[j].RaisedAt)
		}
		return out[i].RaisedAt.Before(out[j].RaisedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func cloneAlert(a alert.Record) alert.Record {
	a.Recipients = append([]notify.Target(nil), a.Recipients...)
	a.Deliveries = append([]notify.DeliveryResult(nil), a.Deliveries...)
	return a
}
