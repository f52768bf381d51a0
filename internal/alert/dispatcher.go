package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fleettrack/internal/attendance"
	"fleettrack/internal/eta"
	"fleettrack/internal/keylock"
	"fleettrack/internal/notify"
)

// Repository persists alert records.
type Repository interface {
	CreateAlert(ctx context.Context, r Record) error
	SaveAlert(ctx context.Context, r Record) error
	GetAlert(ctx context.Context, id string) (Record, error)
	ListPendingDeliveries(ctx context.Context, maxAttempts, limit int) ([]Record, error)
}

// Publisher fans records out to subscribers; may be nil.
type Publisher interface {
	PublishAlert(r Record) error
}

// Observer is told about raised and suppressed alerts; may be nil.
type Observer interface {
	ObserveAlertRaised(kind, severity string)
	ObserveAlertSuppressed(kind string)
}

// Result is the outcome of Dispatch. Suppressed is set when a proximity
// trigger repeated the level of the vehicle's current alert for the stop.
type Result struct {
	Record     Record `json:"record"`
	Suppressed bool   `json:"suppressed"`
}

type openAlert struct {
	level    eta.Level
	recordID string
}

type Dispatcher struct {
	repo        Repository
	sender      notify.Sender
	pub         Publisher
	obs         Observer
	log         logrus.FieldLogger
	now         func() time.Time
	maxAttempts int

	locks keylock.Map
	mu    sync.Mutex
	open  map[string]openAlert // vehicle|stop -> current proximity alert
}

func NewDispatcher(repo Repository, sender notify.Sender, pub Publisher, obs Observer, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{
		repo:        repo,
		sender:      sender,
		pub:         pub,
		obs:         obs,
		log:         log,
		now:         time.Now,
		maxAttempts: 5,
		open:        make(map[string]openAlert),
	}
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// WithMaxAttempts bounds delivery attempts per record, RetryFailed included.
func (d *Dispatcher) WithMaxAttempts(n int) *Dispatcher {
	if n > 0 {
		d.maxAttempts = n
	}
	return d
}

func proximityKey(vehicleID, stopKey string) string { return vehicleID + "|" + stopKey }

// Dispatch raises a record for t. Notification failures are recorded on the
// record and logged; only a persistence failure returns an error.
func (d *Dispatcher) Dispatch(ctx context.Context, t Trigger) (Result, error) {
	if p, ok := t.(ProximityTrigger); ok {
		return d.dispatchProximity(ctx, p)
	}
	rec, err := d.raise(ctx, t)
	return Result{Record: rec}, err
}

func (d *Dispatcher) dispatchProximity(ctx context.Context, t ProximityTrigger) (Result, error) {
	level, ok := eta.ClassifyProximity(t.DistanceKm, t.ETAMinutes)
	if !ok && t.Level == eta.LevelNone {
		return Result{}, fmt.Errorf("proximity trigger for %s without level", t.VehicleID)
	}
	if t.Level != eta.LevelNone && t.Level != level {
		return Result{}, fmt.Errorf("%w: %s given, %s at %.2f km / %.1f min", ErrLevelMismatch, t.Level, level, t.DistanceKm, t.ETAMinutes)
	}
	t.Level = level

	key := proximityKey(t.VehicleID, t.StopKey)
	unlock := d.locks.Lock(key)
	defer unlock()

	d.mu.Lock()
	cur, ok := d.open[key]
	d.mu.Unlock()

	// A repeat at the same level is suppressed even after an operator closed
	// the record: one alert per level transition. Only an open record is
	// touched.
	if ok && cur.level == t.Level {
		if d.obs != nil {
			d.obs.ObserveAlertSuppressed(string(KindProximity))
		}
		rec, err := d.update(ctx, cur.recordID, func(r *Record) error {
			if !r.State.Open() {
				return errUnchanged
			}
			r.UpdatedAt = d.stamp(t.At)
			r.DistanceKm = t.DistanceKm
			r.ETAMinutes = t.ETAMinutes
			return nil
		})
		if err != nil {
			return Result{}, fmt.Errorf("touch alert %s: %w", cur.recordID, err)
		}
		return Result{Record: rec, Suppressed: true}, nil
	}

	rec, err := d.raise(ctx, t)
	if err != nil {
		return Result{}, err
	}
	d.mu.Lock()
	d.open[key] = openAlert{level: t.Level, recordID: rec.ID}
	d.mu.Unlock()
	return Result{Record: rec}, nil
}

// errUnchanged tells update to skip the save.
var errUnchanged = errors.New("unchanged")

// update reloads record id under its lock, applies mutate and saves the
// result. Every write to an existing record goes through here so lifecycle
// transitions are never overwritten by a stale copy.
func (d *Dispatcher) update(ctx context.Context, id string, mutate func(*Record) error) (Record, error) {
	unlock := d.locks.Lock("record|" + id)
	defer unlock()
	rec, err := d.repo.GetAlert(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if err := mutate(&rec); err != nil {
		if errors.Is(err, errUnchanged) {
			return rec, nil
		}
		return Record{}, err
	}
	if err := d.repo.SaveAlert(ctx, rec); err != nil {
		return rec, fmt.Errorf("save alert %s: %w", id, err)
	}
	return rec, nil
}

func (d *Dispatcher) stamp(at time.Time) time.Time {
	if at.IsZero() {
		at = d.now()
	}
	return at.UTC()
}

func (d *Dispatcher) raise(ctx context.Context, t Trigger) (Record, error) {
	rec := d.build(t)
	if err := d.repo.CreateAlert(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("create %s alert: %w", rec.Kind, err)
	}
	if d.obs != nil {
		d.obs.ObserveAlertRaised(string(rec.Kind), string(rec.Severity))
	}
	d.log.WithFields(logrus.Fields{
		"alert_id": rec.ID,
		"kind":     rec.Kind,
		"severity": rec.Severity,
		"vehicle":  rec.VehicleID,
		"stop":     rec.StopKey,
	}).Info("alert raised")

	d.publish(rec)
	if len(rec.Recipients) > 0 {
		delivered, err := d.update(ctx, rec.ID, func(r *Record) error {
			d.deliver(ctx, r, r.Recipients)
			return nil
		})
		if err != nil {
			d.log.WithError(err).WithField("alert_id", rec.ID).Error("record delivery outcome")
		}
		if delivered.ID != "" {
			rec = delivered
		}
	}
	return rec, nil
}

func (d *Dispatcher) publish(rec Record) {
	if d.pub == nil {
		return
	}
	if err := d.pub.PublishAlert(rec); err != nil {
		d.log.WithError(err).WithField("alert_id", rec.ID).Warn("publish alert")
	}
}

func (d *Dispatcher) deliver(ctx context.Context, rec *Record, targets []notify.Target) {
	msg := notify.Message{Subject: rec.Title, Body: rec.Message, Severity: string(rec.Severity), AlertID: rec.ID}
	for _, tg := range targets {
		res := d.sender.Send(ctx, tg.Channel, tg.Recipient, msg)
		rec.Deliveries = append(rec.Deliveries, res)
	}
	rec.Attempts++
	rec.DeliveryPending = len(rec.Undelivered()) > 0 && rec.Attempts < d.maxAttempts
	if rec.DeliveryPending {
		d.log.WithFields(logrus.Fields{
			"alert_id": rec.ID,
			"attempts": rec.Attempts,
		}).Warn("notification delivery incomplete; will retry")
	}
}

func (d *Dispatcher) build(t Trigger) Record {
	now := d.now().UTC()
	rec := Record{
		ID:       uuid.NewString(),
		Kind:     t.Kind(),
		Severity: SeverityOf(t),
		State:    StatePending,
		Meta:     Meta{SchemaVersion: MetaSchemaVersion},
		RaisedAt: now,
	}
	switch t := t.(type) {
	case ProximityTrigger:
		rec.RaisedAt = d.stamp(t.At)
		rec.VehicleID = t.VehicleID
		rec.StopKey = t.StopKey
		rec.Level = t.Level
		rec.DistanceKm = t.DistanceKm
		rec.ETAMinutes = t.ETAMinutes
		rec.Title = fmt.Sprintf("Bus %s %s", t.VehicleID, strings.ReplaceAll(string(t.Level), "_", " "))
		rec.Message = fmt.Sprintf("Bus %s is %.2f km from stop %s, about %.0f min away.", t.VehicleID, t.DistanceKm, t.StopKey, t.ETAMinutes)
		rec.Recipients = t.Recipients
	case AttendanceTrigger:
		e := t.Event
		c := e.Classification()
		rec.RaisedAt = d.stamp(t.At)
		rec.Meta.StudentID = e.StudentID
		rec.Meta.RouteID = e.RouteID
		rec.Meta.EventID = e.ID
		rec.Meta.Label = string(c.Label)
		rec.Meta.Reason = string(e.EventType)
		name := t.Profile.Name
		if name == "" {
			name = e.StudentID
		}
		switch {
		case e.Status == attendance.StatusMissed:
			rec.Title = fmt.Sprintf("%s missed the %s %s", name, e.Session, e.EventType)
			rec.Message = fmt.Sprintf("%s was marked absent (%s).", name, e.EventType)
		case c.DelayMinutes != nil:
			rec.Title = fmt.Sprintf("%s %s %s", name, e.EventType, strings.ReplaceAll(string(c.Label), "_", " "))
			rec.Message = fmt.Sprintf("The %s %s happened %d minutes off schedule.", e.Session, e.EventType, *c.DelayMinutes)
		default:
			rec.Title = fmt.Sprintf("%s %s update", name, e.EventType)
			rec.Message = c.DisplayLabel()
		}
		rec.Recipients = t.Profile.Targets()
	case SafetyTrigger:
		rec.RaisedAt = d.stamp(t.At)
		rec.VehicleID = t.VehicleID
		rec.Meta.StudentID = t.StudentID
		rec.Meta.RouteID = t.RouteID
		rec.Meta.EventID = t.EventID
		rec.Meta.Reason = t.Condition
		rec.Title = "Safety alert: " + strings.ReplaceAll(t.Condition, "_", " ")
		rec.Message = t.Description
		rec.Recipients = t.Recipients
	}
	rec.UpdatedAt = rec.RaisedAt
	return rec
}

// AttendanceOutcome raises the alerts an attendance change calls for and
// reports whether any guardian was reached.
func (d *Dispatcher) AttendanceOutcome(ctx context.Context, e attendance.Event, p attendance.StudentProfile) (bool, error) {
	notified := false
	if e.AffectsSafetyCompliance(p) {
		res, err := d.Dispatch(ctx, SafetyTrigger{
			Condition:   ConditionSafetyCompliance,
			StudentID:   e.StudentID,
			RouteID:     e.RouteID,
			EventID:     e.ID,
			Description: fmt.Sprintf("Special-needs student %s is absent from the %s %s.", e.StudentID, e.Session, e.EventType),
			Recipients:  p.Targets(),
		})
		if err != nil {
			return false, err
		}
		notified = res.Record.Notified()
	}
	if attendance.NotificationWarranted(&e) {
		res, err := d.Dispatch(ctx, AttendanceTrigger{Event: e, Profile: p})
		if err != nil {
			return notified, err
		}
		notified = notified || res.Record.Notified()
	}
	return notified, nil
}

// Acknowledge, Resolve and Dismiss drive the record lifecycle.
func (d *Dispatcher) Acknowledge(ctx context.Context, id, actor string) (Record, error) {
	return d.transition(ctx, id, StateAcknowledged, actor)
}

func (d *Dispatcher) Resolve(ctx context.Context, id, actor string) (Record, error) {
	return d.transition(ctx, id, StateResolved, actor)
}

func (d *Dispatcher) Dismiss(ctx context.Context, id, actor string) (Record, error) {
	return d.transition(ctx, id, StateDismissed, actor)
}

func (d *Dispatcher) transition(ctx context.Context, id string, to State, actor string) (Record, error) {
	rec, err := d.update(ctx, id, func(r *Record) error {
		return r.Transition(to, actor, d.now())
	})
	if err != nil {
		return Record{}, err
	}
	d.publish(rec)
	return rec, nil
}

// Get loads one record.
func (d *Dispatcher) Get(ctx context.Context, id string) (Record, error) {
	return d.repo.GetAlert(ctx, id)
}

// RetryFailed re-sends to recipients not reached yet and returns how many
// records were retried.
func (d *Dispatcher) RetryFailed(ctx context.Context, limit int) (int, error) {
	recs, err := d.repo.ListPendingDeliveries(ctx, d.maxAttempts, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending deliveries: %w", err)
	}
	n := 0
	for _, listed := range recs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		retried := false
		_, err := d.update(ctx, listed.ID, func(r *Record) error {
			// The listed copy may be stale.
			if !r.DeliveryPending || r.Attempts >= d.maxAttempts {
				return errUnchanged
			}
			d.deliver(ctx, r, r.Undelivered())
			retried = true
			return nil
		})
		if err != nil {
			d.log.WithError(err).WithField("alert_id", listed.ID).Error("record retry outcome")
			continue
		}
		if retried {
			n++
		}
	}
	return n, nil
}

// ClearVehicle forgets the vehicle's proximity de-dup state, typically at
// trip end, so the next trip starts fresh.
func (d *Dispatcher) ClearVehicle(vehicleID string) {
	prefix := vehicleID + "|"
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.open {
		if strings.HasPrefix(k, prefix) {
			delete(d.open, k)
		}
	}
}

// OpenLevel returns the current proximity level tracked for vehicle and stop.
func (d *Dispatcher) OpenLevel(vehicleID, stopKey string) (eta.Level, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.open[proximityKey(vehicleID, stopKey)]
	return o.level, ok
}
