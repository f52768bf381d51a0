// Package tracking runs accepted position samples through persistence, ETA
// estimation, proximity alerting and the live map.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fleettrack/internal/alert"
	"fleettrack/internal/eta"
	"fleettrack/internal/ingest"
	"fleettrack/internal/keylock"
	"fleettrack/internal/livemap"
	"fleettrack/internal/notify"
)

// SampleSink persists accepted samples.
type SampleSink interface {
	SaveSample(ctx context.Context, p ingest.PositionSample) error
}

// PositionPublisher fans accepted samples out; may be nil.
type PositionPublisher interface {
	PublishPosition(p ingest.PositionSample) error
}

// Alerts is the part of alert.Dispatcher the pipeline drives.
type Alerts interface {
	Dispatch(ctx context.Context, t alert.Trigger) (alert.Result, error)
	ClearVehicle(vehicleID string)
	RetryFailed(ctx context.Context, limit int) (int, error)
}

// Observer counts samples and unavailable vehicles; may be nil. reason is
// empty for accepted samples.
type Observer interface {
	ObserveSample(reason string)
	ObserveUnavailable(n int)
}

// Stop is a vehicle's next stop together with who wants to hear about it.
type Stop struct {
	eta.Stop
	Recipients []notify.Target `json:"recipients,omitempty"`
}

type Options struct {
	RetryAttempts int
	RetryBase     time.Duration
	StaleAfter    time.Duration
	SweepInterval time.Duration
	RetryInterval time.Duration // notification redelivery
	RetryBatch    int
}

func (o *Options) defaults() {
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 200 * time.Millisecond
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 2 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 15 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = time.Minute
	}
	if o.RetryBatch <= 0 {
		o.RetryBatch = 50
	}
}

// maxBackoff caps a single retry delay.
const maxBackoff = 5 * time.Second

// Outcome is what processing one report produced.
type Outcome struct {
	Sample    ingest.PositionSample `json:"sample"`
	ETA       *eta.Result           `json:"eta,omitempty"`
	ETAError  string                `json:"etaError,omitempty"`
	Proximity eta.Level             `json:"proximity,omitempty"`
	Alert     *alert.Result         `json:"alert,omitempty"`
}

// VehicleStatus is the pipeline's view of one vehicle.
type VehicleStatus struct {
	VehicleID   string                `json:"vehicleId"`
	LastSample  ingest.PositionSample `json:"lastSample"`
	Stop        *Stop                 `json:"stop,omitempty"`
	Unavailable bool                  `json:"unavailable"`
}

type vehicle struct {
	last        ingest.PositionSample
	seen        bool
	stop        *Stop
	unavailable bool
}

type Pipeline struct {
	ingest *ingest.Ingestor
	sink   SampleSink
	est    *eta.Estimator
	alerts Alerts
	mapOut livemap.Handler
	pub    PositionPublisher
	obs    Observer
	log    logrus.FieldLogger
	opts   Options
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	locks    keylock.Map
	mu       sync.RWMutex
	vehicles map[string]*vehicle

	runWG sync.WaitGroup
}

func NewPipeline(in *ingest.Ingestor, sink SampleSink, est *eta.Estimator, alerts Alerts, mapOut livemap.Handler, log logrus.FieldLogger, opts Options) *Pipeline {
	opts.defaults()
	return &Pipeline{
		ingest:   in,
		sink:     sink,
		est:      est,
		alerts:   alerts,
		mapOut:   mapOut,
		log:      log,
		opts:     opts,
		now:      time.Now,
		sleep:    sleepCtx,
		vehicles: make(map[string]*vehicle),
	}
}

func (p *Pipeline) WithPublisher(pub PositionPublisher) *Pipeline {
	p.pub = pub
	return p
}

func (p *Pipeline) WithObserver(obs Observer) *Pipeline {
	p.obs = obs
	return p
}

func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Pipeline) vehicleLocked(id string) *vehicle {
	v, ok := p.vehicles[id]
	if !ok {
		v = &vehicle{}
		p.vehicles[id] = v
	}
	return v
}

// SetStop makes s the next stop of vehicleID. Proximity alerts for the
// previous stop are left to expire with their own records.
func (p *Pipeline) SetStop(vehicleID string, s Stop) error {
	if vehicleID == "" || s.Key == "" {
		return fmt.Errorf("set stop: vehicle and stop key required")
	}
	if !s.Position.Valid() {
		return fmt.Errorf("set stop %s: %w", s.Key, ingest.ErrInvalidCoordinates)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	stop := s
	stop.Recipients = append([]notify.Target(nil), s.Recipients...)
	p.vehicleLocked(vehicleID).stop = &stop
	return nil
}

// Process runs one raw report through the pipeline. A rejected report
// returns the *ingest.RejectError and touches nothing else. ETA failures
// are part of the Outcome, not errors.
func (p *Pipeline) Process(ctx context.Context, raw ingest.RawPosition) (Outcome, error) {
	sample, err := p.ingest.Accept(raw)
	if err != nil {
		var rej *ingest.RejectError
		reason := string(ingest.Malformed)
		if errors.As(err, &rej) {
			reason = string(rej.Reason)
		}
		if p.obs != nil {
			p.obs.ObserveSample(reason)
		}
		return Outcome{}, err
	}
	if p.obs != nil {
		p.obs.ObserveSample("")
	}

	unlock := p.locks.Lock(sample.VehicleID)
	defer unlock()

	if err := p.sink.SaveSample(ctx, sample); err != nil {
		return Outcome{}, fmt.Errorf("persist sample %s: %w", sample.ID, err)
	}
	if p.pub != nil {
		if err := p.pub.PublishPosition(sample); err != nil {
			p.log.WithError(err).WithField("vehicle", sample.VehicleID).Warn("position not published")
		}
	}

	p.mu.Lock()
	v := p.vehicleLocked(sample.VehicleID)
	older := v.seen && sample.CapturedAt.Before(v.last.CapturedAt)
	if !older {
		v.last, v.seen, v.unavailable = sample, true, false
	}
	var stop *Stop
	if v.stop != nil {
		s := *v.stop
		stop = &s
	}
	p.mu.Unlock()

	out := Outcome{Sample: sample}
	if older {
		// late delivery: persisted, but the live state stays on the newer fix
		return out, nil
	}

	if stop != nil {
		p.estimate(ctx, sample, *stop, &out)
	}

	p.mapOut.HandleVehicle(livemap.Event{
		VehicleID:    sample.VehicleID,
		Lat:          sample.Latitude,
		Lng:          sample.Longitude,
		Status:       movementStatus(sample),
		PopupContent: popup(sample, stop, out),
		At:           sample.CapturedAt,
	})
	return out, nil
}

func (p *Pipeline) estimate(ctx context.Context, sample ingest.PositionSample, stop Stop, out *Outcome) {
	res, err := p.estimateWithRetry(ctx, sample, stop.Stop)
	if err != nil {
		out.ETAError = err.Error()
		if live, lerr := p.est.Live(sample.VehicleID); lerr == nil {
			out.ETA = &live
		}
		p.log.WithError(err).WithFields(logrus.Fields{
			"vehicle": sample.VehicleID,
			"stop":    stop.Key,
		}).Warn("eta unavailable")
		return
	}
	out.ETA = &res

	level, ok := res.Proximity()
	if !ok {
		return
	}
	out.Proximity = level
	r, err := p.alerts.Dispatch(ctx, alert.ProximityTrigger{
		VehicleID:  sample.VehicleID,
		StopKey:    stop.Key,
		Level:      level,
		DistanceKm: res.DistanceKm,
		ETAMinutes: res.DurationMinutes,
		Recipients: stop.Recipients,
		At:         sample.CapturedAt,
	})
	if err != nil {
		p.log.WithError(err).WithField("vehicle", sample.VehicleID).Error("proximity alert failed")
		return
	}
	out.Alert = &r
}

// estimateWithRetry retries provider failures with exponential backoff.
func (p *Pipeline) estimateWithRetry(ctx context.Context, sample ingest.PositionSample, stop eta.Stop) (eta.Result, error) {
	delay := p.opts.RetryBase
	var err error
	for attempt := 1; ; attempt++ {
		var res eta.Result
		res, err = p.est.Estimate(ctx, sample.VehicleID, sample, stop)
		if err == nil {
			return res, nil
		}
		if attempt >= p.opts.RetryAttempts || ctx.Err() != nil {
			break
		}
		if serr := p.sleep(ctx, delay); serr != nil {
			break
		}
		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}
	return eta.Result{}, err
}

// movingBelow is the speed under which a vehicle is shown idle.
const movingBelow = 0.5

func movementStatus(s ingest.PositionSample) livemap.Status {
	if s.SpeedMps < movingBelow {
		return livemap.StatusIdle
	}
	return livemap.StatusActive
}

func popup(s ingest.PositionSample, stop *Stop, out Outcome) string {
	text := s.VehicleID
	if stop == nil {
		return text
	}
	name := stop.Name
	if name == "" {
		name = stop.Key
	}
	if out.ETA == nil {
		return fmt.Sprintf("%s · ETA to %s unavailable", text, name)
	}
	text = fmt.Sprintf("%s · %.0f min to %s (%.1f km)", text, out.ETA.DurationMinutes, name, out.ETA.DistanceKm)
	if out.ETA.Stale {
		text += " · stale"
	}
	return text
}

// EndTrip forgets everything live about the vehicle: ETA, proximity
// de-duplication, marker and next stop.
func (p *Pipeline) EndTrip(vehicleID string) {
	unlock := p.locks.Lock(vehicleID)
	defer unlock()
	p.est.Forget(vehicleID)
	p.alerts.ClearVehicle(vehicleID)
	p.mu.Lock()
	delete(p.vehicles, vehicleID)
	n := p.unavailableLocked()
	p.mu.Unlock()
	p.mapOut.HandleRemove(livemap.RemoveEvent{VehicleID: vehicleID})
	if p.obs != nil {
		p.obs.ObserveUnavailable(n)
	}
	p.log.WithField("vehicle", vehicleID).Info("trip ended")
}

// Sweep flags vehicles whose last fix is older than StaleAfter and pushes a
// "tracking unavailable" marker for each newly flagged one.
func (p *Pipeline) Sweep(now time.Time) []string {
	var flagged []livemap.Event
	p.mu.Lock()
	for id, v := range p.vehicles {
		if !v.seen || v.unavailable || now.Sub(v.last.CapturedAt) <= p.opts.StaleAfter {
			continue
		}
		v.unavailable = true
		flagged = append(flagged, livemap.Event{
			VehicleID:    id,
			Lat:          v.last.Latitude,
			Lng:          v.last.Longitude,
			Status:       livemap.StatusUnavailable,
			PopupContent: livemap.TrackingUnavailable,
			At:           v.last.CapturedAt,
		})
	}
	n := p.unavailableLocked()
	p.mu.Unlock()

	sort.Slice(flagged, func(i, j int) bool { return flagged[i].VehicleID < flagged[j].VehicleID })
	ids := make([]string, 0, len(flagged))
	for _, e := range flagged {
		p.mapOut.HandleVehicle(e)
		ids = append(ids, e.VehicleID)
	}
	if p.obs != nil {
		p.obs.ObserveUnavailable(n)
	}
	if len(ids) > 0 {
		p.log.WithField("vehicles", ids).Warn(livemap.TrackingUnavailable)
	}
	return ids
}

func (p *Pipeline) unavailableLocked() int {
	n := 0
	for _, v := range p.vehicles {
		if v.unavailable {
			n++
		}
	}
	return n
}

// Status reports what the pipeline knows about vehicleID.
func (p *Pipeline) Status(vehicleID string) (VehicleStatus, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.vehicles[vehicleID]
	if !ok {
		return VehicleStatus{}, false
	}
	st := VehicleStatus{VehicleID: vehicleID, LastSample: v.last, Unavailable: v.unavailable}
	if v.stop != nil {
		s := *v.stop
		st.Stop = &s
	}
	return st, true
}

// Run sweeps for stale vehicles and redelivers failed notifications until
// ctx is cancelled. extra is called on every sweep tick, e.g. to age an
// in-process map.
func (p *Pipeline) Run(ctx context.Context, extra func(now time.Time)) {
	p.runWG.Add(2)
	go func() {
		defer p.runWG.Done()
		ticker := time.NewTicker(p.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := p.now()
				p.Sweep(now)
				if extra != nil {
					extra(now)
				}
			}
		}
	}()
	go func() {
		defer p.runWG.Done()
		ticker := time.NewTicker(p.opts.RetryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := p.alerts.RetryFailed(ctx, p.opts.RetryBatch)
				if err != nil {
					p.log.WithError(err).Error("notification retry failed")
					continue
				}
				if n > 0 {
					p.log.WithField("alerts", n).Info("notifications redelivered")
				}
			}
		}
	}()
}

// Wait blocks until the loops started by Run have returned.
func (p *Pipeline) Wait() { p.runWG.Wait() }
