package publisher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"fleettrack/internal/alert"
	"fleettrack/internal/ingest"
	"fleettrack/internal/livemap"
)

// Subjects. Position and alert subjects end with sanitized tokens.
const (
	SubjectPositions = "positions"
	SubjectAlerts    = "alerts"
)

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

type conn interface {
	Publish(subject string, data []byte) error
}

type NATSPublisher struct {
	nc          *nats.Conn
	conn        conn
	log         logrus.FieldLogger
	logSubjects bool
	metrics     PublisherMetrics
}

// Connect dials NATS and keeps m's connected gauge in step with the connection.
func Connect(url, name string, m PublisherMetrics, log logrus.FieldLogger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.WithField("url", c.ConnectedUrl()).Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return nc, nil
}

func NewNATSPublisher(nc *nats.Conn, logSubjects bool, m PublisherMetrics, log logrus.FieldLogger) *NATSPublisher {
	p := newPublisher(nc, logSubjects, m, log)
	p.nc = nc
	return p
}

func newPublisher(c conn, logSubjects bool, m PublisherMetrics, log logrus.FieldLogger) *NATSPublisher {
	return &NATSPublisher{conn: c, log: log, logSubjects: logSubjects, metrics: m}
}

// Conn exposes the shared connection for subscribers.
func (p *NATSPublisher) Conn() *nats.Conn { return p.nc }

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// Publish sends raw bytes, counting and timing the call.
func (p *NATSPublisher) Publish(subject string, data []byte) error {
	if p.logSubjects {
		p.log.WithField("subject", subject).Debug("nats publish")
	}
	start := time.Now()
	err := p.conn.Publish(subject, data)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *NATSPublisher) publishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.Publish(subject, b)
}

// PositionMessage is the wire form of an accepted sample.
type PositionMessage struct {
	SampleID  string    `json:"sampleId"`
	VehicleID string    `json:"vehicleId"`
	TripID    string    `json:"tripId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Bearing   float64   `json:"bearing"`
	SpeedMps  float64   `json:"speedMps"`
}

// PositionSubject is positions.<vehicle>[.<trip>].
func PositionSubject(vehicleID, tripID string) string {
	s := SubjectPositions + "." + subjectToken(vehicleID)
	if tripID != "" {
		s += "." + subjectToken(tripID)
	}
	return s
}

func (p *NATSPublisher) PublishPosition(s ingest.PositionSample) error {
	return p.publishJSON(PositionSubject(s.VehicleID, s.TripID), PositionMessage{
		SampleID:  s.ID,
		VehicleID: s.VehicleID,
		TripID:    s.TripID,
		Timestamp: s.CapturedAt,
		Lat:       s.Latitude,
		Lon:       s.Longitude,
		Bearing:   s.Heading,
		SpeedMps:  s.SpeedMps,
	})
}

// AlertSubject is alerts.<kind>.<severity>.
func AlertSubject(r alert.Record) string {
	return fmt.Sprintf("%s.%s.%s", SubjectAlerts, subjectToken(string(r.Kind)), subjectToken(string(r.Severity)))
}

// PublishAlert implements alert.Publisher.
func (p *NATSPublisher) PublishAlert(r alert.Record) error {
	return p.publishJSON(AlertSubject(r), r)
}

// MapHandler adapts the publisher to livemap.Handler so producers can emit
// map events without knowing the transport.
func (p *NATSPublisher) MapHandler() livemap.Handler { return mapHandler{p} }

type mapHandler struct{ p *NATSPublisher }

func (h mapHandler) HandleVehicle(e livemap.Event) {
	h.send(livemap.SubjectVehicle+"."+subjectToken(e.VehicleID), e)
}

func (h mapHandler) HandleRoute(e livemap.RouteEvent) {
	h.send(livemap.SubjectRoute+"."+subjectToken(e.RouteID), e)
}

func (h mapHandler) HandleRemove(e livemap.RemoveEvent) {
	h.send(livemap.SubjectRemove+"."+subjectToken(e.VehicleID), e)
}

func (h mapHandler) send(subject string, v any) {
	if err := h.p.publishJSON(subject, v); err != nil {
		h.p.log.WithError(err).Warn("map event not published")
	}
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
