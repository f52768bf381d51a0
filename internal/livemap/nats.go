package livemap

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Subject layout of map events.
const (
	SubjectPrefix  = "map"
	SubjectVehicle = SubjectPrefix + ".vehicle"
	SubjectRoute   = SubjectPrefix + ".route"
	SubjectRemove  = SubjectPrefix + ".remove"
)

// NATSSource feeds a Handler from the map.> subjects.
type NATSSource struct {
	nc  *nats.Conn
	log logrus.FieldLogger
}

func NewNATSSource(nc *nats.Conn, log logrus.FieldLogger) *NATSSource {
	return &NATSSource{nc: nc, log: log}
}

func (s *NATSSource) Subscribe(h Handler) (func() error, error) {
	sub, err := s.nc.Subscribe(SubjectPrefix+".>", func(m *nats.Msg) {
		if err := Deliver(h, m.Subject, m.Data); err != nil {
			s.log.WithError(err).WithField("subject", m.Subject).Warn("drop map event")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s.>: %w", SubjectPrefix, err)
	}
	return sub.Unsubscribe, nil
}

// Deliver decodes one map message by subject and hands it to h.
func Deliver(h Handler, subject string, data []byte) error {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) < 2 || parts[0] != SubjectPrefix {
		return fmt.Errorf("unexpected subject %q", subject)
	}
	switch parts[1] {
	case "vehicle":
		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("decode vehicle event: %w", err)
		}
		h.HandleVehicle(e)
	case "route":
		var e RouteEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("decode route event: %w", err)
		}
		h.HandleRoute(e)
	case "remove":
		var e RemoveEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("decode remove event: %w", err)
		}
		if e.VehicleID == "" && len(parts) == 3 {
			e.VehicleID = parts[2]
		}
		h.HandleRemove(e)
	default:
		return fmt.Errorf("unknown map event %q", parts[1])
	}
	return nil
}
