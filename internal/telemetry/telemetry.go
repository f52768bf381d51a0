// Package telemetry feeds raw position reports from NATS, Kafka and
// GTFS-Realtime into a Processor.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"fleettrack/internal/gtfs"
	"fleettrack/internal/ingest"
	"fleettrack/internal/tracking"
)

// Processor consumes one report; tracking.Pipeline implements it.
type Processor interface {
	Process(ctx context.Context, raw ingest.RawPosition) (tracking.Outcome, error)
}

// Source runs until ctx is cancelled.
type Source interface {
	Name() string
	Run(ctx context.Context, p Processor) error
}

// SubjectPrefix is where devices publish JSON reports: telemetry.<vehicle>.
const SubjectPrefix = "telemetry"

// DecodeJSON parses one report. A vehicle id missing from the body is taken
// from fallbackID.
func DecodeJSON(data []byte, fallbackID string) (ingest.RawPosition, error) {
	var raw ingest.RawPosition
	if err := json.Unmarshal(data, &raw); err != nil {
		return raw, fmt.Errorf("%w: %w", ingest.ErrMalformed, err)
	}
	if strings.TrimSpace(raw.VehicleID) == "" {
		raw.VehicleID = fallbackID
	}
	return raw, nil
}

func handle(ctx context.Context, p Processor, log logrus.FieldLogger, source string, data []byte, fallbackID string) {
	raw, err := DecodeJSON(data, fallbackID)
	if err == nil {
		_, err = p.Process(ctx, raw)
	}
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrInvalidCoordinates), errors.Is(err, ingest.ErrMalformed):
		log.WithError(err).WithField("source", source).Debug("report rejected")
	default:
		log.WithError(err).WithField("source", source).Error("report not processed")
	}
}

// NATSSource subscribes to telemetry.>.
type NATSSource struct {
	nc  *nats.Conn
	log logrus.FieldLogger
}

func NewNATSSource(nc *nats.Conn, log logrus.FieldLogger) *NATSSource {
	return &NATSSource{nc: nc, log: log}
}

func (s *NATSSource) Name() string { return "nats" }

func (s *NATSSource) Run(ctx context.Context, p Processor) error {
	sub, err := s.nc.Subscribe(SubjectPrefix+".>", func(m *nats.Msg) {
		handle(ctx, p, s.log, "nats", m.Data, VehicleFromSubject(m.Subject))
	})
	if err != nil {
		return fmt.Errorf("subscribe %s.>: %w", SubjectPrefix, err)
	}
	s.log.WithField("subject", sub.Subject).Info("telemetry subscribed")
	<-ctx.Done()
	return sub.Unsubscribe()
}

// VehicleFromSubject returns the token after the telemetry prefix.
func VehicleFromSubject(subject string) string {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) < 2 || parts[0] != SubjectPrefix {
		return ""
	}
	return parts[1]
}

// KafkaSource reads one topic as part of a consumer group and commits each
// message after it has been handed to the processor.
type KafkaSource struct {
	reader *kafka.Reader
	log    logrus.FieldLogger
}

func NewKafkaSource(brokers []string, topic, groupID string, log logrus.FieldLogger) *KafkaSource {
	entry := log.WithField("source", "kafka")
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger:    kafka.LoggerFunc(entry.Errorf),
	})
	return &KafkaSource{reader: reader, log: entry}
}

func (s *KafkaSource) Name() string { return "kafka" }

func (s *KafkaSource) Run(ctx context.Context, p Processor) error {
	defer s.reader.Close()
	cfg := s.reader.Config()
	s.log.WithFields(logrus.Fields{"topic": cfg.Topic, "group": cfg.GroupID}).Info("telemetry consumer started")
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		handle(ctx, p, s.log, "kafka", msg.Value, string(msg.Key))
		if err := s.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Warn("commit failed")
		}
	}
}

// GTFSRTSource polls a VehiclePositions feed.
type GTFSRTSource struct {
	client   *gtfs.Client
	interval time.Duration
	log      logrus.FieldLogger
}

func NewGTFSRTSource(client *gtfs.Client, interval time.Duration, log logrus.FieldLogger) *GTFSRTSource {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &GTFSRTSource{client: client, interval: interval, log: log.WithField("source", "gtfsrt")}
}

func (s *GTFSRTSource) Name() string { return "gtfsrt" }

func (s *GTFSRTSource) Run(ctx context.Context, p Processor) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Poll(ctx, p); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Warn("poll failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll fetches the feed once and returns how many reports were accepted.
func (s *GTFSRTSource) Poll(ctx context.Context, p Processor) (int, error) {
	feed, err := s.client.Fetch(ctx)
	if err != nil {
		return 0, err
	}
	accepted := 0
	for _, raw := range gtfs.VehiclePositions(feed) {
		if _, err := p.Process(ctx, raw); err != nil {
			s.log.WithError(err).WithField("vehicle", raw.VehicleID).Debug("feed entity skipped")
			continue
		}
		accepted++
	}
	s.log.WithField("accepted", accepted).Debug("feed polled")
	return accepted, nil
}
