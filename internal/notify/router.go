package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Observer is told about every send; may be nil.
type Observer interface {
	ObserveNotification(ch Channel, delivered bool)
}

// Router selects a Sender per channel and falls back to a default one.
type Router struct {
	senders  map[Channel]Sender
	fallback Sender
	log      logrus.FieldLogger
	observer Observer
}

func NewRouter(fallback Sender, log logrus.FieldLogger, observer Observer) *Router {
	return &Router{senders: make(map[Channel]Sender), fallback: fallback, log: log, observer: observer}
}

// Handle registers s for ch, replacing any previous sender.
func (r *Router) Handle(ch Channel, s Sender) *Router {
	r.senders[ch] = s
	return r
}

func (r *Router) Send(ctx context.Context, ch Channel, recipient string, msg Message) DeliveryResult {
	s, ok := r.senders[ch]
	if !ok {
		s = r.fallback
	}
	var res DeliveryResult
	if s == nil {
		res = failed(ch, recipient, fmt.Errorf("no sender for channel %q", ch))
	} else {
		res = s.Send(ctx, ch, recipient, msg)
	}
	if r.observer != nil {
		r.observer.ObserveNotification(ch, res.Delivered)
	}
	if !res.Delivered {
		r.log.WithFields(logrus.Fields{
			"channel":   ch,
			"recipient": recipient,
			"alert_id":  msg.AlertID,
		}).Warnf("notification delivery failed: %s", res.Error)
	}
	return res
}

// LogSender writes notifications to the log. It always succeeds.
type LogSender struct {
	Log logrus.FieldLogger
}

func (s LogSender) Send(_ context.Context, ch Channel, recipient string, msg Message) DeliveryResult {
	s.Log.WithFields(logrus.Fields{
		"channel":   ch,
		"recipient": recipient,
		"alert_id":  msg.AlertID,
		"severity":  msg.Severity,
	}).Infof("notification: %s", msg.Subject)
	return delivered(ch, recipient, "log")
}

// Publisher is the subset of *nats.Conn used for push delivery.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// PushSender publishes JSON-encoded messages on notify.<recipient>.
type PushSender struct {
	pub Publisher
}

func NewPushSender(pub Publisher) *PushSender {
	return &PushSender{pub: pub}
}

func (s *PushSender) Send(ctx context.Context, ch Channel, recipient string, msg Message) DeliveryResult {
	if err := ctx.Err(); err != nil {
		return failed(ch, recipient, err)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return failed(ch, recipient, err)
	}
	subject := "notify." + pushToken(recipient)
	if err := s.pub.Publish(subject, b); err != nil {
		return failed(ch, recipient, fmt.Errorf("publish %s: %w", subject, err))
	}
	return delivered(ch, recipient, subject)
}

func pushToken(s string) string {
	s = strings.TrimSpace(s)
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
