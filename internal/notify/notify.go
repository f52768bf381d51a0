// Package notify delivers outbound messages over e-mail, push and log
// channels. Delivery failures are reported in the DeliveryResult, never
// raised to the caller.
package notify

import (
	"context"
	"errors"
	"time"
)

// Channel is an outbound delivery medium.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
)

// ErrDeliveryFailed marks a DeliveryResult whose send did not go through.
var ErrDeliveryFailed = errors.New("notification delivery failed")

// Message is the channel-independent content of a notification.
type Message struct {
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Severity string `json:"severity,omitempty"`
	AlertID  string `json:"alertId,omitempty"`
}

// DeliveryResult describes the outcome of one send.
type DeliveryResult struct {
	Channel    Channel   `json:"channel"`
	Recipient  string    `json:"recipient"`
	Delivered  bool      `json:"delivered"`
	ProviderID string    `json:"providerId,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Err returns a non-nil error wrapping ErrDeliveryFailed when delivery failed.
func (r DeliveryResult) Err() error {
	if r.Delivered {
		return nil
	}
	if r.Error == "" {
		return ErrDeliveryFailed
	}
	return errors.Join(ErrDeliveryFailed, errors.New(r.Error))
}

func delivered(ch Channel, recipient, providerID string) DeliveryResult {
	return DeliveryResult{Channel: ch, Recipient: recipient, Delivered: true, ProviderID: providerID, At: time.Now().UTC()}
}

func failed(ch Channel, recipient string, err error) DeliveryResult {
	return DeliveryResult{Channel: ch, Recipient: recipient, Error: err.Error(), At: time.Now().UTC()}
}

// Sender is the outbound notification capability.
type Sender interface {
	Send(ctx context.Context, ch Channel, recipient string, msg Message) DeliveryResult
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, ch Channel, recipient string, msg Message) DeliveryResult

func (f SenderFunc) Send(ctx context.Context, ch Channel, recipient string, msg Message) DeliveryResult {
	return f(ctx, ch, recipient, msg)
}

// PreferencesSchemaVersion is the current layout of Preferences.
const PreferencesSchemaVersion = 1

// Preferences says how a guardian wants to be reached. Unknown keys from
// older layouts are kept in Extra.
type Preferences struct {
	SchemaVersion int               `json:"schemaVersion" yaml:"schemaVersion"`
	Channels      []Channel         `json:"channels" yaml:"channels"`
	Email         string            `json:"email,omitempty" yaml:"email"`
	Phone         string            `json:"phone,omitempty" yaml:"phone"`
	PushTopic     string            `json:"pushTopic,omitempty" yaml:"pushTopic"`
	Extra         map[string]string `json:"extra,omitempty" yaml:"extra"`
}

// Recipient returns the address to use on ch, if any.
func (p Preferences) Recipient(ch Channel) (string, bool) {
	var addr string
	switch ch {
	case ChannelEmail:
		addr = p.Email
	case ChannelSMS:
		addr = p.Phone
	case ChannelPush, ChannelInApp:
		addr = p.PushTopic
	}
	return addr, addr != ""
}

// Targets lists the (channel, recipient) pairs the preferences resolve to,
// skipping channels without an address.
func (p Preferences) Targets() []Target {
	var out []Target
	for _, ch := range p.Channels {
		if addr, ok := p.Recipient(ch); ok {
			out = append(out, Target{Channel: ch, Recipient: addr})
		}
	}
	return out
}

// Target is one resolved destination.
type Target struct {
	Channel   Channel `json:"channel"`
	Recipient string  `json:"recipient"`
}
