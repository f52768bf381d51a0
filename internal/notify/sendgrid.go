package notify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

// SendGridSender delivers e-mail through the SendGrid v3 mail API.
type SendGridSender struct {
	key        string
	host       string
	from       *sgmail.Email
	subjPrefix string
}

func NewSendGridSender(key, appName, fromEmail string) *SendGridSender {
	return &SendGridSender{
		key:        key,
		host:       sendgridHost,
		from:       sgmail.NewEmail(appName, fromEmail),
		subjPrefix: "[" + appName + "] ",
	}
}

// WithHost points the sender at another API host (tests, EU region).
func (s *SendGridSender) WithHost(host string) *SendGridSender {
	s.host = host
	return s
}

func (s *SendGridSender) prepare(recipient string, msg Message) *sgmail.SGMailV3 {
	p := sgmail.NewPersonalization()
	p.Subject = s.subjPrefix + msg.Subject
	p.AddTos(sgmail.NewEmail("", recipient))

	m := sgmail.NewV3Mail()
	m.SetFrom(s.from)
	m.AddPersonalizations(p)
	m.AddContent(sgmail.NewContent("text/plain", msg.Body))
	return m
}

func (s *SendGridSender) Send(ctx context.Context, ch Channel, recipient string, msg Message) DeliveryResult {
	req := sendgrid.GetRequest(s.key, sendgridEndpoint, s.host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(s.prepare(recipient, msg))

	res, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return failed(ch, recipient, fmt.Errorf("sendgrid: %w", err))
	}
	if res.StatusCode >= http.StatusBadRequest {
		return failed(ch, recipient, fmt.Errorf("sendgrid status %d: %s", res.StatusCode, res.Body))
	}
	var id string
	if v := res.Headers["X-Message-Id"]; len(v) > 0 {
		id = v[0]
	}
	return delivered(ch, recipient, id)
}
