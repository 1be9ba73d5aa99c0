package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-link/internal/protocol"
	"github.com/loqalabs/loqa-link/internal/tools"
)

// Publisher emits JSON events under a subject prefix. A nil Publisher or one
// without a connection drops everything, so callers never need to check
// whether the bus is enabled.
type Publisher struct {
	conn      publisherConn
	prefix    string
	log       *slog.Logger
	published metric.Int64Counter
}

type publisherConn interface {
	Publish(subject string, data []byte) error
}

func NewPublisher(c *Client, prefix string, log *slog.Logger) *Publisher {
	p := &Publisher{
		prefix: strings.Trim(prefix, "."),
		log:    log.With(slog.String("component", "bus")),
	}
	if c != nil && c.conn != nil {
		p.conn = c.conn
	}
	meter := otel.Meter("github.com/loqalabs/loqa-link/bus")
	counter, err := meter.Int64Counter("loqa_link.bus.published",
		metric.WithDescription("Events mirrored to the message bus"))
	if err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	} else {
		p.published = counter
	}
	return p
}

// Subject prefixes name with the configured prefix.
func (p *Publisher) Subject(name string) string {
	if p.prefix == "" {
		return name
	}
	return p.prefix + "." + name
}

func (p *Publisher) Publish(name string, v any) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Warn("failed to encode bus event", slog.String("subject", name), slog.String("error", err.Error()))
		return
	}
	subject := p.Subject(name)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn("failed to publish bus event", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if p.published != nil {
		p.published.Add(context.Background(), 1, metric.WithAttributes(attribute.String("subject", name)))
	}
}

// RelayFrame mirrors a non-intent relay frame.
func (p *Publisher) RelayFrame(frame protocol.RelayResponse) {
	p.Publish(protocol.SubjectRelayFrame, frame)
}

func (p *Publisher) Status(channel, status string, attempts int) {
	subject := protocol.SubjectRelayStatus
	if channel == "voice" {
		subject = protocol.SubjectVoiceStatus
	}
	p.Publish(subject, protocol.StatusEvent{
		Channel:   channel,
		Status:    status,
		Attempts:  attempts,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Publisher) Transcript(sessionID, text string) {
	p.Publish(protocol.SubjectTranscript, protocol.Transcript{
		SessionID: sessionID,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
}

type invocationEvent struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	ToolID    string `json:"tool_id,omitempty"`
	Outcome   string `json:"outcome"`
	Reply     string `json:"reply"`
	Delivered bool   `json:"delivered"`
	Millis    int64  `json:"duration_ms"`
}

// RecordInvocation satisfies tools.Recorder.
func (p *Publisher) RecordInvocation(_ context.Context, inv tools.Invocation) error {
	p.Publish(protocol.SubjectToolReply, invocationEvent{
		ID:        inv.ID,
		RequestID: inv.RequestID,
		ToolID:    inv.ToolID,
		Outcome:   string(inv.Outcome),
		Reply:     inv.Reply,
		Delivered: inv.Delivered,
		Millis:    inv.FinishedAt.Sub(inv.StartedAt).Milliseconds(),
	})
	return nil
}

// Notify satisfies tools.Notifier.
func (p *Publisher) Notify(title, body string) {
	p.Publish(protocol.SubjectNotify, map[string]string{"title": title, "body": body})
}
