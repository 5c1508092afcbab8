// Package publish fans the event stream out over NATS.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/datalens/internal/events"
)

// DefaultSubject is the subject prefix events are published under.
const DefaultSubject = "datalens.events"

// Message is the payload published for each event.
type Message struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	events.Event
}

// Publisher is an engine sink publishing each event on
// <subject>.<session id>.
type Publisher struct {
	conn    *nats.Conn
	subject string
	logger  *logging.Logger
}

// Connect dials the NATS server at url.
func Connect(url, subject string) (*Publisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	logger := logging.New().WithComponent("publish")

	conn, err := nats.Connect(url,
		nats.Name("datalens"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", map[string]interface{}{"error": err.Error()})
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", map[string]interface{}{"url": c.ConnectedUrl()})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	logger.Info("publishing events", map[string]interface{}{"url": url, "subject": subject})
	return &Publisher{conn: conn, subject: subject, logger: logger}, nil
}

// Subject returns the subject events of a session are published on.
func (p *Publisher) Subject(sessionID string) string {
	return p.subject + "." + Token(sessionID)
}

// Emit publishes ev.
func (p *Publisher) Emit(ctx context.Context, sessionID string, ev events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(Message{SessionID: sessionID, Timestamp: time.Now(), Event: ev})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(sessionID), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}

// Token makes s usable as a single subject token.
func Token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
