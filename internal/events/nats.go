package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the subject root for published events.
const DefaultSubjectPrefix = "mqol.events"

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every event as JSON on <prefix>.<session>.<type>.
type NATSSink struct {
	pub    Publisher
	prefix string
}

// NewNATSSink wraps a publisher. An empty prefix selects DefaultSubjectPrefix.
func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{pub: pub, prefix: prefix}
}

// Subject returns the subject an event is published on.
func (s *NATSSink) Subject(ev Event) string {
	return s.prefix + "." + subjectToken(ev.SessionID) + "." + string(ev.Type)
}

// Emit implements Emitter.
func (s *NATSSink) Emit(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.pub.Publish(s.Subject(ev), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// subjectToken keeps a session ID from splitting or wildcarding the subject.
func subjectToken(id string) string {
	if id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, id)
}

// ConnectNATS dials a NATS server for event publishing.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("mqol-events"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}
