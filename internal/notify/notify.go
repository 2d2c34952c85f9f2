// Package notify publishes subscription status changes on NATS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dukerupert/hearth/internal/domain"
)

// SubjectStatusChange is the subject status changes are published on.
const SubjectStatusChange = "billing.subscription.status"

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subj string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// Publisher sends status-change notifications.
type Publisher struct {
	conn    Conn
	subject string
}

// NewPublisher creates a publisher on conn.
func NewPublisher(conn Conn) *Publisher {
	return &Publisher{conn: conn, subject: SubjectStatusChange}
}

// PublishStatusChange publishes change and waits for the server to
// acknowledge the flush, so a returned nil means the message left the process.
func (p *Publisher) PublishStatusChange(ctx context.Context, change domain.StatusChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal status change: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", p.subject, err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush %s: %w", p.subject, err)
	}
	return nil
}

// Connect dials NATS with reconnect logging.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("hearth"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return nc, nil
}
