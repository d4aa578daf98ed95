// Package delivery hands issued magic-link tokens to the out-of-band
// delivery collaborators (mailer, chat bot). The workers that actually send
// email or bot messages consume the queue; this package only publishes.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"formulation/internal/util"
	"formulation/pkg/domain"
)

// DefaultQueue is the queue magic-link jobs are published to.
const DefaultQueue = "formulation.magic_links"

// MagicLinkJob carries everything a delivery worker needs. The raw token is
// part of the payload; the queue is a trusted internal channel.
type MagicLinkJob struct {
	Identity  domain.Identity `json:"identity"`
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Publisher hands a magic-link job to the delivery channel.
type Publisher interface {
	PublishMagicLink(ctx context.Context, job MagicLinkJob) error
	Close() error
}

// AMQPPublisher publishes delivery jobs to a durable RabbitMQ queue.
type AMQPPublisher struct {
	mu    sync.Mutex
	url   string
	queue string
	conn  *amqp.Connection
	ch    *amqp.Channel
}

// NewAMQPPublisher connects to the broker and declares the queue.
func NewAMQPPublisher(url, queue string) (*AMQPPublisher, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url is required")
	}
	if strings.TrimSpace(queue) == "" {
		queue = DefaultQueue
	}
	p := &AMQPPublisher{url: url, queue: queue}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	p.conn = conn
	p.ch = ch
	return nil
}

// PublishMagicLink publishes one persistent JSON message. A broken channel
// is reconnected once before giving up.
func (p *AMQPPublisher) PublishMagicLink(ctx context.Context, job MagicLinkJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	publish := func() error {
		return p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    util.NewID(),
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
	}
	if err := publish(); err != nil {
		if reconnectErr := p.connect(); reconnectErr != nil {
			return fmt.Errorf("publish magic link: %w", err)
		}
		if err := publish(); err != nil {
			return fmt.Errorf("publish magic link: %w", err)
		}
	}
	slog.Debug("magic link queued", "queue", p.queue, "identity_kind", job.Identity.Kind)
	return nil
}

// Close shuts down the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// LogPublisher logs deliveries instead of sending them. Used in development
// and as the fallback when no broker is configured. The token itself is
// never logged.
type LogPublisher struct{}

// NewLogPublisher builds the logging no-op publisher.
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

// PublishMagicLink logs a masked delivery record.
func (p *LogPublisher) PublishMagicLink(_ context.Context, job MagicLinkJob) error {
	slog.Info("magic link issued (no delivery channel configured)",
		"identity", maskIdentity(job.Identity),
		"expires_at", job.ExpiresAt.Format(time.RFC3339),
	)
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error { return nil }

func maskIdentity(identity domain.Identity) string {
	switch identity.Kind {
	case domain.IdentityEmail:
		return util.MaskEmail(identity.Email)
	case domain.IdentityPlatform:
		return identity.Platform + ":***"
	default:
		return "unknown"
	}
}
