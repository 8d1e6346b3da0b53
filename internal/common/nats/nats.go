package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"depositrecon/internal/common/events"
)

// Config holds NATS configuration. An empty URL disables the bus.
type Config struct {
	URL           string        `envconfig:"NATS_URL" default:""`
	Name          string        `envconfig:"NATS_CLIENT_NAME" default:"depositrecon"`
	MaxReconnects int           `envconfig:"NATS_MAX_RECONNECTS" default:"10"`
	ReconnectWait time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s"`
	EventStream   string        `envconfig:"NATS_EVENT_STREAM" default:"RECON_EVENTS"`
	DepositStream string        `envconfig:"NATS_DEPOSIT_STREAM" default:"DEPOSITS"`
	Consumer      string        `envconfig:"NATS_DEPOSIT_CONSUMER" default:"recon-deposits"`
}

// Client wraps NATS connection with JetStream support
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// New creates a new NATS client
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			subject := ""
			if s != nil {
				subject = s.Subject
			}
			logger.Error("NATS error", "error", err, "subject", subject)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	logger.Info("NATS connection established", "url", conn.ConnectedUrl())

	return &Client{conn: conn, js: js, logger: logger}, nil
}

// Close drains the connection.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}

// JetStream returns the JetStream context
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// HealthCheck checks NATS connection health
func (c *Client) HealthCheck() error {
	if !c.conn.IsConnected() {
		return errors.New("NATS not connected")
	}
	return nil
}

// EnsureStream creates or updates a file-backed stream with a 7 day horizon.
func (c *Client) EnsureStream(ctx context.Context, name string, subjects ...string) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		MaxAge:    7 * 24 * time.Hour,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("creating/updating stream %s: %w", name, err)
	}

	c.logger.Info("stream ensured", "name", name, "subjects", subjects)
	return stream, nil
}

// EnsureConsumer creates or updates a durable explicit-ack consumer.
func (c *Client) EnsureConsumer(ctx context.Context, stream, name, filterSubject string) (jetstream.Consumer, error) {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: filterSubject,
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("creating/updating consumer %s: %w", name, err)
	}

	c.logger.Info("consumer ensured", "name", name, "stream", stream, "filter", filterSubject)
	return consumer, nil
}

// Subject is the bus subject an event type is published on.
func Subject(eventType string) string {
	return "events." + eventType
}

// Publisher publishes events to JetStream.
type Publisher struct {
	js     jetstream.JetStream
	logger *slog.Logger
}

var _ events.Publisher = (*Publisher)(nil)

// NewPublisher creates a new event publisher
func NewPublisher(client *Client, logger *slog.Logger) *Publisher {
	return &Publisher{js: client.js, logger: logger}
}

// Publish publishes an event, de-duplicated on its id by the stream.
func (p *Publisher) Publish(ctx context.Context, event *events.Event) error {
	subject := Subject(event.Type)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID)); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}

	p.logger.Debug("event published",
		"event_id", event.ID,
		"type", event.Type,
		"subject", subject,
	)
	return nil
}

// PublishBatch publishes events in order and stops at the first failure.
func (p *Publisher) PublishBatch(ctx context.Context, evts []*events.Event) error {
	for _, event := range evts {
		if err := p.Publish(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// ErrPermanent marks a message that must not be redelivered.
var ErrPermanent = errors.New("permanent message failure")

// MessageHandler handles one decoded envelope.
type MessageHandler func(ctx context.Context, event *events.Event) error

// Subscriber feeds consumer messages to a handler.
type Subscriber struct {
	consumer jetstream.Consumer
	logger   *slog.Logger
}

// NewSubscriber creates a new event subscriber
func NewSubscriber(consumer jetstream.Consumer, logger *slog.Logger) *Subscriber {
	return &Subscriber{consumer: consumer, logger: logger}
}

// Start blocks consuming messages until ctx is done. Malformed messages and
// handler errors wrapping ErrPermanent are terminated; other errors are
// nak'd for redelivery.
func (s *Subscriber) Start(ctx context.Context, handler MessageHandler) error {
	iter, err := s.consumer.Messages()
	if err != nil {
		return fmt.Errorf("getting message iterator: %w", err)
	}

	go func() {
		<-ctx.Done()
		iter.Stop()
	}()

	for {
		msg, err := iter.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				return nil
			}
			s.logger.Error("error getting next message", "error", err)
			continue
		}
		s.dispatch(ctx, msg, handler)
	}
}

func (s *Subscriber) dispatch(ctx context.Context, msg jetstream.Msg, handler MessageHandler) {
	var event events.Event
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		s.logger.Error("error unmarshaling event", "error", err, "subject", msg.Subject())
		_ = msg.Term()
		return
	}

	ctx = events.WithCorrelationID(ctx, event.CorrelationID)
	if err := handler(ctx, &event); err != nil {
		s.logger.Error("error handling event",
			"error", err,
			"event_id", event.ID,
			"type", event.Type,
		)
		if errors.Is(err, ErrPermanent) {
			_ = msg.Term()
		} else {
			_ = msg.Nak()
		}
		return
	}

	if err := msg.Ack(); err != nil {
		s.logger.Error("error acknowledging message", "error", err)
	}
}
