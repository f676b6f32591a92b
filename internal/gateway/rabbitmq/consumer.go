// Package rabbitmq consumes inbound tag updates and supervision events from
// a RabbitMQ queue and feeds them to the propagation engine.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"plantmon-server/internal/model"
	"plantmon-server/internal/observability/metrics"
)

// Message kinds carried in the envelope.
const (
	KindTagUpdate   = "tag_update"
	KindSupervision = "supervision"
)

const reconnectDelay = 5 * time.Second

// Applier is the propagation entry point the consumer feeds.
type Applier interface {
	ApplyUpdate(ctx context.Context, u model.TagUpdate) (bool, error)
	ApplySupervisionEvent(ctx context.Context, ev model.SupervisionEvent) error
}

// Config holds the broker coordinates.
type Config struct {
	URL   string
	Queue string
}

// Consumer owns the connection, the queue declaration and the consume loop,
// reconnecting with a fixed delay when the broker drops the channel.
type Consumer struct {
	cfg     Config
	applier Applier
	log     zerolog.Logger
	tag     string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// envelope is the wire frame shared by both inbound message kinds.
type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NewConsumer constructs a consumer bound to one queue.
func NewConsumer(cfg Config, applier Applier, log zerolog.Logger) (*Consumer, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq: empty connection url")
	}
	if cfg.Queue == "" {
		return nil, errors.New("rabbitmq: empty queue name")
	}
	if applier == nil {
		return nil, errors.New("rabbitmq: nil applier")
	}
	return &Consumer{
		cfg:     cfg,
		applier: applier,
		log:     log.With().Str("component", "ingest").Str("queue", cfg.Queue).Logger(),
		tag:     "plantmon-ingest-" + uuid.NewString(),
	}, nil
}

// connect dials the broker, declares the queue and opens the delivery stream.
func (c *Consumer) connect() (<-chan amqp.Delivery, error) {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	_, err = ch.QueueDeclare(
		c.cfg.Queue, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring queue: %w", err)
	}
	deliveries, err := ch.Consume(
		c.cfg.Queue,
		c.tag, // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("starting consume: %w", err)
	}

	c.mu.Lock()
	c.conn, c.ch = conn, ch
	c.mu.Unlock()
	return deliveries, nil
}

// Start launches the consume loop. The loop owns reconnection and releases
// the WaitGroup once ctx is canceled and the connection is closed.
func (c *Consumer) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.run(ctx)
	}()
}

func (c *Consumer) run(ctx context.Context) {
	for {
		deliveries, err := c.connect()
		if err != nil {
			c.log.Error().Err(err).Msg("broker connect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
				continue
			}
		}
		c.log.Info().Str("consumerTag", c.tag).Msg("consuming")

		done := c.consume(ctx, deliveries)
		c.close()
		if done {
			c.log.Info().Msg("consumer stopped")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// consume drains deliveries until ctx ends (true) or the broker closes the
// stream (false).
func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case d, ok := <-deliveries:
			if !ok {
				c.log.Warn().Msg("delivery stream closed, reconnecting")
				return false
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	kind, err := c.dispatch(ctx, d.Body)
	if err != nil {
		// A message caught by shutdown goes back to the queue; everything
		// else is unprocessable and dropped.
		requeue := ctx.Err() != nil
		metrics.IncIngestMessage(kind, metrics.ResultError)
		c.log.Warn().Err(err).Str("kind", kind).Bool("requeue", requeue).Msg("message rejected")
		_ = d.Nack(false, requeue)
		return
	}
	metrics.IncIngestMessage(kind, metrics.ResultSuccess)
	_ = d.Ack(false)
}

// dispatch decodes one envelope and applies it. The returned kind labels the
// ingest metrics and is best effort for malformed envelopes.
func (c *Consumer) dispatch(ctx context.Context, body []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "malformed", fmt.Errorf("decoding envelope: %w", err)
	}
	switch env.Kind {
	case KindTagUpdate:
		var u model.TagUpdate
		if err := json.Unmarshal(env.Payload, &u); err != nil {
			return env.Kind, fmt.Errorf("decoding tag update: %w", err)
		}
		if _, err := c.applier.ApplyUpdate(ctx, u); err != nil {
			return env.Kind, err
		}
		return env.Kind, nil
	case KindSupervision:
		var ev model.SupervisionEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return env.Kind, fmt.Errorf("decoding supervision event: %w", err)
		}
		return env.Kind, c.applier.ApplySupervisionEvent(ctx, ev)
	default:
		return env.Kind, fmt.Errorf("unknown message kind %q", env.Kind)
	}
}

func (c *Consumer) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
