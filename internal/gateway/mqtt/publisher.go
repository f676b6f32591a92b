// Package mqtt pushes changed alarm fault states to an MQTT broker. Batches
// arrive on the propagation goroutine and are queued to a bounded channel; a
// single worker owns the broker connection and the publication bookkeeping.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pmqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"plantmon-server/internal/eventing"
	"plantmon-server/internal/model"
	"plantmon-server/internal/observability/metrics"
	"plantmon-server/internal/store"
)

const (
	defaultQueueSize  = 256
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds

	resultDropped = "dropped"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// broker is the slice of the paho client the publisher uses.
type broker interface {
	Connect() pmqtt.Token
	Publish(topic string, qos byte, retained bool, payload any) pmqtt.Token
	Disconnect(quiesce uint)
}

// faultState is the published JSON message, one per alarm.
type faultState struct {
	FaultFamily string    `json:"faultFamily"`
	FaultMember string    `json:"faultMember"`
	FaultCode   int       `json:"faultCode"`
	Active      bool      `json:"active"`
	Info        string    `json:"info"`
	Timestamp   time.Time `json:"timestamp"`
	TagID       int64     `json:"tagId"`
}

// Config holds the broker coordinates.
type Config struct {
	Broker    string
	Topic     string
	QueueSize int
}

// Publisher subscribes to alarm batches and publishes every fault state that
// differs from its last publication.
type Publisher struct {
	cfg    Config
	store  *store.Store
	log    zerolog.Logger
	clock  Clock
	opt    *pmqtt.ClientOptions
	client broker

	queue chan []*model.Alarm
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// Option configures the publisher.
type Option func(*Publisher)

// WithClock overrides the publication timestamp source.
func WithClock(c Clock) Option {
	return func(p *Publisher) {
		if c != nil {
			p.clock = c
		}
	}
}

// NewPublisher constructs a publisher. Connect must be called before Start.
func NewPublisher(cfg Config, st *store.Store, log zerolog.Logger, opts ...Option) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: empty broker url")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt: empty topic")
	}
	if st == nil {
		return nil, errors.New("mqtt: nil store")
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}

	p := &Publisher{
		cfg:   cfg,
		store: st,
		log:   log.With().Str("component", "alarm-publisher").Str("topic", cfg.Topic).Logger(),
		clock: systemClock{},
		queue: make(chan []*model.Alarm, size),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.opt = pmqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("plantmon-alarms-" + uuid.NewString()).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ pmqtt.Client, err error) {
			p.log.Warn().Err(err).Msg("broker connection lost")
		}).
		SetOnConnectHandler(func(_ pmqtt.Client) {
			p.log.Info().Msg("connected to broker")
		})
	return p, nil
}

// Connect dials the broker.
func (p *Publisher) Connect() error {
	p.client = pmqtt.NewClient(p.opt)
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt: connecting: %w", token.Error())
	}
	return nil
}

// Start launches the publish worker.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go p.run()
}

// Close stops the worker after draining queued batches and disconnects.
func (p *Publisher) Close() {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
	if p.client != nil {
		p.client.Disconnect(disconnectQuiesce)
	}
}

// OnAlarmBatch queues the batch's unpublished fault states. Runs on the
// propagation goroutine under the tag's write lock, so it never blocks: a
// full queue drops the batch.
func (p *Publisher) OnAlarmBatch(_ context.Context, ev eventing.AlarmBatch) {
	batch := make([]*model.Alarm, 0, len(ev.Alarms))
	for _, alarm := range ev.Alarms {
		if alarm == nil || !alarm.NeedsPublication() {
			continue
		}
		batch = append(batch, alarm.Clone())
	}
	if len(batch) == 0 {
		return
	}
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.queue <- batch:
	default:
		metrics.IncAlarmPublication(resultDropped)
		p.log.Warn().Int("alarms", len(batch)).Msg("publish queue full, batch dropped")
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case batch := <-p.queue:
			p.publishBatch(batch)
		case <-p.done:
			for {
				select {
				case batch := <-p.queue:
					p.publishBatch(batch)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) publishBatch(batch []*model.Alarm) {
	for _, alarm := range batch {
		p.publish(alarm)
	}
}

func (p *Publisher) publish(alarm *model.Alarm) {
	payload, err := json.Marshal(faultState{
		FaultFamily: alarm.FaultFamily,
		FaultMember: alarm.FaultMember,
		FaultCode:   alarm.FaultCode,
		Active:      alarm.Active,
		Info:        alarm.Info,
		Timestamp:   alarm.Timestamp,
		TagID:       alarm.TagID,
	})
	if err != nil {
		metrics.IncAlarmPublication(metrics.ResultError)
		p.log.Error().Err(err).Int64("alarm", alarm.ID).Msg("fault state marshal failed")
		return
	}

	token := p.client.Publish(p.cfg.Topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		metrics.IncAlarmPublication(metrics.ResultError)
		p.log.Warn().Int64("alarm", alarm.ID).Str("fault", alarm.FaultID()).Msg("publish timed out")
		return
	}
	if err := token.Error(); err != nil {
		metrics.IncAlarmPublication(metrics.ResultError)
		p.log.Warn().Err(err).Int64("alarm", alarm.ID).Str("fault", alarm.FaultID()).Msg("publish failed")
		return
	}
	metrics.IncAlarmPublication(metrics.ResultSuccess)
	p.markPublished(alarm)
}

// markPublished records the pushed state on the stored alarm. An alarm that
// transitioned again while the publish was in flight stays unpublished.
func (p *Publisher) markPublished(published *model.Alarm) {
	ctx, unlock, err := p.store.AcquireWriteLock(context.Background(), published.ID)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			p.log.Warn().Err(err).Int64("alarm", published.ID).Msg("publication bookkeeping failed")
		}
		return
	}
	defer unlock()

	alarm, err := p.store.AlarmCopy(published.ID)
	if err != nil {
		return
	}
	alarm.RecordPublication(published.Active, published.Info, p.clock.Now())
	if err := p.store.PutQuiet(ctx, alarm); err != nil {
		p.log.Warn().Err(err).Int64("alarm", alarm.ID).Msg("publication bookkeeping failed")
	}
}
