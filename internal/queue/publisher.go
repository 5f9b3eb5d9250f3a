package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// SecurityQueueName is the durable queue security events are routed to.
const SecurityQueueName = "security.events"

var (
	// ErrEventDropped is returned when the outgoing buffer is full.
	ErrEventDropped = errors.New("security event dropped: buffer full")
	// ErrPublisherClosed is returned by Publish after Close.
	ErrPublisherClosed = errors.New("publisher closed")
)

// Publisher sends security events. Implementations must be safe for
// concurrent use; callers treat publish errors as non-fatal.
type Publisher interface {
	Publish(ctx context.Context, ev SecurityEvent) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, SecurityEvent) error { return nil }

// PublisherConfig tunes AMQPPublisher.
type PublisherConfig struct {
	URL         string
	Buffer      int           // queued events before Publish starts dropping
	DialTimeout time.Duration // bounds TCP connect and the AMQP handshake
	RetryDelay  time.Duration // events are dropped for this long after a failed dial
}

// AMQPPublisher publishes events to RabbitMQ from a background worker.
// Publish only enqueues, so a slow or unreachable broker never blocks the
// caller. The connection is opened lazily and re-dialed after a failure.
type AMQPPublisher struct {
	cfg    PublisherConfig
	logger *zap.Logger

	events  chan SecurityEvent
	done    chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
	once    sync.Once

	// owned by the worker goroutine
	conn    *amqp.Connection
	ch      *amqp.Channel
	retryAt time.Time
}

func NewAMQPPublisher(cfg PublisherConfig, logger *zap.Logger) *AMQPPublisher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &AMQPPublisher{
		cfg:     cfg,
		logger:  logger,
		events:  make(chan SecurityEvent, cfg.Buffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish queues ev for delivery. It never blocks; a full buffer drops the
// event and returns ErrEventDropped.
func (p *AMQPPublisher) Publish(_ context.Context, ev SecurityEvent) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	select {
	case p.events <- ev:
		return nil
	default:
		return ErrEventDropped
	}
}

// Close stops the worker and releases the broker connection. Events still
// buffered are discarded.
func (p *AMQPPublisher) Close() error {
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.done)
	})
	<-p.stopped
	return nil
}

func (p *AMQPPublisher) run() {
	defer close(p.stopped)
	defer p.reset()
	for {
		select {
		case <-p.done:
			return
		case ev := <-p.events:
			p.send(ev)
		}
	}
}

func (p *AMQPPublisher) send(ev SecurityEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("rabbitmq: marshal event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	ch, err := p.channel()
	if err != nil {
		p.logger.Debug("rabbitmq: channel unavailable, event dropped", zap.String("type", ev.Type), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DialTimeout)
	defer cancel()
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		Timestamp:    time.Now().UTC(),
		Type:         ev.Type,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", SecurityQueueName, false, false, pub); err != nil {
		p.logger.Warn("rabbitmq: publish failed", zap.String("type", ev.Type), zap.Error(err))
		p.reset()
	}
}

func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.reset()
	if time.Now().Before(p.retryAt) {
		return nil, errors.New("broker backoff")
	}

	conn, err := amqp.DialConfig(p.cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(p.cfg.DialTimeout),
	})
	if err != nil {
		p.retryAt = time.Now().Add(p.cfg.RetryDelay)
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		p.retryAt = time.Now().Add(p.cfg.RetryDelay)
		return nil, fmt.Errorf("channel open: %w", err)
	}
	// idempotent; durable so events survive broker restarts
	if _, err := ch.QueueDeclare(SecurityQueueName, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		p.retryAt = time.Now().Add(p.cfg.RetryDelay)
		return nil, fmt.Errorf("queue declare: %w", err)
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}
