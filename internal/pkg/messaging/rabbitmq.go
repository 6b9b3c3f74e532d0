package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"
	"go.uber.org/atomic"
)

// amqpChannel is the subset of amqp.Channel the adapter relies on.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Close() error
}

// RabbitMQ adapts one RabbitMQ server as a queue-with-routing broker.
// Publishing declares a topic exchange per destination; consuming declares
// and binds a queue, then polls it. On a handler error the message is
// negatively acknowledged with requeue, so redelivery is attempted: the
// opposite of the committed-log broker kinds.
type RabbitMQ struct {
	cfg ConnConfig
	log *slog.Logger

	running *atomic.Bool

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        amqpChannel
	exchanges map[string]bool
}

// NewRabbitMQ builds a RabbitMQ adapter. The connection config is validated
// here; the connection is opened lazily on first publish or consume.
func NewRabbitMQ(cfg ConnConfig, opts ...AdapterOption) (*RabbitMQ, error) {
	if err := cfg.validate(KindRabbitMQ); err != nil {
		return nil, err
	}
	ao := newAdapterOptions(opts...)
	return &RabbitMQ{
		cfg:       cfg,
		log:       ao.logger,
		running:   atomic.NewBool(false),
		exchanges: map[string]bool{},
	}, nil
}

// Connect dials the server and opens a channel. It is idempotent and retries
// transient dial failures with a bounded fibonacci backoff.
func (r *RabbitMQ) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ch != nil {
		return nil
	}

	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     r.cfg.Host,
		Port:     r.cfg.Port,
		Username: r.cfg.Username,
		Password: r.cfg.Password,
		Vhost:    r.cfg.stringOption("vhost", "/"),
	}

	var conn *amqp.Connection
	backoff := retry.WithMaxRetries(connectAttempts, retry.NewFibonacci(connectBaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, derr := amqp.Dial(uri.String())
		if derr != nil {
			return retry.RetryableError(derr)
		}
		conn = c
		return nil
	})
	if err != nil {
		return &ConnectionError{Kind: KindRabbitMQ, Addr: r.cfg.Addr(), Err: err}
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return &ConnectionError{Kind: KindRabbitMQ, Addr: r.cfg.Addr(), Err: err}
	}

	r.conn = conn
	r.ch = ch
	return nil
}

// Disconnect closes the channel and connection. Safe on an unconnected
// adapter.
func (r *RabbitMQ) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ch == nil {
		return nil
	}

	closeErr := r.ch.Close()
	if r.conn != nil {
		closeErr = errors.Join(closeErr, r.conn.Close())
	}
	r.ch = nil
	r.conn = nil
	r.exchanges = map[string]bool{}
	return closeErr
}

// Connected reports whether the channel is open.
func (r *RabbitMQ) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ch != nil
}

// Stop asks an active consume session to exit at its next poll boundary.
func (r *RabbitMQ) Stop() {
	r.running.Store(false)
}

// Publish declares the topic exchange and sends the payload with the message
// attributes from opts.
func (r *RabbitMQ) Publish(ctx context.Context, topic, payload string, opts PublishOptions) error {
	if err := r.Connect(ctx); err != nil {
		return err
	}
	if err := r.ensureExchange(topic); err != nil {
		return err
	}

	key := opts.RoutingKey
	if key == "" {
		key = topic
	}

	pub := amqp.Publishing{
		ContentType:   opts.ContentType,
		Body:          []byte(payload),
		Timestamp:     time.Now(),
		Priority:      opts.Priority,
		CorrelationId: opts.CorrelationID,
	}
	if opts.Persistent {
		pub.DeliveryMode = amqp.Persistent
	}
	if opts.Expiration > 0 {
		pub.Expiration = strconv.FormatInt(opts.Expiration.Milliseconds(), 10)
	}
	if len(opts.Headers) > 0 {
		table := amqp.Table{}
		for hk, hv := range opts.Headers {
			table[hk] = hv
		}
		pub.Headers = table
	}

	if err := r.ch.PublishWithContext(ctx, topic, key, false, false, pub); err != nil {
		return fmt.Errorf("pkgmessage: rabbitmq publish %q: %w", topic, err)
	}
	return nil
}

// Consume binds a queue to the topic exchange and polls it until the handler
// asks to stop, the empty-poll limit is reached, or Stop is called. The
// client has no native blocking poll, so empty polls sleep the configured
// backoff instead of busy-waiting.
func (r *RabbitMQ) Consume(ctx context.Context, topic string, fn DeliveryFunc, opts ConsumeOptions) error {
	if err := r.Connect(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	ch := r.ch
	r.mu.Unlock()

	queue, err := r.bindQueue(topic, opts)
	if err != nil {
		return err
	}
	if opts.Prefetch > 0 {
		if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
			return fmt.Errorf("pkgmessage: rabbitmq qos: %w", err)
		}
	}

	r.running.Store(true)
	defer r.running.Store(false)

	emptyPolls := 0
	for r.running.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}

		d, ok, err := ch.Get(queue, false)
		if err != nil {
			if !r.running.Load() || ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.WarnContext(ctx, "rabbitmq get failed", "queue", queue, "err", err)
			if serr := sleepCtx(ctx, opts.Backoff); serr != nil {
				return serr
			}
			continue
		}
		if !ok {
			emptyPolls++
			if opts.MaxEmptyPolls > 0 && emptyPolls >= opts.MaxEmptyPolls {
				return nil
			}
			if serr := sleepCtx(ctx, opts.Backoff); serr != nil {
				return serr
			}
			continue
		}
		if d.DeliveryTag == 0 {
			// Unprocessable without a delivery identifier; never reaches the
			// handler and is neither acked nor nacked.
			r.log.WarnContext(ctx, "rabbitmq delivery without tag, skipping", "queue", queue)
			continue
		}

		emptyPolls = 0
		next, herr := dispatch(ctx, KindRabbitMQ, r.log, func() (bool, error) {
			return fn(ctx, string(d.Body), deliveryMeta(d))
		})
		if herr != nil {
			// Redelivery is attempted on this broker kind.
			if nerr := ch.Nack(d.DeliveryTag, false, true); nerr != nil {
				r.log.WarnContext(ctx, "rabbitmq nack failed", "queue", queue, "tag", d.DeliveryTag, "err", nerr)
			}
			r.log.WarnContext(ctx, "rabbitmq handler failed, message requeued",
				"queue", queue, "tag", d.DeliveryTag, "err", herr)
			continue
		}
		if aerr := ch.Ack(d.DeliveryTag, false); aerr != nil {
			r.log.WarnContext(ctx, "rabbitmq ack failed", "queue", queue, "tag", d.DeliveryTag, "err", aerr)
		}
		if !next {
			r.Stop()
			return nil
		}
	}
	return nil
}

func (r *RabbitMQ) ensureExchange(topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.exchanges[topic] {
		return nil
	}
	if err := r.ch.ExchangeDeclare(topic, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("pkgmessage: rabbitmq declare exchange %q: %w", topic, err)
	}
	r.exchanges[topic] = true
	return nil
}

func (r *RabbitMQ) bindQueue(topic string, opts ConsumeOptions) (string, error) {
	if err := r.ensureExchange(topic); err != nil {
		return "", err
	}

	name := opts.Group
	if name == "" {
		name = topic
	}
	q, err := r.ch.QueueDeclare(name, true, false, false, false, nil)
	if err != nil {
		return "", fmt.Errorf("pkgmessage: rabbitmq declare queue %q: %w", name, err)
	}

	binding := opts.BindingKey
	if binding == "" {
		binding = topic
	}
	if err := r.ch.QueueBind(q.Name, binding, topic, false, nil); err != nil {
		return "", fmt.Errorf("pkgmessage: rabbitmq bind queue %q: %w", q.Name, err)
	}
	return q.Name, nil
}

func deliveryMeta(d amqp.Delivery) map[string]any {
	headers := make(map[string]any, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = v
	}
	return map[string]any{
		"routing_key":    d.RoutingKey,
		"delivery_tag":   d.DeliveryTag,
		"exchange":       d.Exchange,
		"headers":        headers,
		"timestamp":      d.Timestamp.Unix(),
		"content_type":   d.ContentType,
		"priority":       d.Priority,
		"correlation_id": d.CorrelationId,
		"kind":           KindRabbitMQ.String(),
	}
}

// sleepCtx sleeps for d or until the context is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
