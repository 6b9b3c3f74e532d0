package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"
	"go.uber.org/atomic"
)

// kafkaWriter is the subset of kafka.Writer the adapter relies on.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaReader is the subset of kafka.Reader the adapter relies on.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka adapts one Kafka cluster as a partitioned-log broker. Offsets are
// committed after every dispatch, including when the handler fails: a handler
// error does not cause redelivery on this broker kind.
type Kafka struct {
	cfg ConnConfig
	log *slog.Logger

	running *atomic.Bool

	mu        sync.Mutex
	connected bool
	writers   map[string]kafkaWriter

	newWriter func(topic string) kafkaWriter
	newReader func(topic string, opts ConsumeOptions) kafkaReader
}

// NewKafka builds a Kafka adapter. The connection config is validated here;
// the cluster is only dialed on first publish or consume.
func NewKafka(cfg ConnConfig, opts ...AdapterOption) (*Kafka, error) {
	if err := cfg.validate(KindKafka); err != nil {
		return nil, err
	}
	ao := newAdapterOptions(opts...)

	k := &Kafka{
		cfg:     cfg,
		log:     ao.logger,
		running: atomic.NewBool(false),
		writers: map[string]kafkaWriter{},
	}
	k.newWriter = func(topic string) kafkaWriter {
		return kafka.NewWriter(kafka.WriterConfig{
			Brokers:  []string{cfg.Addr()},
			Topic:    topic,
			Balancer: &pinnedBalancer{fallback: &kafka.Hash{}},
		})
	}
	k.newReader = func(topic string, opts ConsumeOptions) kafkaReader {
		start := kafka.LastOffset
		if opts.Start == "earliest" {
			start = kafka.FirstOffset
		}
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     []string{cfg.Addr()},
			GroupID:     opts.Group,
			Topic:       topic,
			MaxBytes:    10e6,
			StartOffset: start,
		})
	}
	return k, nil
}

// Connect verifies the cluster is reachable. Writers and readers dial lazily
// on their own; this exists so callers can fail fast and is idempotent.
func (k *Kafka) Connect(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.connected {
		return nil
	}

	backoff := retry.WithMaxRetries(connectAttempts, retry.NewFibonacci(connectBaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		conn, derr := kafka.DialContext(ctx, "tcp", k.cfg.Addr())
		if derr != nil {
			return retry.RetryableError(derr)
		}
		return conn.Close()
	})
	if err != nil {
		return &ConnectionError{Kind: KindKafka, Addr: k.cfg.Addr(), Err: err}
	}

	k.connected = true
	return nil
}

// Disconnect closes all cached topic writers.
func (k *Kafka) Disconnect() error {
	k.mu.Lock()
	writers := k.writers
	k.writers = map[string]kafkaWriter{}
	k.connected = false
	k.mu.Unlock()

	var closeErr error
	for _, w := range writers {
		closeErr = errors.Join(closeErr, w.Close())
	}
	return closeErr
}

// Connected reports whether the adapter verified the cluster at least once.
func (k *Kafka) Connected() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.connected
}

// Stop asks an active consume session to exit at its next poll boundary.
func (k *Kafka) Stop() {
	k.running.Store(false)
}

// Publish writes the payload to a topic, reusing one cached writer per topic.
func (k *Kafka) Publish(ctx context.Context, topic, payload string, opts PublishOptions) error {
	if err := k.Connect(ctx); err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(opts.Key),
		Value: []byte(payload),
		Time:  time.Now(),
	}
	if opts.Key == "" {
		msg.Key = nil
	}
	if opts.Partition >= 0 {
		msg.WriterData = opts.Partition
	}
	for hk, hv := range opts.Headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: hk, Value: []byte(hv)})
	}
	if opts.CorrelationID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "correlation_id", Value: []byte(opts.CorrelationID)})
	}

	if err := k.writer(topic).WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("pkgmessage: kafka publish %q: %w", topic, err)
	}
	return nil
}

// Consume runs one blocking fetch-dispatch-commit loop until the handler asks
// to stop, the empty-poll limit is reached, or Stop is called.
func (k *Kafka) Consume(ctx context.Context, topic string, fn DeliveryFunc, opts ConsumeOptions) error {
	if opts.Group == "" {
		return &ConfigError{Reason: "kafka consumer group is required"}
	}
	if err := k.Connect(ctx); err != nil {
		return err
	}

	reader := k.newReader(topic, opts)
	defer reader.Close()

	k.running.Store(true)
	defer k.running.Store(false)

	emptyPolls := 0
	for k.running.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}

		pollCtx, cancel := context.WithTimeout(ctx, opts.PollTimeout)
		msg, err := reader.FetchMessage(pollCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				emptyPolls++
				if opts.MaxEmptyPolls > 0 && emptyPolls >= opts.MaxEmptyPolls {
					return nil
				}
				continue
			}
			if !k.running.Load() {
				return nil
			}
			k.log.WarnContext(ctx, "kafka fetch failed", "topic", topic, "err", err)
			continue
		}

		emptyPolls = 0
		meta := map[string]any{
			"partition": msg.Partition,
			"offset":    msg.Offset,
			"timestamp": msg.Time.Unix(),
			"key":       string(msg.Key),
			"topic":     msg.Topic,
			"kind":      KindKafka.String(),
		}
		next, herr := dispatch(ctx, KindKafka, k.log, func() (bool, error) {
			return fn(ctx, string(msg.Value), meta)
		})
		if herr != nil {
			k.log.WarnContext(ctx, "kafka handler failed, committing offset anyway",
				"topic", topic, "partition", msg.Partition, "offset", msg.Offset, "err", herr)
		}
		// Commit regardless of the handler outcome.
		if cerr := reader.CommitMessages(ctx, msg); cerr != nil {
			k.log.WarnContext(ctx, "kafka commit failed",
				"topic", topic, "partition", msg.Partition, "offset", msg.Offset, "err", cerr)
		}
		if !next {
			k.Stop()
			return nil
		}
	}
	return nil
}

func (k *Kafka) writer(topic string) kafkaWriter {
	k.mu.Lock()
	defer k.mu.Unlock()

	if w, ok := k.writers[topic]; ok {
		return w
	}
	w := k.newWriter(topic)
	k.writers[topic] = w
	return w
}

// pinnedBalancer honors an explicit partition carried in Message.WriterData
// and defers to the fallback (key hashing) otherwise.
type pinnedBalancer struct {
	fallback kafka.Balancer
}

func (b *pinnedBalancer) Balance(msg kafka.Message, partitions ...int) int {
	if want, ok := msg.WriterData.(int); ok {
		for _, p := range partitions {
			if p == want {
				return p
			}
		}
	}
	return b.fallback.Balance(msg, partitions...)
}
