package messaging

import (
	"fmt"
	"time"
)

const (
	defaultPollTimeout = 5 * time.Second
	defaultBackoff     = 200 * time.Millisecond
	defaultBatch       = 1
)

// PublishOptions carries the per-publish settings recognized by the adapters.
// Unknown-to-a-broker fields are ignored by that broker.
type PublishOptions struct {
	// Key routes a message to a deterministic partition (Kafka).
	Key string
	// Partition pins a message to an explicit partition (Kafka). Negative
	// means broker-chosen.
	Partition int
	// RoutingKey overrides the routing key used on the exchange (RabbitMQ).
	// Defaults to the topic name.
	RoutingKey string
	// Stream publishes to a stream (XADD) instead of a pub/sub channel (Redis).
	Stream bool

	// ContentType is the payload content type (RabbitMQ message attribute).
	ContentType string
	// Priority is the message priority, 0-9 (RabbitMQ).
	Priority uint8
	// Expiration discards the message after the given duration (RabbitMQ).
	Expiration time.Duration
	// Persistent marks the message to survive a broker restart (RabbitMQ).
	Persistent bool

	// CorrelationID stamps the message for cross-service tracing.
	CorrelationID string
	// Headers carries free-form string headers where the broker supports them.
	Headers map[string]string
}

// PublishOption configures one publish call.
type PublishOption func(*PublishOptions)

func newPublishOptions(opts ...PublishOption) (PublishOptions, error) {
	po := PublishOptions{
		Partition:   -1,
		ContentType: "text/plain",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&po)
	}
	if po.Priority > 9 {
		return PublishOptions{}, &ConfigError{Reason: fmt.Sprintf("message priority %d out of range 0-9", po.Priority)}
	}
	if po.Expiration < 0 {
		return PublishOptions{}, &ConfigError{Reason: "message expiration must not be negative"}
	}
	return po, nil
}

// WithKey sets the partition routing key (Kafka).
func WithKey(key string) PublishOption {
	return func(o *PublishOptions) { o.Key = key }
}

// WithPartition pins the message to an explicit partition (Kafka).
func WithPartition(partition int) PublishOption {
	return func(o *PublishOptions) { o.Partition = partition }
}

// WithRoutingKey sets the routing key used on the exchange (RabbitMQ).
func WithRoutingKey(key string) PublishOption {
	return func(o *PublishOptions) { o.RoutingKey = key }
}

// WithStream publishes to a Redis stream instead of a pub/sub channel.
func WithStream() PublishOption {
	return func(o *PublishOptions) { o.Stream = true }
}

// WithContentType sets the payload content type.
func WithContentType(ct string) PublishOption {
	return func(o *PublishOptions) { o.ContentType = ct }
}

// WithPriority sets the message priority (0-9).
func WithPriority(p uint8) PublishOption {
	return func(o *PublishOptions) { o.Priority = p }
}

// WithExpiration discards the message after d.
func WithExpiration(d time.Duration) PublishOption {
	return func(o *PublishOptions) { o.Expiration = d }
}

// WithPersistent marks the message as persistent.
func WithPersistent() PublishOption {
	return func(o *PublishOptions) { o.Persistent = true }
}

// WithCorrelationID stamps the message with a correlation id.
func WithCorrelationID(id string) PublishOption {
	return func(o *PublishOptions) { o.CorrelationID = id }
}

// WithHeader adds one string header to the message.
func WithHeader(key, value string) PublishOption {
	return func(o *PublishOptions) {
		if key == "" {
			return
		}
		if o.Headers == nil {
			o.Headers = make(map[string]string, 1)
		}
		o.Headers[key] = value
	}
}

// ConsumeOptions carries the per-session settings of a consumer loop.
type ConsumeOptions struct {
	// PollTimeout bounds one blocking poll call.
	PollTimeout time.Duration
	// MaxEmptyPolls stops the session cleanly after that many consecutive
	// polls returned no message. Zero means poll until stopped.
	MaxEmptyPolls int
	// Backoff is slept between empty polls on brokers whose client has no
	// native blocking timeout (RabbitMQ).
	Backoff time.Duration

	// Group is the consumer group (Kafka) or stream group (Redis). A
	// non-empty group switches the Redis adapter from pub/sub to stream
	// consumption. It also names the queue on RabbitMQ; the topic name is
	// used when empty.
	Group string
	// Consumer names this consumer within its group. Auto-generated when
	// empty.
	Consumer string
	// Start is the stream read start position for newly created groups
	// (Redis: "$" for new messages, "0" for the whole stream).
	Start string
	// Batch is the max number of stream entries fetched per poll (Redis).
	Batch int
	// Prefetch is the unacknowledged-message window (RabbitMQ QoS).
	Prefetch int
	// BindingKey binds the queue to the exchange (RabbitMQ). Defaults to the
	// topic name.
	BindingKey string

	// Raw skips hub-side deserialization and hands the handler the wire text.
	Raw bool
}

// ConsumeOption configures one consume session.
type ConsumeOption func(*ConsumeOptions)

func newConsumeOptions(opts ...ConsumeOption) ConsumeOptions {
	co := ConsumeOptions{
		PollTimeout: defaultPollTimeout,
		Backoff:     defaultBackoff,
		Batch:       defaultBatch,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&co)
	}
	if co.PollTimeout <= 0 {
		co.PollTimeout = defaultPollTimeout
	}
	if co.Backoff <= 0 {
		co.Backoff = defaultBackoff
	}
	if co.Batch <= 0 {
		co.Batch = defaultBatch
	}
	return co
}

// WithPollTimeout bounds one blocking poll call.
func WithPollTimeout(d time.Duration) ConsumeOption {
	return func(o *ConsumeOptions) { o.PollTimeout = d }
}

// WithMaxEmptyPolls stops the session cleanly after n consecutive empty polls.
func WithMaxEmptyPolls(n int) ConsumeOption {
	return func(o *ConsumeOptions) { o.MaxEmptyPolls = n }
}

// WithBackoff sets the sleep between empty polls (RabbitMQ).
func WithBackoff(d time.Duration) ConsumeOption {
	return func(o *ConsumeOptions) { o.Backoff = d }
}

// WithGroup sets the consumer group name.
func WithGroup(group string) ConsumeOption {
	return func(o *ConsumeOptions) { o.Group = group }
}

// WithConsumer names this consumer inside its group.
func WithConsumer(name string) ConsumeOption {
	return func(o *ConsumeOptions) { o.Consumer = name }
}

// WithStart sets the stream read start position.
func WithStart(start string) ConsumeOption {
	return func(o *ConsumeOptions) { o.Start = start }
}

// WithBatch sets the max entries fetched per stream poll.
func WithBatch(n int) ConsumeOption {
	return func(o *ConsumeOptions) { o.Batch = n }
}

// WithPrefetch sets the unacknowledged-message window (RabbitMQ QoS).
func WithPrefetch(n int) ConsumeOption {
	return func(o *ConsumeOptions) { o.Prefetch = n }
}

// WithBindingKey binds the queue to the exchange with the given key.
func WithBindingKey(key string) ConsumeOption {
	return func(o *ConsumeOptions) { o.BindingKey = key }
}

// WithRawPayload hands the handler the wire text without deserialization.
func WithRawPayload() ConsumeOption {
	return func(o *ConsumeOptions) { o.Raw = true }
}
