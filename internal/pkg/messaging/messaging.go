package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Bounded backoff for lazy connection attempts.
const (
	connectAttempts  = 3
	connectBaseDelay = 100 * time.Millisecond
)

// Kind identifies a broker family.
type Kind string

const (
	// KindRedis is the pub/sub-and-stream broker backed by Redis.
	KindRedis Kind = "redis"
	// KindKafka is the partitioned-log broker backed by Kafka.
	KindKafka Kind = "kafka"
	// KindRabbitMQ is the queue-with-routing broker backed by RabbitMQ.
	KindRabbitMQ Kind = "rabbitmq"
)

// String returns the kind name.
func (k Kind) String() string { return string(k) }

// IsValid reports whether k is a known broker kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindRedis, KindKafka, KindRabbitMQ:
		return true
	}
	return false
}

// DeliveryFunc is the adapter-level dispatch callback. It receives the wire
// payload and broker-specific metadata for one delivered message and returns
// whether the consumer loop should keep running.
type DeliveryFunc func(ctx context.Context, payload string, meta map[string]any) (bool, error)

// Handler is the hub-level callback. The payload is the deserialized value
// (map[string]any or []any for JSON objects/arrays, the raw string otherwise)
// unless WithRawPayload was set. Returning false stops the session after the
// current message is acknowledged.
type Handler func(ctx context.Context, payload any, meta map[string]any) (bool, error)

// Adapter is the per-broker publish/consume/stop contract.
//
// Connect and Disconnect are idempotent; Disconnect is safe on an unconnected
// adapter. Publish and Consume lazily connect on first use. Consume blocks
// for the whole session and returns nil on a clean stop or empty-poll
// exhaustion; it returns an error only on unrecoverable transport failure.
// Stop requests a cooperative stop of an active session and is a no-op when
// none is running.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
	Publish(ctx context.Context, topic, payload string, opts PublishOptions) error
	Consume(ctx context.Context, topic string, fn DeliveryFunc, opts ConsumeOptions) error
	Stop()
}

// Layer couples a broker kind and its adapter with a fallback priority.
// Lower priority numbers are tried first.
type Layer struct {
	Kind     Kind
	Adapter  Adapter
	Priority int
}

// ConnConfig describes how to reach one broker.
type ConnConfig struct {
	Host     string `validate:"required"`
	Port     int    `validate:"gte=1,lte=65535"`
	Username string
	Password string

	// Options carries broker-specific settings (e.g. "vhost" for RabbitMQ).
	Options map[string]any
}

var connValidate = validator.New(validator.WithRequiredStructEnabled())

// validate fails fast on an unreachable-by-construction config, before any
// network activity happens.
func (c ConnConfig) validate(kind Kind) error {
	if err := connValidate.Struct(c); err != nil {
		return &ConfigError{
			Reason: fmt.Sprintf("invalid %s connection config (host %q, port %d)", kind, c.Host, c.Port),
			Err:    err,
		}
	}
	return nil
}

// Addr returns the host:port address of the broker.
func (c ConnConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// stringOption returns a string value from Options.
func (c ConnConfig) stringOption(key, fallback string) string {
	if v, ok := c.Options[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

type adapterOptions struct {
	logger *slog.Logger
}

// AdapterOption configures optional adapter collaborators.
type AdapterOption func(*adapterOptions)

// WithLogger sets the structured logger the consumer loop reports to.
// It defaults to slog.Default().
func WithLogger(logger *slog.Logger) AdapterOption {
	return func(o *adapterOptions) { o.logger = logger }
}

func newAdapterOptions(opts ...AdapterOption) adapterOptions {
	ao := adapterOptions{logger: slog.Default()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&ao)
	}
	return ao
}
