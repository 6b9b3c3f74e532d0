package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"go.uber.org/atomic"
)

// redisClient is the subset of redis.UniversalClient the adapter relies on.
type redisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Close() error
}

// Redis adapts one Redis server as both a pub/sub broker and a stream store.
// Consume runs in pub/sub mode by default and switches to consumer-group
// stream mode when the session options carry a group name.
type Redis struct {
	cfg ConnConfig
	log *slog.Logger

	running *atomic.Bool

	mu     sync.Mutex
	client redisClient
}

// NewRedis builds a Redis adapter. The connection config is validated here;
// the connection itself is opened lazily on first publish or consume.
func NewRedis(cfg ConnConfig, opts ...AdapterOption) (*Redis, error) {
	if err := cfg.validate(KindRedis); err != nil {
		return nil, err
	}
	ao := newAdapterOptions(opts...)
	return &Redis{
		cfg:     cfg,
		log:     ao.logger,
		running: atomic.NewBool(false),
	}, nil
}

// Connect opens the client connection. It is idempotent and retries
// transient dial failures with a bounded fibonacci backoff.
func (r *Redis) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return nil
	}

	db := 0
	if v, ok := r.cfg.Options["db"].(int); ok {
		db = v
	}

	var client *redis.Client
	backoff := retry.WithMaxRetries(connectAttempts, retry.NewFibonacci(connectBaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c := redis.NewClient(&redis.Options{
			Addr:     r.cfg.Addr(),
			Username: r.cfg.Username,
			Password: r.cfg.Password,
			DB:       db,
		})
		if err := c.Ping(ctx).Err(); err != nil {
			_ = c.Close()
			return retry.RetryableError(err)
		}
		client = c
		return nil
	})
	if err != nil {
		return &ConnectionError{Kind: KindRedis, Addr: r.cfg.Addr(), Err: err}
	}

	r.client = client
	return nil
}

// Disconnect closes the client. Safe to call on an unconnected adapter.
func (r *Redis) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

// Connected reports whether the client connection is open.
func (r *Redis) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client != nil
}

// Stop asks an active consume session to exit at its next poll boundary.
func (r *Redis) Stop() {
	r.running.Store(false)
}

// Publish sends the payload to a pub/sub channel, or appends it to a stream
// when opts.Stream is set.
func (r *Redis) Publish(ctx context.Context, topic, payload string, opts PublishOptions) error {
	if err := r.Connect(ctx); err != nil {
		return err
	}

	if opts.Stream {
		values := map[string]any{"payload": payload}
		if opts.CorrelationID != "" {
			values["correlation_id"] = opts.CorrelationID
		}
		for k, v := range opts.Headers {
			values["header:"+k] = v
		}
		if err := r.client.XAdd(ctx, &redis.XAddArgs{Stream: topic, Values: values}).Err(); err != nil {
			return fmt.Errorf("pkgmessage: redis xadd %q: %w", topic, err)
		}
		return nil
	}

	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("pkgmessage: redis publish %q: %w", topic, err)
	}
	return nil
}

// Consume runs one blocking poll-dispatch loop until the handler asks to
// stop, the empty-poll limit is reached, or Stop is called.
func (r *Redis) Consume(ctx context.Context, topic string, fn DeliveryFunc, opts ConsumeOptions) error {
	if err := r.Connect(ctx); err != nil {
		return err
	}

	r.running.Store(true)
	defer r.running.Store(false)

	if opts.Group != "" {
		return r.consumeStream(ctx, topic, fn, opts)
	}
	return r.consumeChannel(ctx, topic, fn, opts)
}

func (r *Redis) consumeChannel(ctx context.Context, topic string, fn DeliveryFunc, opts ConsumeOptions) error {
	sub := r.client.Subscribe(ctx, topic)
	defer sub.Close()

	emptyPolls := 0
	for r.running.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := sub.ReceiveTimeout(ctx, opts.PollTimeout)
		if err != nil {
			if isTimeout(err) {
				emptyPolls++
				if opts.MaxEmptyPolls > 0 && emptyPolls >= opts.MaxEmptyPolls {
					return nil
				}
				continue
			}
			if !r.running.Load() || ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.WarnContext(ctx, "redis receive failed", "channel", topic, "err", err)
			continue
		}

		switch m := raw.(type) {
		case *redis.Message:
			emptyPolls = 0
			meta := map[string]any{
				"channel":   m.Channel,
				"timestamp": time.Now().Unix(),
				"kind":      KindRedis.String(),
			}
			next, herr := dispatch(ctx, KindRedis, r.log, func() (bool, error) {
				return fn(ctx, m.Payload, meta)
			})
			if herr != nil {
				// Pub/sub has no redelivery; the message is gone either way.
				r.log.WarnContext(ctx, "redis handler failed", "channel", topic, "err", herr)
			}
			if !next {
				r.Stop()
				return nil
			}
		case *redis.Subscription:
			// Subscribe/unsubscribe confirmations are not empty polls.
		default:
		}
	}
	return nil
}

func (r *Redis) consumeStream(ctx context.Context, topic string, fn DeliveryFunc, opts ConsumeOptions) error {
	start := opts.Start
	if start == "" {
		start = "$"
	}
	consumer := opts.Consumer
	if consumer == "" {
		consumer = "consumer-" + uuid.NewString()
	}

	// Idempotent group creation; racing creators are fine.
	if err := r.client.XGroupCreateMkStream(ctx, topic, opts.Group, start).Err(); err != nil && !isBusyGroup(err) {
		return fmt.Errorf("pkgmessage: redis create group %q on %q: %w", opts.Group, topic, err)
	}

	emptyPolls := 0
	for r.running.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    opts.Group,
			Consumer: consumer,
			Streams:  []string{topic, ">"},
			Count:    int64(opts.Batch),
			Block:    opts.PollTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || isTimeout(err) {
				emptyPolls++
				if opts.MaxEmptyPolls > 0 && emptyPolls >= opts.MaxEmptyPolls {
					return nil
				}
				continue
			}
			if !r.running.Load() || ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.WarnContext(ctx, "redis stream read failed", "stream", topic, "group", opts.Group, "err", err)
			continue
		}

		delivered := false
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				if !r.running.Load() {
					return nil
				}
				delivered = true

				meta := map[string]any{
					"id":        msg.ID,
					"stream":    stream.Stream,
					"group":     opts.Group,
					"consumer":  consumer,
					"timestamp": streamIDTime(msg.ID),
					"kind":      KindRedis.String(),
				}
				next, herr := dispatch(ctx, KindRedis, r.log, func() (bool, error) {
					return fn(ctx, streamPayload(msg.Values), meta)
				})
				// Group-ack happens whether the handler continues, stops, or
				// fails; a handler error does not cause redelivery here.
				if aerr := r.client.XAck(ctx, stream.Stream, opts.Group, msg.ID).Err(); aerr != nil {
					r.log.WarnContext(ctx, "redis ack failed", "stream", stream.Stream, "id", msg.ID, "err", aerr)
				}
				if herr != nil {
					r.log.WarnContext(ctx, "redis handler failed", "stream", stream.Stream, "id", msg.ID, "err", herr)
				}
				if !next {
					r.Stop()
					return nil
				}
			}
		}
		if delivered {
			emptyPolls = 0
		} else {
			emptyPolls++
			if opts.MaxEmptyPolls > 0 && emptyPolls >= opts.MaxEmptyPolls {
				return nil
			}
		}
	}
	return nil
}

// streamPayload extracts the wire text from stream entry values.
func streamPayload(values map[string]any) string {
	if v, ok := values["payload"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	for _, v := range values {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// streamIDTime derives a unix timestamp from a stream entry ID
// (millisecond-epoch prefix).
func streamIDTime(id string) int64 {
	head, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Now().Unix()
	}
	ms, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return time.Now().Unix()
	}
	return ms / 1000
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
