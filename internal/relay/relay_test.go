package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jardiscore/messaging/internal/pkg/config"
	"github.com/jardiscore/messaging/internal/pkg/goroutine"
	"github.com/jardiscore/messaging/internal/pkg/messaging"
)

const routesYAML = `
relay:
  routes: mirror, audit
  mirror:
    source: orders
    target: orders.mirror
    group: relay-orders
    poll_timeout_seconds: 2
    max_empty_polls: 5
  audit:
    source: payments
    target: audit.payments
    broadcast: true
`

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

type fixedUID struct{ id string }

func (u fixedUID) Generate() string { return u.id }

type publishCall struct {
	topic string
	body  messaging.Body
	opts  messaging.PublishOptions
}

// fakeBus delivers scripted payloads per topic and records republishes.
type fakeBus struct {
	mu         sync.Mutex
	deliveries map[string][]any
	consumeErr error
	publishErr error
	broadcast  map[messaging.Kind]bool

	published   []publishCall
	broadcasted []publishCall
	handlerErrs []error
	stopped     bool
}

func (b *fakeBus) Publish(_ context.Context, topic string, body messaging.Body, opts ...messaging.PublishOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	po := applyPublishOptions(opts)
	b.published = append(b.published, publishCall{topic: topic, body: body, opts: po})
	return nil
}

func (b *fakeBus) PublishToAll(_ context.Context, topic string, body messaging.Body, opts ...messaging.PublishOption) (map[messaging.Kind]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return nil, b.publishErr
	}
	po := applyPublishOptions(opts)
	b.broadcasted = append(b.broadcasted, publishCall{topic: topic, body: body, opts: po})
	if b.broadcast != nil {
		return b.broadcast, nil
	}
	return map[messaging.Kind]bool{messaging.KindRedis: true}, nil
}

func (b *fakeBus) Consume(ctx context.Context, topic string, handler messaging.Handler, _ ...messaging.ConsumeOption) error {
	if b.consumeErr != nil {
		return b.consumeErr
	}
	for _, payload := range b.deliveries[topic] {
		_, err := handler(ctx, payload, map[string]any{"kind": "redis"})
		b.mu.Lock()
		b.handlerErrs = append(b.handlerErrs, err)
		b.mu.Unlock()
	}
	return nil
}

func (b *fakeBus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
}

func applyPublishOptions(opts []messaging.PublishOption) messaging.PublishOptions {
	var po messaging.PublishOptions
	for _, opt := range opts {
		opt(&po)
	}
	return po
}

func routesConfig(t *testing.T, yaml string) config.Config {
	t.Helper()
	cfg, err := config.NewViperFromBytes("yaml", []byte(yaml))
	require.NoError(t, err)
	return cfg
}

func newTestRelay(t *testing.T, bus *fakeBus, yaml string) *Relay {
	t.Helper()
	r, err := New(Dependency{
		Config:    routesConfig(t, yaml),
		Bus:       bus,
		Clock:     fixedClock{at: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)},
		UID:       fixedUID{id: "relay-id-1"},
		Goroutine: goroutine.NewManager(4),
	})
	require.NoError(t, err)
	return r
}

func TestParseRoutes(t *testing.T) {
	routes, err := parseRoutes(routesConfig(t, routesYAML))
	require.NoError(t, err)
	require.Len(t, routes, 2)

	assert.Equal(t, Route{
		Name:          "mirror",
		Source:        "orders",
		Target:        "orders.mirror",
		Group:         "relay-orders",
		PollTimeout:   2 * time.Second,
		MaxEmptyPolls: 5,
	}, routes[0])

	assert.Equal(t, "audit", routes[1].Name)
	assert.True(t, routes[1].Broadcast)
	assert.Equal(t, "relay-audit", routes[1].Group) // default group

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing target",
			yaml: "relay:\n  routes: a\n  a:\n    source: x\n",
			want: "needs both source and target",
		},
		{
			name: "self forward",
			yaml: "relay:\n  routes: a\n  a:\n    source: x\n    target: x\n",
			want: "to itself",
		},
		{
			name: "duplicate route",
			yaml: "relay:\n  routes: a,a\n  a:\n    source: x\n    target: y\n",
			want: "duplicate route",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseRoutes(routesConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRelay_ForwardWrapsPayload(t *testing.T) {
	bus := &fakeBus{deliveries: map[string][]any{
		"orders": {map[string]any{"order_id": "o-1"}},
	}}
	r := newTestRelay(t, bus, routesYAML)

	r.Start(context.Background())
	require.NoError(t, r.goroutine.Wait())

	require.Len(t, bus.published, 1)
	call := bus.published[0]
	assert.Equal(t, "orders.mirror", call.topic)
	assert.NotEmpty(t, call.opts.CorrelationID)
	assert.Equal(t, map[string]string{"relay_route": "mirror"}, call.opts.Headers)

	wire, err := messaging.Serialize(call.body)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "relay-id-1",
		"source": "orders",
		"relayed_at": "2026-02-01T12:00:00Z",
		"payload": {"order_id": "o-1"}
	}`, wire)
}

func TestRelay_BroadcastRoute(t *testing.T) {
	bus := &fakeBus{
		deliveries: map[string][]any{"payments": {"p-1", "p-2"}},
		broadcast:  map[messaging.Kind]bool{messaging.KindRedis: true, messaging.KindKafka: false},
	}
	r := newTestRelay(t, bus, routesYAML)

	r.Start(context.Background())
	require.NoError(t, r.goroutine.Wait())

	require.Len(t, bus.broadcasted, 2)
	assert.Equal(t, "audit.payments", bus.broadcasted[0].topic)
	assert.Empty(t, bus.published)
}

func TestRelay_PublishFailureReachesAdapter(t *testing.T) {
	bus := &fakeBus{
		deliveries: map[string][]any{"orders": {"m1"}},
		publishErr: errors.New("all layers down"),
	}
	r := newTestRelay(t, bus, routesYAML)

	r.Start(context.Background())
	require.NoError(t, r.goroutine.Wait())

	// The handler hands the failure back so the source broker decides on
	// redelivery.
	require.NotEmpty(t, bus.handlerErrs)
	assert.ErrorContains(t, bus.handlerErrs[0], "all layers down")
}

func TestRelay_SessionFailureSurfacesFromWait(t *testing.T) {
	bus := &fakeBus{consumeErr: errors.New("session lost")}
	r := newTestRelay(t, bus, routesYAML)

	r.Start(context.Background())
	err := r.goroutine.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `relay route "mirror"`)
}

func TestRelay_StopForwardsToBus(t *testing.T) {
	bus := &fakeBus{}
	r := newTestRelay(t, bus, routesYAML)
	r.Stop()
	assert.True(t, bus.stopped)
}
