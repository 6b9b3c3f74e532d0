// Package relay moves messages between topics across the configured broker
// layers. Each route consumes one source topic and republishes every message
// to a target topic, either through the prioritized fallback path or as a
// broadcast to all layers.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jardiscore/messaging/internal/pkg/clock"
	"github.com/jardiscore/messaging/internal/pkg/config"
	"github.com/jardiscore/messaging/internal/pkg/goroutine"
	"github.com/jardiscore/messaging/internal/pkg/instrument"
	"github.com/jardiscore/messaging/internal/pkg/messaging"
	"github.com/jardiscore/messaging/internal/pkg/uid"
)

// Bus is the messaging surface the relay depends on.
type Bus interface {
	Publish(ctx context.Context, topic string, body messaging.Body, opts ...messaging.PublishOption) error
	PublishToAll(ctx context.Context, topic string, body messaging.Body, opts ...messaging.PublishOption) (map[messaging.Kind]bool, error)
	Consume(ctx context.Context, topic string, handler messaging.Handler, opts ...messaging.ConsumeOption) error
	Stop()
}

// Dependency lists every collaborator the relay module needs.
type Dependency struct {
	Config    config.Config
	Bus       Bus
	Clock     clock.Clocker
	UID       uid.StringID
	Goroutine *goroutine.Manager
}

// Relay owns the configured routes and their consume sessions.
type Relay struct {
	bus       Bus
	clock     clock.Clocker
	uid       uid.StringID
	goroutine *goroutine.Manager
	routes    []Route
}

// New parses the routes from configuration and returns a ready relay.
func New(dep Dependency) (*Relay, error) {
	routes, err := parseRoutes(dep.Config)
	if err != nil {
		return nil, err
	}

	return &Relay{
		bus:       dep.Bus,
		clock:     dep.Clock,
		uid:       dep.UID,
		goroutine: dep.Goroutine,
		routes:    routes,
	}, nil
}

// Routes returns the configured routes.
func (r *Relay) Routes() []Route {
	return append([]Route{}, r.routes...)
}

// Start launches one consume session per route. Sessions run until the
// context is canceled or the bus is stopped; their errors surface from the
// goroutine manager's Wait.
func (r *Relay) Start(ctx context.Context) {
	for _, route := range r.routes {
		r.goroutine.Go(ctx, func(ctx context.Context) error {
			return r.run(ctx, route)
		})
	}
}

// Stop asks every active consume session to end at its next poll boundary.
func (r *Relay) Stop() {
	r.bus.Stop()
}

func (r *Relay) run(ctx context.Context, route Route) error {
	slog.InfoContext(ctx, "relay route starting",
		"route", route.Name, "source", route.Source, "target", route.Target, "broadcast", route.Broadcast)

	opts := []messaging.ConsumeOption{messaging.WithGroup(route.Group)}
	if route.PollTimeout > 0 {
		opts = append(opts, messaging.WithPollTimeout(route.PollTimeout))
	}
	if route.MaxEmptyPolls > 0 {
		opts = append(opts, messaging.WithMaxEmptyPolls(route.MaxEmptyPolls))
	}

	if err := r.bus.Consume(ctx, route.Source, r.forward(route), opts...); err != nil {
		slog.ErrorContext(ctx, "relay route session failed", "route", route.Name, "err", err)
		return fmt.Errorf("relay route %q: %w", route.Name, err)
	}

	slog.InfoContext(ctx, "relay route stopped", "route", route.Name)
	return nil
}

// forward builds the handler that republishes each consumed message. A
// republish failure is returned to the consuming adapter, so redelivery
// follows the source broker's own semantics.
func (r *Relay) forward(route Route) messaging.Handler {
	return func(ctx context.Context, payload any, meta map[string]any) (bool, error) {
		ctx, cID := instrument.EnsureCorrelationID(ctx)

		body := messaging.Record(map[string]any{
			"id":         r.uid.Generate(),
			"source":     route.Source,
			"relayed_at": r.clock.Now().UTC().Format(time.RFC3339Nano),
			"payload":    payload,
		})
		opts := []messaging.PublishOption{
			messaging.WithCorrelationID(cID),
			messaging.WithHeader("relay_route", route.Name),
		}

		if route.Broadcast {
			results, err := r.bus.PublishToAll(ctx, route.Target, body, opts...)
			if err != nil {
				return true, err
			}
			for kind, ok := range results {
				if !ok {
					slog.WarnContext(ctx, "relay broadcast layer missed",
						"route", route.Name, "target", route.Target, "kind", kind)
				}
			}
			return true, nil
		}

		if err := r.bus.Publish(ctx, route.Target, body, opts...); err != nil {
			return true, err
		}
		return true, nil
	}
}
