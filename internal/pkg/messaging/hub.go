package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// Hub orchestrates publish and consume calls across prioritized broker
// layers. Layers are registered with Set and live for the hub's lifetime;
// none is ever removed automatically.
type Hub struct {
	log *slog.Logger

	mu     sync.Mutex
	layers []Layer
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the structured logger layer failures are reported to.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) { h.log = logger }
}

// NewHub creates an empty hub. Register at least one layer with Set before
// publishing or consuming.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{log: slog.Default()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h
}

// Set registers one broker layer. Layers are kept sorted ascending by
// priority; registration order breaks ties. Lower priority is tried first.
func (h *Hub) Set(kind Kind, adapter Adapter, priority int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.layers = append(h.layers, Layer{Kind: kind, Adapter: adapter, Priority: priority})
	sort.SliceStable(h.layers, func(i, j int) bool {
		return h.layers[i].Priority < h.layers[j].Priority
	})
}

// Layers returns a snapshot of the registered layers in attempt order.
func (h *Hub) Layers() []Layer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Layer{}, h.layers...)
}

// Publish serializes the payload once and walks the layers in priority order
// until one accepts the message. A validation failure surfaces immediately
// and is not subject to fallback. If every layer fails, the returned
// PublishError lists each failure in attempted order.
//
// A layer that partially succeeds before failing (e.g. a partial network
// write) is not rolled back; later layers may observe that partial state.
func (h *Hub) Publish(ctx context.Context, topic string, body Body, opts ...PublishOption) error {
	layers := h.Layers()
	if len(layers) == 0 {
		return &ConfigError{Reason: "no publishers configured"}
	}

	po, err := newPublishOptions(opts...)
	if err != nil {
		return err
	}
	payload, err := Serialize(body)
	if err != nil {
		return err
	}

	failures := make([]LayerFailure, 0, len(layers))
	for _, layer := range layers {
		perr := layer.Adapter.Publish(ctx, topic, payload, po)
		if perr == nil {
			return nil
		}
		h.log.WarnContext(ctx, "publish layer failed, falling back",
			"kind", layer.Kind, "priority", layer.Priority, "topic", topic, "err", perr)
		failures = append(failures, LayerFailure{Kind: layer.Kind, Priority: layer.Priority, Err: perr})
	}
	return &PublishError{Topic: topic, Failures: failures}
}

// PublishToAll serializes the payload once and publishes it to every layer
// regardless of earlier outcomes. The result maps each layer's kind to its
// success; when the same kind is registered twice the later layer's outcome
// wins. Layer errors are swallowed into false results, never re-raised.
func (h *Hub) PublishToAll(ctx context.Context, topic string, body Body, opts ...PublishOption) (map[Kind]bool, error) {
	layers := h.Layers()
	if len(layers) == 0 {
		return nil, &ConfigError{Reason: "no publishers configured"}
	}

	po, err := newPublishOptions(opts...)
	if err != nil {
		return nil, err
	}
	payload, err := Serialize(body)
	if err != nil {
		return nil, err
	}

	results := make(map[Kind]bool, len(layers))
	for _, layer := range layers {
		perr := layer.Adapter.Publish(ctx, topic, payload, po)
		if perr != nil {
			h.log.WarnContext(ctx, "broadcast publish layer failed",
				"kind", layer.Kind, "priority", layer.Priority, "topic", topic, "err", perr)
		}
		results[layer.Kind] = perr == nil
	}
	return results, nil
}

// Consume runs one consumption session on the highest-priority layer whose
// adapter accepts it, blocking until that session ends. Fallback is
// coarse-grained, not per-message: only when a layer's session fails does the
// hub start a brand-new session on the next layer. Messages already delivered
// and acknowledged by a failed session are not replayed, and a never-reached
// layer delivers nothing until its turn. If every layer fails, the returned
// ConsumeError aggregates all failures.
//
// The handler is invoked with the deserialized payload unless WithRawPayload
// is set, and its boolean continue/stop signal is forwarded unchanged.
func (h *Hub) Consume(ctx context.Context, topic string, handler Handler, opts ...ConsumeOption) error {
	layers := h.Layers()
	if len(layers) == 0 {
		return &ConfigError{Reason: "no consumers configured"}
	}

	co := newConsumeOptions(opts...)
	fn := func(ctx context.Context, payload string, meta map[string]any) (bool, error) {
		var p any = payload
		if !co.Raw {
			p = Deserialize(payload)
		}
		return handler(ctx, p, meta)
	}

	failures := make([]LayerFailure, 0, len(layers))
	for _, layer := range layers {
		cerr := layer.Adapter.Consume(ctx, topic, fn, co)
		if cerr == nil {
			return nil
		}
		h.log.WarnContext(ctx, "consume session failed, falling back",
			"kind", layer.Kind, "priority", layer.Priority, "topic", topic, "err", cerr)
		failures = append(failures, LayerFailure{Kind: layer.Kind, Priority: layer.Priority, Err: cerr})
	}
	return &ConsumeError{Topic: topic, Failures: failures}
}

// Stop requests a cooperative stop on every layer's adapter, regardless of
// which layer is currently running a session. Inactive adapters treat it as a
// no-op.
func (h *Hub) Stop() {
	for _, layer := range h.Layers() {
		layer.Adapter.Stop()
	}
}

// Close stops all sessions and disconnects every adapter.
func (h *Hub) Close() error {
	h.Stop()

	var closeErr error
	for _, layer := range h.Layers() {
		closeErr = errors.Join(closeErr, layer.Adapter.Disconnect())
	}
	return closeErr
}
