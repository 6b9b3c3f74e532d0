package relay

import (
	"fmt"
	"time"

	"github.com/jardiscore/messaging/internal/pkg/config"
)

// Route describes one source-to-target forwarding rule.
type Route struct {
	// Name identifies the route in configuration and logs.
	Name string
	// Source is the topic the route consumes from.
	Source string
	// Target is the topic the route republishes to.
	Target string
	// Group is the consumer group the route consumes with.
	Group string
	// Broadcast republishes to every layer instead of the fallback chain.
	Broadcast bool
	// PollTimeout overrides the consume poll timeout when positive.
	PollTimeout time.Duration
	// MaxEmptyPolls ends the session after that many consecutive empty
	// polls. Zero keeps the session alive until stopped.
	MaxEmptyPolls int
}

// parseRoutes reads "relay.routes" as the route name list and one
// "relay.<name>.*" block per route.
func parseRoutes(cfg config.Config) ([]Route, error) {
	names := cfg.GetArray("relay.routes")
	routes := make([]Route, 0, len(names))
	seen := make(map[string]bool, len(names))

	for _, name := range names {
		if seen[name] {
			return nil, fmt.Errorf("relay: duplicate route %q", name)
		}
		seen[name] = true

		route := Route{
			Name:          name,
			Source:        cfg.GetString("relay." + name + ".source"),
			Target:        cfg.GetString("relay." + name + ".target"),
			Group:         cfg.GetString("relay." + name + ".group"),
			Broadcast:     cfg.GetBool("relay." + name + ".broadcast"),
			PollTimeout:   cfg.GetSecond("relay." + name + ".poll_timeout_seconds"),
			MaxEmptyPolls: cfg.GetInt("relay." + name + ".max_empty_polls"),
		}
		if route.Source == "" || route.Target == "" {
			return nil, fmt.Errorf("relay: route %q needs both source and target", name)
		}
		if route.Source == route.Target {
			return nil, fmt.Errorf("relay: route %q would forward %q to itself", name, route.Source)
		}
		if route.Group == "" {
			route.Group = "relay-" + name
		}
		routes = append(routes, route)
	}

	return routes, nil
}
