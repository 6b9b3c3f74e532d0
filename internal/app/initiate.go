package app

import (
	"context"
	"log/slog"
	"os"

	"github.com/jardiscore/messaging/internal/pkg/clock"
	"github.com/jardiscore/messaging/internal/pkg/config"
	"github.com/jardiscore/messaging/internal/pkg/goroutine"
	"github.com/jardiscore/messaging/internal/pkg/instrument"
	"github.com/jardiscore/messaging/internal/pkg/messaging"
	"github.com/jardiscore/messaging/internal/pkg/uid"
)

func (a *App) initConfig() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "/config/config.yaml"
		if os.Getenv("LOCAL") == "true" {
			path = "./config/config.yaml"
		}
	}

	cfg, err := config.NewViper(path)
	if err != nil {
		slog.Error("failed to init config", "error", err)
		os.Exit(1)
	}

	//nolint:errcheck,gosec // ignore error
	os.Setenv("TZ", cfg.GetString("app.tz"))

	a.config = cfg
}

func (a *App) initInstrument() {
	ins, err := instrument.New(context.Background(), &instrument.Config{
		Enabled:          a.config.GetBool("instrument.enabled"),
		ServiceName:      a.config.GetString("instrument.service_name"),
		ServiceVersion:   a.config.GetString("instrument.service_version"),
		Environment:      a.config.GetString("instrument.env"),
		OTLPEndpoint:     a.config.GetString("instrument.otlp_endpoint"),
		OTLPSecure:       a.config.GetBool("instrument.otlp_secure"),
		TraceSampleRatio: a.config.GetFloat64("instrument.trace_sample_ratio"),
		MetricsInterval:  a.config.GetSecond("instrument.metric_interval_seconds"),
		MaskFields:       a.config.GetArray("instrument.log_mask_fields"),
	})
	if err != nil {
		slog.Error("failed to init instrumentation", "error", err)
		os.Exit(1)
	}
	a.ins = ins
}

func (a *App) initLibraries() {
	a.clock = clock.New()
	a.uuid = uid.NewUUID()
	a.goroutine = goroutine.NewManager(a.config.GetInt("app.max_goroutine"))

	objID, err := uid.NewObjectIDGenerator()
	if err != nil {
		slog.Error("failed to init uid string object_id", "error", err)
		os.Exit(1)
	}
	a.oid = objID
}

// initMessaging builds one adapter per configured layer and registers them on
// the hub in the order they are listed; position doubles as fallback
// priority.
func (a *App) initMessaging() {
	layers := a.config.GetArray("messaging.layers")
	if len(layers) == 0 {
		slog.Error("no messaging layers configured")
		os.Exit(1)
	}

	hub := messaging.NewHub()
	for priority, name := range layers {
		kind := messaging.Kind(name)
		adapter, err := a.buildAdapter(kind)
		if err != nil {
			slog.Error("failed to init messaging layer", "kind", name, "error", err)
			os.Exit(1)
		}
		hub.Set(kind, adapter, priority)
	}

	a.hub = hub
}

func (a *App) buildAdapter(kind messaging.Kind) (messaging.Adapter, error) {
	prefix := "messaging." + kind.String()
	cfg := messaging.ConnConfig{
		Host:     a.config.GetString(prefix + ".host"),
		Port:     a.config.GetInt(prefix + ".port"),
		Username: a.config.GetString(prefix + ".username"),
		Password: a.config.GetString(prefix + ".password"),
	}

	switch kind {
	case messaging.KindRedis:
		cfg.Options = map[string]any{"db": a.config.GetInt(prefix + ".db")}
		return messaging.NewRedis(cfg)
	case messaging.KindKafka:
		return messaging.NewKafka(cfg)
	case messaging.KindRabbitMQ:
		cfg.Options = map[string]any{"vhost": a.config.GetString(prefix + ".vhost")}
		return messaging.NewRabbitMQ(cfg)
	default:
		return nil, &messaging.ConfigError{Reason: "unknown messaging layer " + kind.String()}
	}
}

func (a *App) initClosers() {
	a.closers = []struct {
		name string
		fn   func(context.Context) error
	}{
		{"Messaging Hub", func(context.Context) error { return a.hub.Close() }},
		{"Instrumentation", a.ins.Shutdown},
		{"Config", func(context.Context) error { return a.config.Close() }},
	}
}
