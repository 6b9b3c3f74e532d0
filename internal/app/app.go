package app

import (
	"context"

	"github.com/jardiscore/messaging/internal/pkg/clock"
	"github.com/jardiscore/messaging/internal/pkg/config"
	"github.com/jardiscore/messaging/internal/pkg/goroutine"
	"github.com/jardiscore/messaging/internal/pkg/instrument"
	"github.com/jardiscore/messaging/internal/pkg/messaging"
	"github.com/jardiscore/messaging/internal/pkg/uid"
	"github.com/jardiscore/messaging/internal/relay"
)

// App wires dependencies and manages service lifecycle.
type App struct {
	ctx    context.Context
	cancel context.CancelFunc

	// configuration
	config config.Config
	ins    instrument.Instrumentation

	// libraries
	goroutine *goroutine.Manager
	clock     clock.Clocker
	uuid      uid.StringID
	oid       uid.StringID

	// resources
	hub *messaging.Hub

	// modules
	relay *relay.Relay

	closers []struct {
		name string
		fn   func(context.Context) error
	}
}

// New initializes the application with default wiring and returns an App instance.
func New() *App {
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		ctx:    ctx,
		cancel: cancel,
	}

	app.initConfig()
	app.initInstrument()
	app.initLibraries()
	app.initMessaging()
	app.initModules()
	app.initClosers()

	return app
}
