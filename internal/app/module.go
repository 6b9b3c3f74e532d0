package app

import (
	"log/slog"
	"os"

	"github.com/jardiscore/messaging/internal/relay"
)

func (a *App) initModules() {
	if a.config.GetBool("modules.relay.enabled") {
		rel, err := relay.New(relay.Dependency{
			Config:    a.config,
			Bus:       a.hub,
			Clock:     a.clock,
			UID:       a.oid,
			Goroutine: a.goroutine,
		})
		if err != nil {
			slog.Error("failed to init module relay", "error", err)
			os.Exit(1)
		}
		a.relay = rel
	}
}
