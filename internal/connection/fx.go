package connection

import (
	"context"

	"go.uber.org/fx"

	"github.com/mythosmud/server/internal/config"
	"github.com/mythosmud/server/internal/events"
	"github.com/mythosmud/server/internal/movement"
	"github.com/mythosmud/server/internal/world"
)

var Module = fx.Module("connection",
	fx.Provide(NewManagerFx),
)

// NewManagerFx creates the Manager and registers lifecycle hooks with fx.
func NewManagerFx(lc fx.Lifecycle, cfg *config.Config, pub events.Publisher, catalog *world.Catalog, moves *movement.Service) *Manager {
	m := NewManager(cfg.Connection, pub, catalog, moves)

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			m.StartSweeper()
			return nil
		},
		OnStop: func(_ context.Context) error {
			m.Shutdown()
			return nil
		},
	})

	return m
}
