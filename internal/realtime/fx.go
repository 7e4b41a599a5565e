package realtime

import (
	"context"

	"go.uber.org/fx"

	"github.com/mythosmud/server/internal/broker"
	"github.com/mythosmud/server/internal/config"
	"github.com/mythosmud/server/internal/connection"
	"github.com/mythosmud/server/internal/eventbus"
	"github.com/mythosmud/server/internal/movement"
	"github.com/mythosmud/server/internal/world"
)

// Module is the fx module for real-time event dispatch.
var Module = fx.Module("realtime",
	fx.Provide(NewChatLimiterFx),
	fx.Provide(NewServiceFx),
)

// NewChatLimiterFx creates the chat rate limiter from configuration.
func NewChatLimiterFx(cfg *config.Config) *ChatLimiter {
	return NewChatLimiter(cfg.Chat)
}

// NewServiceFx creates the Service and starts it with the application.
func NewServiceFx(
	lc fx.Lifecycle,
	bus *eventbus.Bus,
	mgr *connection.Manager,
	catalog *world.Catalog,
	roster *world.Roster,
	moves *movement.Service,
	limiter *ChatLimiter,
	client *broker.Client,
) *Service {
	svc := NewService(Deps{
		Bus:     bus,
		Pub:     bus,
		Cast:    mgr,
		Catalog: catalog,
		Roster:  roster,
		Moves:   moves,
		Limiter: limiter,
		Broker:  client,
	})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return svc.Start()
		},
	})

	return svc
}
