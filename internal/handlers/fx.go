package handlers

import (
	"go.uber.org/fx"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mythosmud/server/internal/auth"
	"github.com/mythosmud/server/internal/broker"
	"github.com/mythosmud/server/internal/config"
	"github.com/mythosmud/server/internal/connection"
	"github.com/mythosmud/server/internal/eventbus"
	"github.com/mythosmud/server/internal/realtime"
	"github.com/mythosmud/server/internal/repository/postgres"
)

var Module = fx.Module("handler",
	fx.Provide(
		NewRealTimeHandlerFx,
		NewHealthHandlerFx,
	),
)

// NewRealTimeHandlerFx creates the real-time handler for fx
func NewRealTimeHandlerFx(mgr *connection.Manager, svc *realtime.Service, validator *auth.Validator, cfg *config.Config) *RealTimeHandler {
	return NewRealTimeHandler(mgr, svc, validator, cfg.Connection.WriteTimeout)
}

// NewHealthHandlerFx creates the health handler for fx
func NewHealthHandlerFx(pool *pgxpool.Pool, mgr *connection.Manager, bus *eventbus.Bus, client *broker.Client, repo *postgres.PlayerRepository) *HealthHandler {
	return NewHealthHandler(pool, mgr, bus, client, repo)
}
