package main

import (
	"go.uber.org/fx"

	"github.com/mythosmud/server/internal/auth"
	"github.com/mythosmud/server/internal/broker"
	"github.com/mythosmud/server/internal/config"
	"github.com/mythosmud/server/internal/connection"
	"github.com/mythosmud/server/internal/eventbus"
	"github.com/mythosmud/server/internal/handlers"
	"github.com/mythosmud/server/internal/logger"
	"github.com/mythosmud/server/internal/migration"
	"github.com/mythosmud/server/internal/movement"
	"github.com/mythosmud/server/internal/realtime"
	"github.com/mythosmud/server/internal/repository/postgres"
	"github.com/mythosmud/server/internal/world"
)

func main() {
	// Load logger config early to configure fx logger
	logCfg := logger.LoadConfig()
	logger.Setup(logCfg)

	fx.New(
		// Use our slog-based logger for fx (or NopLogger if FX_LOGS=false)
		logger.FxLogger(logCfg),

		// Supply the already-loaded config
		fx.Supply(logCfg),

		// Modules
		///
		logger.Module,
		config.Module,
		migration.Module,
		postgres.Module,
		auth.Module,
		eventbus.Module,
		broker.Module,
		world.Module,
		movement.Module,
		connection.Module,
		realtime.Module,
		handlers.Module,
		handlers.RouterModule,
		handlers.ServerModule,
	).Run()
}
