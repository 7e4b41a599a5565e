package eventbus

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"

	"github.com/mythosmud/server/internal/config"
	"github.com/mythosmud/server/internal/events"
)

// Module is the fx module for the in-process event bus.
var Module = fx.Module("eventbus",
	fx.Provide(NewBusFx),
	fx.Provide(func(b *Bus) events.Publisher { return b }),
)

// NewBusFx creates the Bus and registers lifecycle hooks with fx.
func NewBusFx(lc fx.Lifecycle, cfg *config.Config, pool *pgxpool.Pool) (*Bus, error) {
	logger := watermill.NewSlogLogger(slog.Default())

	pub, sub, err := newPubSub(cfg, pool, logger)
	if err != nil {
		return nil, err
	}

	bus := New(cfg.EventBus, pub, sub)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return bus.Start(ctx)
		},
		OnStop: func(_ context.Context) error {
			bus.Stop()
			return nil
		},
	})

	slog.Info("eventbus: created", "backend", cfg.EventBus.Backend, "queueSize", cfg.EventBus.QueueSize)
	return bus, nil
}
