package broker

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/mythosmud/server/internal/config"
)

// Module is the fx module for the message broker client. An empty
// broker URL disables the client; consumers treat a nil *Client as
// "broker unavailable" and keep serving local traffic.
var Module = fx.Module("broker",
	fx.Provide(NewClientFx),
)

// NewClientFx creates the Client and registers lifecycle hooks with fx.
func NewClientFx(lc fx.Lifecycle, cfg *config.Config) (*Client, error) {
	if cfg.Broker.URL == "" {
		slog.Info("broker: no URL configured, running without message broker")
		return nil, nil
	}

	client, err := New(cfg.Broker)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			client.StartHealthLoop(cfg.HealthCheckInterval)
			return nil
		},
		OnStop: func(_ context.Context) error {
			client.Close()
			return nil
		},
	})

	slog.Info("broker: client created", "url", cfg.Broker.URL, "poolSize", cfg.Broker.PoolSize, "batching", cfg.Broker.BatchingEnabled)
	return client, nil
}
