package eventbus

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	watermillsql "github.com/ThreeDotsLabs/watermill-sql/v3/pkg/sql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	nc "github.com/nats-io/nats.go"

	"github.com/mythosmud/server/internal/config"
)

// newPubSub builds the bus transport for the configured backend.
// gochannel keeps everything in process and is the default; sql and
// nats exist for multi-instance deployments where in-process events
// must also survive the process or reach siblings.
func newPubSub(cfg *config.Config, pool *pgxpool.Pool, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
	switch cfg.EventBus.Backend {
	case "gochannel", "":
		ch := gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			logger,
		)
		return ch, ch, nil

	case "sql":
		if pool == nil {
			return nil, nil, fmt.Errorf("eventbus: backend is \"sql\" but pgxpool is nil")
		}

		db := stdlib.OpenDBFromPool(pool)

		schemaAdapter := watermillsql.DefaultPostgreSQLSchema{}
		offsetsAdapter := watermillsql.DefaultPostgreSQLOffsetsAdapter{}

		pub, err := watermillsql.NewPublisher(
			db,
			watermillsql.PublisherConfig{
				SchemaAdapter:        schemaAdapter,
				AutoInitializeSchema: true,
			},
			logger,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("eventbus: create sql publisher: %w", err)
		}

		sub, err := watermillsql.NewSubscriber(
			db,
			watermillsql.SubscriberConfig{
				SchemaAdapter:    schemaAdapter,
				OffsetsAdapter:   offsetsAdapter,
				InitializeSchema: true,
			},
			logger,
		)
		if err != nil {
			_ = pub.Close()
			return nil, nil, fmt.Errorf("eventbus: create sql subscriber: %w", err)
		}

		return pub, sub, nil

	case "nats":
		if cfg.Broker.URL == "" {
			return nil, nil, fmt.Errorf("eventbus: backend is \"nats\" but broker URL is empty")
		}

		natsOpts := []nc.Option{
			nc.Name("mud-eventbus"),
			nc.RetryOnFailedConnect(true),
		}

		pub, err := wmnats.NewPublisher(
			wmnats.PublisherConfig{
				URL:         cfg.Broker.URL,
				NatsOptions: natsOpts,
				Marshaler:   &wmnats.NATSMarshaler{},
				JetStream:   wmnats.JetStreamConfig{Disabled: true},
			},
			logger,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("eventbus: create nats publisher: %w", err)
		}

		sub, err := wmnats.NewSubscriber(
			wmnats.SubscriberConfig{
				URL:         cfg.Broker.URL,
				NatsOptions: natsOpts,
				Unmarshaler: &wmnats.NATSMarshaler{},
				JetStream:   wmnats.JetStreamConfig{Disabled: true},
			},
			logger,
		)
		if err != nil {
			_ = pub.Close()
			return nil, nil, fmt.Errorf("eventbus: create nats subscriber: %w", err)
		}

		return pub, sub, nil

	default:
		return nil, nil, fmt.Errorf("eventbus: unknown backend %q (valid: gochannel, sql, nats)", cfg.EventBus.Backend)
	}
}
