package world

import (
	"go.uber.org/fx"

	"github.com/mythosmud/server/internal/events"
)

var Module = fx.Module("world",
	fx.Provide(func(pub events.Publisher) (*Catalog, error) {
		return NewCatalog(pub)
	}),
	fx.Provide(NewRoster),
)
