package auth

import (
	"go.uber.org/fx"

	"github.com/mythosmud/server/internal/config"
)

var Module = fx.Module("auth",
	fx.Provide(func(cfg *config.Config) *Validator {
		return NewValidator(cfg.JWT.Secret)
	}),
)
