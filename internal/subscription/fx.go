package subscription

import (
	"github.com/railzwaylabs/dunning/internal/subscription/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription",
	fx.Provide(repository.Provide),
)
