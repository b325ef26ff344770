package dunning

import (
	"github.com/railzwaylabs/dunning/internal/dunning/repository"
	"github.com/railzwaylabs/dunning/internal/dunning/service"
	"go.uber.org/fx"
)

var Module = fx.Module("dunning",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
