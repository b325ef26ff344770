package invoice

import (
	"github.com/railzwaylabs/dunning/internal/invoice/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice",
	fx.Provide(repository.Provide),
)
