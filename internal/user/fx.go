package user

import (
	"github.com/lumapix/lumapix/internal/user/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("user.service",
	fx.Provide(repository.Provide),
)
