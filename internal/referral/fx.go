package referral

import (
	"github.com/lumapix/lumapix/internal/referral/service"
	"go.uber.org/fx"
)

var Module = fx.Module("referral.service",
	fx.Provide(service.NewService),
)
