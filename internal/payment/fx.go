package payment

import (
	"github.com/lumapix/lumapix/internal/payment/checkout"
	"github.com/lumapix/lumapix/internal/payment/repository"
	"github.com/lumapix/lumapix/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(checkout.NewService),
)
