package providers

import (
	"github.com/lumapix/lumapix/internal/clock"
	"github.com/lumapix/lumapix/internal/config"
	paymentdomain "github.com/lumapix/lumapix/internal/payment/domain"
	"github.com/lumapix/lumapix/internal/providers/kling"
	"github.com/lumapix/lumapix/internal/providers/telegram"
	"github.com/lumapix/lumapix/internal/providers/yookassa"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Missing credentials disable the corresponding provider instead of failing
// startup; consumers treat a nil gateway as "not configured".
func providePaymentGateway(cfg config.Config, log *zap.Logger) (paymentdomain.Gateway, error) {
	if cfg.YooKassaShopID == "" || cfg.YooKassaAPIKey == "" {
		log.Warn("yookassa credentials not set, payment gateway disabled")
		return nil, nil
	}
	return yookassa.New(cfg, log)
}

func provideVideoGateway(cfg config.Config, clk clock.Clock, log *zap.Logger) (*kling.Client, error) {
	if cfg.KlingAccessKey == "" || cfg.KlingSecretKey == "" {
		log.Warn("kling credentials not set, video gateway disabled")
		return nil, nil
	}
	return kling.New(cfg, clk, log)
}

var Module = fx.Module("providers",
	fx.Provide(providePaymentGateway),
	fx.Provide(provideVideoGateway),
	fx.Provide(telegram.NewNotifier),
)
