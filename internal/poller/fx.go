package poller

import (
	"context"

	"github.com/lumapix/lumapix/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("poller",
	fx.Provide(provideRedis),
	fx.Provide(NewLocker),
	fx.Provide(New),
	fx.Invoke(Run),
)

// provideRedis returns nil when no Redis address is configured; the poller
// then runs without cross-replica locking.
func provideRedis(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
}

func Run(lc fx.Lifecycle, log *zap.Logger, p *Poller) {
	if p.gateway == nil {
		log.Named("poller").Info("payment gateway not configured, poller disabled")
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go p.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
