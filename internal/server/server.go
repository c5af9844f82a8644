package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lumapix/lumapix/internal/activity"
	"github.com/lumapix/lumapix/internal/config"
	"github.com/lumapix/lumapix/internal/generation"
	"github.com/lumapix/lumapix/internal/observability"
	obslogger "github.com/lumapix/lumapix/internal/observability/logger"
	obsmetrics "github.com/lumapix/lumapix/internal/observability/metrics"
	"github.com/lumapix/lumapix/internal/payment/checkout"
	paymentdomain "github.com/lumapix/lumapix/internal/payment/domain"
	"github.com/lumapix/lumapix/internal/providers/yookassa"
	userdomain "github.com/lumapix/lumapix/internal/user/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log, obslogger.MiddlewareConfig{Debug: obsCfg.Debug()}))
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}

func registerGin(log *zap.Logger, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(log, obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	db          *gorm.DB
	log         *zap.Logger
	checkoutSvc *checkout.Service
	paymentSvc  paymentdomain.Service
	users       userdomain.Repository
	generation  *generation.Service
	activity    activity.Tracker
	obsMetrics  *obsmetrics.Metrics
	registry    *prometheus.Registry

	trustedNets []*net.IPNet
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	DB          *gorm.DB
	Log         *zap.Logger
	CheckoutSvc *checkout.Service
	PaymentSvc  paymentdomain.Service
	Users       userdomain.Repository
	Generation  *generation.Service  `optional:"true"`
	Activity    activity.Tracker     `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics  `optional:"true"`
	Registry    *prometheus.Registry `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		db:          p.DB,
		log:         p.Log.Named("server"),
		checkoutSvc: p.CheckoutSvc,
		paymentSvc:  p.PaymentSvc,
		users:       p.Users,
		generation:  p.Generation,
		activity:    p.Activity,
		obsMetrics:  p.ObsMetrics,
		registry:    p.Registry,
		trustedNets: trustedNetworks(p.Log, p.Cfg.WebhookExtraIPs),
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()
	svc.registerMetricsRoute()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhook/yookassa", s.HandleYooKassaWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	api.POST("/checkout", s.CreateCheckout)
	api.POST("/payments/:provider_id/check", s.CheckPayment)
	api.GET("/users/:telegram_id", s.GetUserSnapshot)
	api.GET("/stats/active", s.GetActiveUsers)

	if s.generation != nil {
		api.POST("/generations/animate", s.AnimatePhoto)
	}
}

func (s *Server) registerMetricsRoute() {
	if s.registry == nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
		return
	}
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
}

func (s *Server) touch(userID int64) {
	if s.activity != nil && userID != 0 {
		s.activity.Touch(userID)
	}
}

// trustedNetworks parses the provider allow-list plus any operator-supplied
// extras. Bare IPs are widened to single-host networks.
func trustedNetworks(log *zap.Logger, extra []string) []*net.IPNet {
	sources := append(append([]string{}, yookassa.TrustedCIDRs...), extra...)
	nets := make([]*net.IPNet, 0, len(sources))
	for _, source := range sources {
		candidate := source
		if ip := net.ParseIP(candidate); ip != nil {
			if ip.To4() != nil {
				candidate += "/32"
			} else {
				candidate += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(candidate)
		if err != nil {
			log.Warn("skipping malformed trusted network", zap.String("source", source))
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}
