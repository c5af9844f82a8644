package poller

import (
	"context"
	"errors"
	"time"

	"github.com/lumapix/lumapix/internal/clock"
	"github.com/lumapix/lumapix/internal/config"
	obsmetrics "github.com/lumapix/lumapix/internal/observability/metrics"
	paymentdomain "github.com/lumapix/lumapix/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("poller: missing required dependency")

const (
	sweepLockKey = "lumapix:poller:payments"
	sweepLockTTL = time.Minute
	sweepTimeout = 45 * time.Second
)

// openStatuses are the statuses the provider can still move forward. Terminal
// intents are never re-fetched.
var openStatuses = []string{
	paymentdomain.StatusPending,
	paymentdomain.StatusWaitingForCapture,
}

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Config config.Config

	Repo    paymentdomain.Repository
	Engine  paymentdomain.Service
	Gateway paymentdomain.Gateway `optional:"true"`

	Locker     *Locker             `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Poller sweeps open payment intents and reconciles them against the
// provider's current view. It is the safety net behind webhooks: a lost
// callback only delays a credit until the next sweep.
type Poller struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	repo    paymentdomain.Repository
	engine  paymentdomain.Service
	gateway paymentdomain.Gateway
	locker  *Locker
	metrics *obsmetrics.Metrics

	idleInterval time.Duration
	busyInterval time.Duration
	errorBackoff time.Duration
	batchSize    int
}

func New(p Params) (*Poller, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Repo == nil || p.Engine == nil {
		return nil, ErrInvalidConfig
	}
	return &Poller{
		db:           p.DB,
		log:          p.Log.Named("poller").With(zap.String("component", "poller")),
		clock:        p.Clock,
		repo:         p.Repo,
		engine:       p.Engine,
		gateway:      p.Gateway,
		locker:       p.Locker,
		metrics:      p.ObsMetrics,
		idleInterval: p.Config.PollIdleInterval,
		busyInterval: p.Config.PollBusyInterval,
		errorBackoff: p.Config.PollErrorBackoff,
		batchSize:    p.Config.PollBatchSize,
	}, nil
}

// RunOnce performs a single sweep and reports how many intents were
// reconciled. Per-intent failures are logged and skipped; they never abort
// the rest of the batch.
func (p *Poller) RunOnce(parent context.Context) (int, error) {
	if p.gateway == nil {
		return 0, errors.New("payment gateway not configured")
	}

	ctx, cancel := context.WithTimeout(parent, sweepTimeout)
	defer cancel()

	start := p.clock.Now()
	intents, err := p.repo.ListOpen(ctx, p.db, openStatuses, p.batchSize)
	if err != nil {
		p.metrics.RecordSweep("error", time.Since(start).Seconds())
		return 0, err
	}

	reconciled := 0
	failed := 0
	for _, intent := range intents {
		if intent.ProviderID == nil || *intent.ProviderID == "" {
			// Created locally but the provider call never finished. The
			// checkout retry path owns these.
			continue
		}
		applied, err := p.reconcile(ctx, *intent.ProviderID)
		if err != nil {
			failed++
			p.log.Warn("sweep item failed",
				zap.String("provider_id", *intent.ProviderID),
				zap.Int64("intent_id", intent.ID),
				zap.Error(err),
			)
			continue
		}
		if applied {
			reconciled++
		}
	}

	result := "ok"
	switch {
	case len(intents) == 0:
		result = "empty"
	case failed > 0 && reconciled == 0:
		result = "error"
	case failed > 0:
		result = "partial"
	}
	p.metrics.RecordSweep(result, time.Since(start).Seconds())

	if reconciled > 0 || failed > 0 {
		p.log.Info("sweep finished",
			zap.Int("open", len(intents)),
			zap.Int("reconciled", reconciled),
			zap.Int("failed", failed),
		)
	}
	return reconciled, nil
}

// reconcile fetches the provider's view of one intent and applies it. The
// bool reports whether an event was actually applied; a not-found skip is
// neither a reconciliation nor a failure.
func (p *Poller) reconcile(ctx context.Context, providerID string) (bool, error) {
	ev, err := p.gateway.FetchPayment(ctx, providerID)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrProviderNotFound) {
			// Routine right after checkout: the provider has not persisted
			// the payment yet. The next sweep picks it up.
			p.log.Info("payment not visible at provider yet",
				zap.String("provider_id", providerID),
			)
			return false, nil
		}
		return false, err
	}
	ev.Source = paymentdomain.SourcePoller
	if err := p.engine.Apply(ctx, ev); err != nil {
		return false, err
	}
	return true, nil
}

// RunForever sweeps until ctx is canceled, pacing itself by how much work the
// last sweep found.
func (p *Poller) RunForever(ctx context.Context) {
	for {
		wait := p.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// sweep runs one lock-guarded sweep and returns how long to wait before the
// next one.
func (p *Poller) sweep(ctx context.Context) time.Duration {
	if p.locker != nil {
		token, ok, err := p.locker.TryLock(ctx, sweepLockKey, sweepLockTTL)
		if err != nil {
			p.log.Warn("sweep lock unavailable", zap.Error(err))
			return p.errorBackoff
		}
		if !ok {
			return p.idleInterval
		}
		defer func() {
			if err := p.locker.Release(ctx, sweepLockKey, token); err != nil {
				p.log.Warn("sweep lock release failed", zap.Error(err))
			}
		}()
	}

	reconciled, err := p.RunOnce(ctx)
	switch {
	case err != nil:
		p.log.Warn("sweep failed", zap.Error(err))
		return p.errorBackoff
	case reconciled > 0:
		return p.busyInterval
	default:
		return p.idleInterval
	}
}
