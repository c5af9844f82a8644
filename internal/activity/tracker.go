package activity

import (
	"context"
	"time"

	"github.com/lumapix/lumapix/internal/clock"
	"github.com/lumapix/lumapix/internal/config"
	obsmetrics "github.com/lumapix/lumapix/internal/observability/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const evictionInterval = time.Minute

// Tracker records recent user activity in a process-wide TTL cache. It is an
// injected capability with an fx lifecycle, not ambient module state.
type Tracker interface {
	Touch(userID int64)
	ActiveCount() int
	ActiveWithin(window time.Duration) []int64
}

type Params struct {
	fx.In

	LC    fx.Lifecycle
	Log   *zap.Logger
	Clock clock.Clock
	Cfg   config.Config
}

type tracker struct {
	cache  Cache[int64, time.Time]
	clock  clock.Clock
	window time.Duration
	log    *zap.Logger
	stop   chan struct{}
}

func NewTracker(p Params) Tracker {
	window := p.Cfg.ActivityWindowTTL
	if window <= 0 {
		window = 10 * time.Minute
	}
	t := &tracker{
		cache:  NewTTLCache[int64, time.Time](p.Clock),
		clock:  p.Clock,
		window: window,
		log:    p.Log.Named("activity"),
		stop:   make(chan struct{}),
	}
	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go t.evictLoop()
			return nil
		},
		OnStop: func(context.Context) error {
			close(t.stop)
			return nil
		},
	})
	return t
}

func (t *tracker) Touch(userID int64) {
	t.cache.Set(userID, t.clock.Now(), t.window)
}

func (t *tracker) ActiveCount() int {
	t.cache.Evict(t.clock.Now())
	return t.cache.Len()
}

func (t *tracker) ActiveWithin(window time.Duration) []int64 {
	cutoff := t.clock.Now().Add(-window)
	var ids []int64
	t.cache.Range(func(userID int64, seenAt time.Time, _ time.Time) bool {
		if !seenAt.Before(cutoff) {
			ids = append(ids, userID)
		}
		return true
	})
	return ids
}

func (t *tracker) evictLoop() {
	ticker := time.NewTicker(evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.cache.Evict(t.clock.Now())
		}
	}
}

type gaugeParams struct {
	fx.In

	Tracker  Tracker
	Metrics  *obsmetrics.Metrics  `optional:"true"`
	Registry *prometheus.Registry `optional:"true"`
}

func registerGauge(p gaugeParams) {
	if p.Metrics == nil || p.Registry == nil {
		return
	}
	p.Metrics.RegisterActiveUsers(p.Registry, p.Tracker.ActiveCount)
}

var Module = fx.Module("activity",
	fx.Provide(NewTracker),
	fx.Invoke(registerGauge),
)
