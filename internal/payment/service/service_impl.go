package service

import (
	"context"
	"errors"
	"time"

	"github.com/lumapix/lumapix/internal/clock"
	obsmetrics "github.com/lumapix/lumapix/internal/observability/metrics"
	"github.com/lumapix/lumapix/internal/payment/domain"
	referraldomain "github.com/lumapix/lumapix/internal/referral/domain"
	userdomain "github.com/lumapix/lumapix/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Fallback pricing when an intent carries no explicit token amount: one ruble
// buys ten tokens. Numeric behavior is a product decision; do not change it
// without confirmation.
const rubToTokenRate = 10

// notifyTimeout bounds fire-and-forget chat delivery so a slow chat surface
// never stalls reconciliation.
const notifyTimeout = 10 * time.Second

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Repo       domain.Repository
	Users      userdomain.Repository
	Referral   referraldomain.Service
	Gateway    domain.Gateway      `optional:"true"`
	Notifier   domain.Notifier     `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	repo       domain.Repository
	users      userdomain.Repository
	referral   referraldomain.Service
	gateway    domain.Gateway
	notifier   domain.Notifier
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		clock:      p.Clock,
		repo:       p.Repo,
		users:      p.Users,
		referral:   p.Referral,
		gateway:    p.Gateway,
		notifier:   p.Notifier,
		obsMetrics: p.ObsMetrics,
	}
}

// applyDecision is what the status transaction concluded. Side effects run
// only after the transaction commits.
type applyDecision struct {
	intentID int64
	userID   int64
	before   string
	written  bool

	notifyCapture bool
}

// Apply ingests one normalized status event. The read-compare-write runs in a
// single transaction under a row lock, so at most one concurrent caller
// observes a genuine transition; side effects run after commit and are
// best-effort.
func (s *Service) Apply(ctx context.Context, ev *domain.StatusEvent) error {
	if ev == nil || ev.ProviderID == "" {
		return domain.ErrInvalidEvent
	}
	if ev.Kind == domain.EventKindRefund {
		return s.applyRefund(ctx, ev)
	}
	if ev.Status == "" {
		return domain.ErrInvalidEvent
	}

	var dec applyDecision
	err := s.db.Transaction(func(tx *gorm.DB) error {
		intent, err := s.repo.FindByProviderIDForUpdate(ctx, tx, ev.ProviderID)
		if err != nil {
			return err
		}
		if intent == nil {
			// The webhook can beat the create-call response that attaches the
			// provider id locally. The event metadata carries our intent id in
			// that case; anything else is unattributable and dropped.
			intentID := domain.MetaInt64(ev.Metadata, domain.MetaIntentID)
			if intentID == 0 {
				return nil
			}
			intent, err = s.repo.FindByIDForUpdate(ctx, tx, intentID)
			if err != nil {
				return err
			}
			if intent == nil {
				return nil
			}
			if err := s.repo.AttachProviderID(ctx, tx, intentID, ev.ProviderID); err != nil {
				if errors.Is(err, domain.ErrProviderIDConflict) {
					s.log.Warn("event claims an intent already attached elsewhere",
						zap.Int64("intent_id", intentID),
						zap.String("provider_id", ev.ProviderID),
					)
					return nil
				}
				return err
			}
			dec.before = ""
		} else {
			dec.before = intent.Status
		}
		dec.intentID = intent.ID
		dec.userID = intent.UserID

		// Once succeeded, later primary events never move the status back.
		if dec.before == domain.StatusSucceeded && ev.Status != domain.StatusSucceeded {
			return nil
		}

		patch := make(map[string]any, len(ev.Metadata)+4)
		for k, v := range ev.Metadata {
			patch[k] = v
		}
		patch[domain.MetaTestFlag] = ev.Test
		if ev.Status == domain.StatusCanceled {
			if ev.CancellationReason != "" {
				patch[domain.MetaCancelReason] = ev.CancellationReason
			}
			if ev.CancellationParty != "" {
				patch[domain.MetaCancelParty] = ev.CancellationParty
			}
		}
		if ev.Status == domain.StatusWaitingForCapture {
			dec.notifyCapture = !domain.MetaBool(intent.Metadata, domain.MetaCaptureNotified)
			patch[domain.MetaCaptureNotified] = true
		}

		if err := s.repo.SetStatus(ctx, tx, ev.ProviderID, ev.Status, patch); err != nil {
			return err
		}
		dec.written = true
		return nil
	})
	if err != nil {
		s.obsMetrics.RecordPaymentEvent(ev.Source, ev.Status, "error")
		return err
	}
	if dec.intentID == 0 {
		s.obsMetrics.RecordPaymentEvent(ev.Source, ev.Status, "unattributable")
		s.log.Debug("discarded unattributable payment event", zap.String("provider_id", ev.ProviderID))
		return nil
	}
	if !dec.written {
		s.obsMetrics.RecordPaymentEvent(ev.Source, ev.Status, "ignored")
		return nil
	}

	switch ev.Status {
	case domain.StatusSucceeded:
		if dec.before == domain.StatusSucceeded {
			s.obsMetrics.RecordPaymentEvent(ev.Source, ev.Status, "duplicate")
			return nil
		}
		s.obsMetrics.RecordPaymentEvent(ev.Source, ev.Status, "transition")
		s.applySucceeded(ctx, dec)
	case domain.StatusCanceled:
		if dec.before == domain.StatusCanceled {
			s.obsMetrics.RecordPaymentEvent(ev.Source, ev.Status, "duplicate")
			return nil
		}
		s.obsMetrics.RecordPaymentEvent(ev.Source, ev.Status, "transition")
		s.notify("canceled", func(ctx context.Context) error {
			return s.notifier.PaymentCanceled(ctx, dec.userID, ev.CancellationReason)
		})
	case domain.StatusWaitingForCapture:
		s.obsMetrics.RecordPaymentEvent(ev.Source, ev.Status, "transition")
		if dec.notifyCapture {
			s.notify("waiting_for_capture", func(ctx context.Context) error {
				return s.notifier.PaymentWaiting(ctx, dec.userID)
			})
		}
	default:
		s.obsMetrics.RecordPaymentEvent(ev.Source, ev.Status, "write_through")
	}
	return nil
}

// applySucceeded runs the post-commit side effects of a genuine transition
// into succeeded. Every step is best-effort: a failure is logged and the rest
// still runs, because the authoritative status is already durable and
// upstream re-delivery is suppressed by the duplicate guard.
func (s *Service) applySucceeded(ctx context.Context, dec applyDecision) {
	intent, err := s.repo.FindByID(ctx, s.db, dec.intentID)
	if err != nil || intent == nil {
		s.log.Error("re-read after succeeded commit failed",
			zap.Int64("intent_id", dec.intentID), zap.Error(err))
		return
	}

	meta := map[string]any(intent.Metadata)
	note := domain.SucceededNote{
		PendingGeneration: domain.MetaBool(meta, domain.MetaPendingGeneration),
	}
	var baseTokens int64

	if domain.MetaString(meta, domain.MetaProduct) == domain.ProductClone {
		if err := s.users.SetCloneUnlimited(ctx, s.db, intent.UserID, true); err != nil {
			s.log.Error("entitlement grant failed",
				zap.Int64("user_id", intent.UserID), zap.Error(err))
		} else {
			note.CloneUnlimited = true
		}
	} else {
		baseTokens = intent.AmountTokens
		if baseTokens <= 0 {
			baseTokens = intent.RubAmount * rubToTokenRate
		}
		bucket := domain.MetaString(meta, domain.MetaBucket)
		if bucket != userdomain.BucketAnimate {
			bucket = userdomain.BucketAnimate
		}
		if _, err := s.users.IncBalance(ctx, s.db, intent.UserID, baseTokens, bucket); err != nil {
			s.log.Error("token credit failed",
				zap.Int64("user_id", intent.UserID),
				zap.Int64("tokens", baseTokens),
				zap.Error(err))
		} else {
			note.Tokens = baseTokens
			note.Bucket = bucket
			s.obsMetrics.RecordCredit(bucket, "purchase", baseTokens)
		}

		note.BonusTokens = s.applyTimeBoxedBonus(ctx, intent, bucket)
	}

	if _, err := s.users.SetSegment(ctx, s.db, intent.UserID, userdomain.SegmentClient,
		[]string{userdomain.SegmentLead, userdomain.SegmentQual}); err != nil {
		s.log.Error("segment advance failed",
			zap.Int64("user_id", intent.UserID), zap.Error(err))
	}

	if baseTokens > 0 && s.referral != nil {
		grant, err := s.referral.CreditDepositBonus(ctx, s.db, intent.UserID, intent.ID, baseTokens, intent.RubAmount)
		if err != nil {
			s.log.Error("referral attribution failed",
				zap.Int64("intent_id", intent.ID), zap.Error(err))
		} else if grant != nil {
			s.notify("referral_bonus", func(ctx context.Context) error {
				return s.notifier.ReferralBonus(ctx, grant.InviterID, grant.Amount, grant.NewBalance)
			})
		}
	}

	s.notify("succeeded", func(ctx context.Context) error {
		return s.notifier.PaymentSucceeded(ctx, intent.UserID, note)
	})
}

// applyTimeBoxedBonus credits the metadata bonus offer when payment landed
// before the deadline. The bonus is a separate increment so it stays
// independently auditable.
func (s *Service) applyTimeBoxedBonus(ctx context.Context, intent *domain.Intent, defaultBucket string) int64 {
	meta := map[string]any(intent.Metadata)
	deadline, ok := domain.MetaTime(meta, domain.MetaBonusDeadline)
	if !ok {
		return 0
	}
	bonusTokens := domain.MetaInt64(meta, domain.MetaBonusTokens)
	if bonusTokens <= 0 || s.clock.Now().After(deadline) {
		return 0
	}

	bucket := domain.MetaString(meta, domain.MetaBonusBucket)
	if bucket != userdomain.BucketAnimate && bucket != userdomain.BucketAvatar {
		bucket = defaultBucket
	}
	if _, err := s.users.IncBalance(ctx, s.db, intent.UserID, bonusTokens, bucket); err != nil {
		s.log.Error("time-boxed bonus credit failed",
			zap.Int64("user_id", intent.UserID),
			zap.Int64("tokens", bonusTokens),
			zap.Error(err))
		return 0
	}
	s.obsMetrics.RecordCredit(bucket, "timebox_bonus", bonusTokens)
	return bonusTokens
}

// applyRefund notifies on a succeeded refund. The primary status never moves.
func (s *Service) applyRefund(ctx context.Context, ev *domain.StatusEvent) error {
	if ev.RefundStatus != domain.StatusSucceeded {
		s.obsMetrics.RecordPaymentEvent(ev.Source, "refund."+ev.RefundStatus, "ignored")
		return nil
	}
	intent, err := s.repo.FindByProviderID(ctx, s.db, ev.ProviderID)
	if err != nil {
		return err
	}
	if intent == nil {
		s.obsMetrics.RecordPaymentEvent(ev.Source, "refund.succeeded", "unattributable")
		return nil
	}
	s.obsMetrics.RecordPaymentEvent(ev.Source, "refund.succeeded", "transition")
	rub := ev.RubAmount
	if rub == 0 {
		rub = intent.RubAmount
	}
	s.notify("refund", func(ctx context.Context) error {
		return s.notifier.RefundSucceeded(ctx, intent.UserID, rub)
	})
	return nil
}

// CheckPayment is the on-demand source: fetch, reconcile, read fresh state
// back for the chat surface. Gateway failures map to a generic retry-later
// outcome with a short diagnostic code, never raw error text.
func (s *Service) CheckPayment(ctx context.Context, providerID string) (*domain.CheckResult, error) {
	if s.gateway == nil {
		return &domain.CheckResult{Outcome: domain.CheckOutcomeRetry, Code: "gateway_unconfigured"}, nil
	}

	ev, err := s.gateway.FetchPayment(ctx, providerID)
	if err != nil {
		if errors.Is(err, domain.ErrProviderNotFound) {
			s.log.Info("checked payment unknown to the provider", zap.String("provider_id", providerID))
			return &domain.CheckResult{Outcome: domain.CheckOutcomeNotFound, Code: "provider_404"}, nil
		}
		s.log.Warn("payment check fetch failed", zap.String("provider_id", providerID), zap.Error(err))
		return &domain.CheckResult{Outcome: domain.CheckOutcomeRetry, Code: "gateway_error"}, nil
	}
	ev.Source = domain.SourceCheck

	if err := s.Apply(ctx, ev); err != nil {
		return nil, err
	}

	result := &domain.CheckResult{Status: ev.Status}
	switch ev.Status {
	case domain.StatusSucceeded:
		result.Outcome = domain.CheckOutcomeSucceeded
	case domain.StatusCanceled:
		result.Outcome = domain.CheckOutcomeCanceled
	case domain.StatusWaitingForCapture:
		result.Outcome = domain.CheckOutcomeWaiting
	default:
		result.Outcome = domain.CheckOutcomePending
	}

	intent, err := s.repo.FindByProviderID(ctx, s.db, providerID)
	if err != nil || intent == nil {
		return result, nil
	}
	snap, err := s.users.Snapshot(ctx, s.db, intent.UserID)
	if err != nil {
		s.log.Warn("post-check snapshot failed", zap.Int64("user_id", intent.UserID), zap.Error(err))
		return result, nil
	}
	result.Snapshot = &domain.UserSnapshot{
		TelegramID:    snap.TelegramID,
		Segment:       snap.Segment,
		AnimateTokens: snap.AnimateTokens,
		AvatarTokens:  snap.AvatarTokens,
		TotalTokens:   snap.TotalTokens,
	}
	return result, nil
}

func (s *Service) notify(kind string, fn func(ctx context.Context) error) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.obsMetrics.RecordNotification(kind, false)
		s.log.Warn("notification delivery failed", zap.String("kind", kind), zap.Error(err))
		return
	}
	s.obsMetrics.RecordNotification(kind, true)
}
