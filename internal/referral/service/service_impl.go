package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lumapix/lumapix/internal/clock"
	"github.com/lumapix/lumapix/internal/config"
	obsmetrics "github.com/lumapix/lumapix/internal/observability/metrics"
	referraldomain "github.com/lumapix/lumapix/internal/referral/domain"
	userdomain "github.com/lumapix/lumapix/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	Users      userdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        config.Config
	users      userdomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) referraldomain.Service {
	return &Service{
		log:        p.Log.Named("referral.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Cfg,
		users:      p.Users,
		obsMetrics: p.ObsMetrics,
	}
}

// CreditDepositBonus shares a slice of a paid top-up with the payer's inviter.
// The pay id keys idempotence: a payment that already produced a bonus row is
// a no-op on replay.
func (s *Service) CreditDepositBonus(ctx context.Context, db *gorm.DB, payerID, payID, baseTokens, rubAmount int64) (*referraldomain.DepositGrant, error) {
	if baseTokens <= 0 {
		return nil, nil
	}

	payer, err := s.users.Get(ctx, db, payerID)
	if err != nil {
		return nil, err
	}
	if payer == nil || payer.InvitedBy == nil || *payer.InvitedBy == payerID {
		return nil, nil
	}
	inviterID := *payer.InvitedBy

	var existing int64
	err = db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM referral_bonuses WHERE pay_id = ?`,
		payID,
	).Scan(&existing).Error
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, nil
	}

	amount := int64(float64(baseTokens) * s.cfg.ReferralDepositRate)
	if amount < 1 {
		amount = 1
	}

	grant := &referraldomain.DepositGrant{InviterID: inviterID, Amount: amount}
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		newBalance, err := s.users.IncBalance(ctx, tx, inviterID, amount, userdomain.BucketAnimate)
		if err != nil {
			return err
		}
		grant.NewBalance = newBalance
		return s.insertBonus(ctx, tx, referraldomain.Bonus{
			ReferrerUserID: inviterID,
			ReferredUserID: payerID,
			Amount:         amount,
			BonusType:      referraldomain.BonusTypeDeposit,
			PayID:          &payID,
			DepositTokens:  baseTokens,
			DepositRub:     rubAmount,
		})
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordReferralBonus(referraldomain.BonusTypeDeposit)
	s.log.Info("deposit referral bonus credited",
		zap.Int64("inviter_id", inviterID),
		zap.Int64("payer_id", payerID),
		zap.Int64("pay_id", payID),
		zap.Int64("amount", amount),
	)
	return grant, nil
}

// CreditSignupBonuses grants the flat invite bonuses to both sides. The
// inviter/invitee pair keys idempotence.
func (s *Service) CreditSignupBonuses(ctx context.Context, db *gorm.DB, inviterID, inviteeID int64) (*referraldomain.SignupGrant, error) {
	if inviterID == 0 || inviteeID == 0 || inviterID == inviteeID {
		return nil, nil
	}

	var existing int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM referral_bonuses
		 WHERE referrer_user_id = ? AND referred_user_id = ? AND pay_id IS NULL`,
		inviterID, inviteeID,
	).Scan(&existing).Error
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, nil
	}

	grant := &referraldomain.SignupGrant{
		InviterID:     inviterID,
		InviteeID:     inviteeID,
		InviterAmount: s.cfg.ReferralInviterBonus,
		InviteeAmount: s.cfg.ReferralInviteeBonus,
	}
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if grant.InviterAmount > 0 {
			if _, err := s.users.IncBalance(ctx, tx, inviterID, grant.InviterAmount, userdomain.BucketAnimate); err != nil {
				return err
			}
			if err := s.insertBonus(ctx, tx, referraldomain.Bonus{
				ReferrerUserID: inviterID,
				ReferredUserID: inviteeID,
				Amount:         grant.InviterAmount,
				BonusType:      referraldomain.BonusTypeDeposit,
			}); err != nil {
				return err
			}
		}
		if grant.InviteeAmount > 0 {
			if _, err := s.users.IncBalance(ctx, tx, inviteeID, grant.InviteeAmount, userdomain.BucketAnimate); err != nil {
				return err
			}
			if err := s.insertBonus(ctx, tx, referraldomain.Bonus{
				ReferrerUserID: inviterID,
				ReferredUserID: inviteeID,
				Amount:         grant.InviteeAmount,
				BonusType:      referraldomain.BonusTypeGeneration,
			}); err != nil {
				return err
			}
		}
		return s.users.IncFriendsCount(ctx, tx, inviterID)
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordReferralBonus(referraldomain.BonusTypeGeneration)
	s.log.Info("signup referral bonuses credited",
		zap.Int64("inviter_id", inviterID),
		zap.Int64("invitee_id", inviteeID),
	)
	return grant, nil
}

func (s *Service) insertBonus(ctx context.Context, tx *gorm.DB, bonus referraldomain.Bonus) error {
	var recordedAt time.Time
	if s.clock != nil {
		recordedAt = s.clock.Now()
	} else {
		recordedAt = time.Now().UTC()
	}
	return tx.WithContext(ctx).Exec(
		`INSERT INTO referral_bonuses
			(id, referrer_user_id, referred_user_id, amount, bonus_type, pay_id, deposit_tokens, deposit_rub, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.genID.Generate().Int64(),
		bonus.ReferrerUserID,
		bonus.ReferredUserID,
		bonus.Amount,
		bonus.BonusType,
		bonus.PayID,
		bonus.DepositTokens,
		bonus.DepositRub,
		recordedAt,
	).Error
}
