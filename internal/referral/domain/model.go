package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Bonus kinds. Deposit bonuses track a share of a paid top-up; generation
// bonuses are flat token grants at invite acceptance.
const (
	BonusTypeDeposit    = "deposit"
	BonusTypeGeneration = "generation"
)

// Bonus is one immutable referral_bonuses row.
type Bonus struct {
	ID             int64     `gorm:"column:id;primaryKey"`
	ReferrerUserID int64     `gorm:"column:referrer_user_id"`
	ReferredUserID int64     `gorm:"column:referred_user_id"`
	Amount         int64     `gorm:"column:amount"`
	BonusType      string    `gorm:"column:bonus_type"`
	PayID          *int64    `gorm:"column:pay_id"`
	DepositTokens  int64     `gorm:"column:deposit_tokens"`
	DepositRub     int64     `gorm:"column:deposit_rub"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (Bonus) TableName() string { return "referral_bonuses" }

// DepositGrant reports a credited deposit bonus so the caller can notify the
// inviter.
type DepositGrant struct {
	InviterID  int64
	Amount     int64
	NewBalance int64
}

// SignupGrant reports the flat bonuses credited when an invite is accepted.
type SignupGrant struct {
	InviterID     int64
	InviteeID     int64
	InviterAmount int64
	InviteeAmount int64
}

// Service credits referral bonuses. Both operations are idempotent against
// their natural keys: a payment credits the inviter at most once, and signup
// bonuses land at most once per inviter/invitee pair.
type Service interface {
	CreditDepositBonus(ctx context.Context, db *gorm.DB, payerID, payID, baseTokens, rubAmount int64) (*DepositGrant, error)
	CreditSignupBonuses(ctx context.Context, db *gorm.DB, inviterID, inviteeID int64) (*SignupGrant, error)
}
