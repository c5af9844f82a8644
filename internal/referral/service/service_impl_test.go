package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lumapix/lumapix/internal/clock"
	"github.com/lumapix/lumapix/internal/config"
	referraldomain "github.com/lumapix/lumapix/internal/referral/domain"
	referralservice "github.com/lumapix/lumapix/internal/referral/service"
	userdomain "github.com/lumapix/lumapix/internal/user/domain"
	userrepo "github.com/lumapix/lumapix/internal/user/repository"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE users (
			telegram_id BIGINT PRIMARY KEY,
			internal_id BIGINT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			balance_tokens BIGINT NOT NULL DEFAULT 0,
			animate_balance_tokens BIGINT NOT NULL DEFAULT 0,
			avatar_balance_tokens BIGINT NOT NULL DEFAULT 0,
			friends_count BIGINT NOT NULL DEFAULT 0,
			invited_by BIGINT,
			referred_id BIGINT,
			segment TEXT NOT NULL DEFAULT 'lead',
			clone_unlimited BOOLEAN NOT NULL DEFAULT FALSE,
			free_tier_used BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE segment_history (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			segment TEXT NOT NULL,
			recorded_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE user_sources (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			source_key TEXT NOT NULL,
			source_value TEXT NOT NULL,
			recorded_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE referral_bonuses (
			id BIGINT PRIMARY KEY,
			referrer_user_id BIGINT NOT NULL,
			referred_user_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			bonus_type TEXT NOT NULL,
			pay_id BIGINT,
			deposit_tokens BIGINT NOT NULL DEFAULT 0,
			deposit_rub BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

type fixture struct {
	db    *gorm.DB
	users userdomain.Repository
	svc   referraldomain.Service
}

func setup(t *testing.T) fixture {
	t.Helper()

	node, err := snowflake.NewNode(8)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	users := userrepo.Provide(node)
	svc := referralservice.NewService(referralservice.Params{
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Now().UTC()),
		Cfg: config.Config{
			ReferralInviterBonus: 200,
			ReferralInviteeBonus: 200,
			ReferralDepositRate:  0.10,
		},
		Users: users,
	})
	return fixture{db: setupTestDB(t), users: users, svc: svc}
}

func seedPair(t *testing.T, f fixture, inviterID, inviteeID int64) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := f.users.GetOrCreate(ctx, f.db, userdomain.NewUserParams{TelegramID: inviterID}); err != nil {
		t.Fatalf("seed inviter: %v", err)
	}
	if _, _, err := f.users.GetOrCreate(ctx, f.db, userdomain.NewUserParams{TelegramID: inviteeID, InvitedBy: &inviterID}); err != nil {
		t.Fatalf("seed invitee: %v", err)
	}
}

func TestDepositBonusTenPercentFloor(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	seedPair(t, f, 1, 2)

	grant, err := f.svc.CreditDepositBonus(ctx, f.db, 2, 900, 37, 370)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if grant == nil {
		t.Fatal("expected a grant")
	}
	if grant.InviterID != 1 || grant.Amount != 3 {
		t.Fatalf("expected 3 tokens to inviter 1, got %+v", grant)
	}
	if grant.NewBalance != 3 {
		t.Fatalf("expected inviter balance 3, got %d", grant.NewBalance)
	}
}

func TestDepositBonusMinimumOne(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	seedPair(t, f, 1, 2)

	grant, err := f.svc.CreditDepositBonus(ctx, f.db, 2, 901, 1, 10)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if grant == nil || grant.Amount != 1 {
		t.Fatalf("expected minimum bonus of 1, got %+v", grant)
	}
}

func TestDepositBonusIdempotentPerPayment(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	seedPair(t, f, 1, 2)

	if _, err := f.svc.CreditDepositBonus(ctx, f.db, 2, 902, 50, 500); err != nil {
		t.Fatalf("first credit: %v", err)
	}
	grant, err := f.svc.CreditDepositBonus(ctx, f.db, 2, 902, 50, 500)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if grant != nil {
		t.Fatal("replay must be a no-op")
	}

	inviter, err := f.users.Get(ctx, f.db, 1)
	if err != nil {
		t.Fatalf("get inviter: %v", err)
	}
	if inviter.AnimateBalanceTokens != 5 {
		t.Fatalf("expected 5 tokens once, got %d", inviter.AnimateBalanceTokens)
	}
}

func TestDepositBonusSkipsUninvitedPayer(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	if _, _, err := f.users.GetOrCreate(ctx, f.db, userdomain.NewUserParams{TelegramID: 5}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	grant, err := f.svc.CreditDepositBonus(ctx, f.db, 5, 903, 50, 500)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if grant != nil {
		t.Fatal("payer without inviter must not produce a bonus")
	}
}

func TestSignupBonusesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	seedPair(t, f, 1, 2)

	grant, err := f.svc.CreditSignupBonuses(ctx, f.db, 1, 2)
	if err != nil {
		t.Fatalf("first grant: %v", err)
	}
	if grant == nil || grant.InviterAmount != 200 || grant.InviteeAmount != 200 {
		t.Fatalf("expected flat 200/200, got %+v", grant)
	}

	replay, err := f.svc.CreditSignupBonuses(ctx, f.db, 1, 2)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay != nil {
		t.Fatal("signup bonuses must land at most once")
	}

	inviter, err := f.users.Get(ctx, f.db, 1)
	if err != nil {
		t.Fatalf("get inviter: %v", err)
	}
	invitee, err := f.users.Get(ctx, f.db, 2)
	if err != nil {
		t.Fatalf("get invitee: %v", err)
	}
	if inviter.AnimateBalanceTokens != 200 || invitee.AnimateBalanceTokens != 200 {
		t.Fatalf("expected 200 each, got inviter=%d invitee=%d", inviter.AnimateBalanceTokens, invitee.AnimateBalanceTokens)
	}
	if inviter.FriendsCount != 1 {
		t.Fatalf("expected friends_count 1, got %d", inviter.FriendsCount)
	}
}

func TestSignupBonusesRejectSelfReferral(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	if _, _, err := f.users.GetOrCreate(ctx, f.db, userdomain.NewUserParams{TelegramID: 9}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	grant, err := f.svc.CreditSignupBonuses(ctx, f.db, 9, 9)
	if err != nil {
		t.Fatalf("self grant: %v", err)
	}
	if grant != nil {
		t.Fatal("self-referral must be a no-op")
	}
}
