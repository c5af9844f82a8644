package poller_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lumapix/lumapix/internal/clock"
	"github.com/lumapix/lumapix/internal/config"
	"github.com/lumapix/lumapix/internal/payment/domain"
	paymentrepo "github.com/lumapix/lumapix/internal/payment/repository"
	paymentservice "github.com/lumapix/lumapix/internal/payment/service"
	"github.com/lumapix/lumapix/internal/poller"
	referralservice "github.com/lumapix/lumapix/internal/referral/service"
	userdomain "github.com/lumapix/lumapix/internal/user/domain"
	userrepo "github.com/lumapix/lumapix/internal/user/repository"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type mapGateway struct {
	mu      sync.Mutex
	events  map[string]*domain.StatusEvent
	errs    map[string]error
	fetched []string
}

func (g *mapGateway) CreatePayment(context.Context, string, domain.CreateIntentRequest) (*domain.CreatedIntent, error) {
	return nil, fmt.Errorf("not used")
}

func (g *mapGateway) FetchPayment(_ context.Context, providerID string) (*domain.StatusEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetched = append(g.fetched, providerID)
	if err, ok := g.errs[providerID]; ok {
		return nil, err
	}
	if ev, ok := g.events[providerID]; ok {
		copied := *ev
		return &copied, nil
	}
	return nil, fmt.Errorf("fetch %s: %w", providerID, domain.ErrProviderNotFound)
}

func (g *mapGateway) fetchCount(providerID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, id := range g.fetched {
		if id == providerID {
			n++
		}
	}
	return n
}

type fixture struct {
	db      *gorm.DB
	node    *snowflake.Node
	users   userdomain.Repository
	repo    domain.Repository
	gateway *mapGateway
	poller  *poller.Poller
}

func setup(t *testing.T) *fixture {
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
		`CREATE TABLE payments (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			provider_id TEXT,
			amount_tokens BIGINT NOT NULL DEFAULT 0,
			rub_amount BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT 'RUB',
			status TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX ux_payments_provider_id ON payments(provider_id)`,
		`CREATE TABLE payment_status_history (
			id BIGINT PRIMARY KEY,
			payment_id BIGINT NOT NULL,
			status TEXT NOT NULL,
			recorded_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}

	node, err := snowflake.NewNode(14)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	fakeClk := clock.NewFakeClock(time.Now().UTC())
	users := userrepo.Provide(node)
	referralSvc := referralservice.NewService(referralservice.Params{
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fakeClk,
		Cfg: config.Config{
			ReferralInviterBonus: 200,
			ReferralInviteeBonus: 200,
			ReferralDepositRate:  0.10,
		},
		Users: users,
	})
	repo := paymentrepo.Provide(node)
	gateway := &mapGateway{
		events: map[string]*domain.StatusEvent{},
		errs:   map[string]error{},
	}
	engine := paymentservice.NewService(paymentservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		Clock:    fakeClk,
		Repo:     repo,
		Users:    users,
		Referral: referralSvc,
		Gateway:  gateway,
	})

	p, err := poller.New(poller.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: fakeClk,
		Config: config.Config{
			PollIdleInterval: 15 * time.Second,
			PollBusyInterval: 5 * time.Second,
			PollErrorBackoff: 10 * time.Second,
			PollBatchSize:    100,
		},
		Repo:    repo,
		Engine:  engine,
		Gateway: gateway,
	})
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}

	return &fixture{
		db:      db,
		node:    node,
		users:   users,
		repo:    repo,
		gateway: gateway,
		poller:  p,
	}
}

func (f *fixture) seedUser(t *testing.T, telegramID int64) {
	t.Helper()
	if _, _, err := f.users.GetOrCreate(context.Background(), f.db, userdomain.NewUserParams{TelegramID: telegramID}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func (f *fixture) seedIntent(t *testing.T, userID int64, providerID string, tokens int64) int64 {
	t.Helper()
	ctx := context.Background()
	intent := &domain.Intent{
		ID:           f.node.Generate().Int64(),
		UserID:       userID,
		AmountTokens: tokens,
		RubAmount:    tokens * 10,
	}
	if err := f.repo.CreatePending(ctx, f.db, intent); err != nil {
		t.Fatalf("create pending: %v", err)
	}
	if providerID != "" {
		if err := f.repo.AttachProviderID(ctx, f.db, intent.ID, providerID); err != nil {
			t.Fatalf("attach provider id: %v", err)
		}
	}
	return intent.ID
}

func (f *fixture) status(t *testing.T, providerID string) string {
	t.Helper()
	intent, err := f.repo.FindByProviderID(context.Background(), f.db, providerID)
	if err != nil || intent == nil {
		t.Fatalf("find intent %s: %v", providerID, err)
	}
	return intent.Status
}

func (f *fixture) animateBalance(t *testing.T, userID int64) int64 {
	t.Helper()
	user, err := f.users.Get(context.Background(), f.db, userID)
	if err != nil || user == nil {
		t.Fatalf("get user: %v", err)
	}
	return user.AnimateBalanceTokens
}

func providerEvent(providerID, status string) *domain.StatusEvent {
	return &domain.StatusEvent{
		Kind:       domain.EventKindPayment,
		ProviderID: providerID,
		Status:     status,
	}
}

func TestSweepReconcilesOpenIntents(t *testing.T) {
	f := setup(t)
	f.seedUser(t, 1)
	f.seedUser(t, 2)
	f.seedIntent(t, 1, "pay-1", 10)
	f.seedIntent(t, 2, "pay-2", 25)
	f.gateway.events["pay-1"] = providerEvent("pay-1", domain.StatusSucceeded)
	f.gateway.events["pay-2"] = providerEvent("pay-2", domain.StatusSucceeded)

	reconciled, err := f.poller.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if reconciled != 2 {
		t.Fatalf("expected 2 reconciled, got %d", reconciled)
	}
	if got := f.animateBalance(t, 1); got != 10 {
		t.Fatalf("user 1 balance = %d, want 10", got)
	}
	if got := f.animateBalance(t, 2); got != 25 {
		t.Fatalf("user 2 balance = %d, want 25", got)
	}
}

func TestSweepToleratesProviderNotFound(t *testing.T) {
	f := setup(t)
	f.seedUser(t, 1)
	f.seedUser(t, 2)
	f.seedIntent(t, 1, "pay-missing", 10)
	f.seedIntent(t, 2, "pay-ok", 5)
	f.gateway.events["pay-ok"] = providerEvent("pay-ok", domain.StatusSucceeded)

	reconciled, err := f.poller.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if reconciled != 1 {
		t.Fatalf("expected 1 reconciled, got %d", reconciled)
	}
	if got := f.status(t, "pay-missing"); got != domain.StatusPending {
		t.Fatalf("missing intent status = %s, want pending", got)
	}
}

func TestSweepCountsOnlyAppliedEvents(t *testing.T) {
	f := setup(t)
	f.seedUser(t, 1)
	f.seedIntent(t, 1, "pay-ghost", 10)

	reconciled, err := f.poller.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if reconciled != 0 {
		t.Fatalf("expected 0 reconciled for a not-found-only sweep, got %d", reconciled)
	}
}

func TestSweepContinuesPastGatewayErrors(t *testing.T) {
	f := setup(t)
	f.seedUser(t, 1)
	f.seedUser(t, 2)
	f.seedIntent(t, 1, "pay-broken", 10)
	f.seedIntent(t, 2, "pay-fine", 7)
	f.gateway.errs["pay-broken"] = fmt.Errorf("upstream 502")
	f.gateway.events["pay-fine"] = providerEvent("pay-fine", domain.StatusSucceeded)

	reconciled, err := f.poller.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if reconciled != 1 {
		t.Fatalf("expected 1 reconciled, got %d", reconciled)
	}
	if got := f.animateBalance(t, 2); got != 7 {
		t.Fatalf("user 2 balance = %d, want 7", got)
	}
	if got := f.status(t, "pay-broken"); got != domain.StatusPending {
		t.Fatalf("broken intent status = %s, want pending", got)
	}
}

func TestSweepSkipsTerminalAndUnattachedIntents(t *testing.T) {
	f := setup(t)
	f.seedUser(t, 1)
	f.seedUser(t, 2)
	f.seedUser(t, 3)
	f.seedIntent(t, 1, "pay-done", 10)
	f.seedIntent(t, 2, "", 5)
	f.seedIntent(t, 3, "pay-open", 3)
	f.gateway.events["pay-done"] = providerEvent("pay-done", domain.StatusSucceeded)
	f.gateway.events["pay-open"] = providerEvent("pay-open", domain.StatusPending)

	if _, err := f.poller.RunOnce(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if _, err := f.poller.RunOnce(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	if got := f.gateway.fetchCount("pay-done"); got != 1 {
		t.Fatalf("terminal intent fetched %d times, want 1", got)
	}
	if got := f.gateway.fetchCount("pay-open"); got != 2 {
		t.Fatalf("open intent fetched %d times, want 2", got)
	}
	if got := f.animateBalance(t, 1); got != 10 {
		t.Fatalf("user 1 balance = %d, want 10", got)
	}
}

func TestWaitingForCaptureStaysInSweep(t *testing.T) {
	f := setup(t)
	f.seedUser(t, 1)
	f.seedIntent(t, 1, "pay-wfc", 10)
	f.gateway.events["pay-wfc"] = providerEvent("pay-wfc", domain.StatusWaitingForCapture)

	if _, err := f.poller.RunOnce(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if got := f.status(t, "pay-wfc"); got != domain.StatusWaitingForCapture {
		t.Fatalf("status = %s, want waiting_for_capture", got)
	}

	f.gateway.events["pay-wfc"] = providerEvent("pay-wfc", domain.StatusSucceeded)
	reconciled, err := f.poller.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if reconciled != 1 {
		t.Fatalf("expected 1 reconciled, got %d", reconciled)
	}
	if got := f.animateBalance(t, 1); got != 10 {
		t.Fatalf("balance = %d, want 10", got)
	}
}

func TestRunOnceRequiresGateway(t *testing.T) {
	f := setup(t)

	engine := paymentservice.NewService(paymentservice.Params{
		DB:    f.db,
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(time.Now().UTC()),
		Repo:  f.repo,
		Users: f.users,
	})
	p, err := poller.New(poller.Params{
		DB:     f.db,
		Log:    zap.NewNop(),
		Clock:  clock.NewFakeClock(time.Now().UTC()),
		Config: config.Config{PollBatchSize: 10},
		Repo:   f.repo,
		Engine: engine,
	})
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	if _, err := p.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected error when gateway is not configured")
	}

	if _, err := poller.New(poller.Params{}); err == nil {
		t.Fatalf("expected error for empty params")
	}
}
