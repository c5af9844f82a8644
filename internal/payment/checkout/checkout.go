package checkout

import (
	"context"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/lumapix/lumapix/internal/clock"
	"github.com/lumapix/lumapix/internal/config"
	"github.com/lumapix/lumapix/internal/payment/domain"
	referraldomain "github.com/lumapix/lumapix/internal/referral/domain"
	userdomain "github.com/lumapix/lumapix/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Request describes one invoice to create. Tokens and RubAmount are both
// recorded; the engine falls back to the ruble amount when tokens is zero.
type Request struct {
	UserID    int64
	Username  string
	FirstName string
	LastName  string
	InvitedBy *int64
	Email     string

	Tokens      int64
	RubAmount   int64
	Description string
	Product     string
	Bucket      string

	PendingGeneration bool
	TimeBoxedBonus    bool
}

// Result carries what the chat surface needs to send the user off to pay.
type Result struct {
	IntentID        int64
	ProviderID      string
	ConfirmationURL string
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Cfg      config.Config
	Repo     domain.Repository
	Users    userdomain.Repository
	Referral referraldomain.Service
	Gateway  domain.Gateway
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	cfg      config.Config
	repo     domain.Repository
	users    userdomain.Repository
	referral referraldomain.Service
	gateway  domain.Gateway
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("payment.checkout"),
		genID:    p.GenID,
		clock:    p.Clock,
		cfg:      p.Cfg,
		repo:     p.Repo,
		users:    p.Users,
		referral: p.Referral,
		gateway:  p.Gateway,
	}
}

// CreateInvoice ensures the user exists, records a pending intent, asks the
// provider for a confirmation URL and attaches the provider id. The intent id
// rides along in provider metadata so a webhook that beats the attach can
// still be attributed.
func (s *Service) CreateInvoice(ctx context.Context, req Request) (*Result, error) {
	user, created, err := s.users.GetOrCreate(ctx, s.db, userdomain.NewUserParams{
		TelegramID: req.UserID,
		Username:   req.Username,
		FirstName:  req.FirstName,
		LastName:   req.LastName,
		Email:      req.Email,
		InvitedBy:  req.InvitedBy,
	})
	if err != nil {
		return nil, err
	}
	if created && user.InvitedBy != nil {
		if _, err := s.referral.CreditSignupBonuses(ctx, s.db, *user.InvitedBy, user.TelegramID); err != nil {
			s.log.Error("signup bonus credit failed",
				zap.Int64("inviter_id", *user.InvitedBy),
				zap.Int64("invitee_id", user.TelegramID),
				zap.Error(err))
		}
	}

	email := req.Email
	if email == "" {
		email = user.Email
	}
	if email == "" {
		return nil, domain.ErrMissingCustomerEmail
	}

	intentID := s.genID.Generate().Int64()
	meta := map[string]any{
		domain.MetaIntentID: strconv.FormatInt(intentID, 10),
		domain.MetaUserID:   strconv.FormatInt(user.TelegramID, 10),
	}
	if req.Product != "" {
		meta[domain.MetaProduct] = req.Product
	}
	bucket := req.Bucket
	if bucket == "" {
		bucket = userdomain.BucketAnimate
	}
	meta[domain.MetaBucket] = bucket
	if req.PendingGeneration {
		meta[domain.MetaPendingGeneration] = true
	}
	if req.TimeBoxedBonus && s.cfg.TopUpBonusTokens > 0 {
		deadline := s.clock.Now().Add(s.cfg.TopUpBonusWindow)
		meta[domain.MetaBonusDeadline] = deadline.UTC().Format(time.RFC3339)
		meta[domain.MetaBonusTokens] = strconv.FormatInt(s.cfg.TopUpBonusTokens, 10)
		meta[domain.MetaBonusBucket] = bucket
	}

	intent := &domain.Intent{
		ID:           intentID,
		UserID:       user.TelegramID,
		AmountTokens: req.Tokens,
		RubAmount:    req.RubAmount,
		Currency:     "RUB",
		Metadata:     datatypes.JSONMap(meta),
	}
	if err := s.repo.CreatePending(ctx, s.db, intent); err != nil {
		return nil, err
	}

	createdIntent, err := s.gateway.CreatePayment(ctx, uuid.NewString(), domain.CreateIntentRequest{
		RubAmount:   req.RubAmount,
		Currency:    "RUB",
		Description: req.Description,
		ReturnURL:   s.returnURL(),
		Email:       email,
		Metadata:    meta,
	})
	if err != nil {
		return nil, err
	}

	if err := s.repo.AttachProviderID(ctx, s.db, intentID, createdIntent.ProviderID); err != nil {
		// A racing webhook may have attached it already; same id is fine.
		s.log.Warn("provider id attach after create failed",
			zap.Int64("intent_id", intentID),
			zap.String("provider_id", createdIntent.ProviderID),
			zap.Error(err))
	}

	s.log.Info("invoice created",
		zap.Int64("intent_id", intentID),
		zap.Int64("user_id", user.TelegramID),
		zap.String("provider_id", createdIntent.ProviderID),
		zap.Int64("rub_amount", req.RubAmount),
		zap.Int64("tokens", req.Tokens),
	)
	return &Result{
		IntentID:        intentID,
		ProviderID:      createdIntent.ProviderID,
		ConfirmationURL: createdIntent.ConfirmationURL,
	}, nil
}

func (s *Service) returnURL() string {
	if s.cfg.BotUsername != "" {
		return "https://t.me/" + s.cfg.BotUsername
	}
	return s.cfg.BaseURL
}
