package generation

import (
	"context"
	"errors"

	obsmetrics "github.com/lumapix/lumapix/internal/observability/metrics"
	"github.com/lumapix/lumapix/internal/providers/kling"
	userdomain "github.com/lumapix/lumapix/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	modelName      = "kling-v1"
	generationType = "animate"
	tokenCost      = 1
)

// VideoGateway is the slice of the provider client the flow needs.
type VideoGateway interface {
	CreateVideo(ctx context.Context, prompt, imageURL string, durationSeconds int) (*kling.Generation, error)
	PollUntilReady(ctx context.Context, generationID string) (*kling.Generation, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// Request is one animate-photo run.
type Request struct {
	UserID          int64
	Prompt          string
	ImageURL        string
	DurationSeconds int
}

// Result is the finished video plus what remains on the balance.
type Result struct {
	GenerationID string
	VideoURL     string
	Video        []byte
	NewBalance   int64
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Users      userdomain.Repository
	Gateway    VideoGateway
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	users      userdomain.Repository
	gateway    VideoGateway
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("generation"),
		users:      p.Users,
		gateway:    p.Gateway,
		obsMetrics: p.ObsMetrics,
	}
}

// AnimatePhoto charges one token up front, runs the provider round-trip and
// downloads the result. On provider failure the token is refunded
// best-effort and the history row closed as failed.
func (s *Service) AnimatePhoto(ctx context.Context, req Request) (*Result, error) {
	if s.gateway == nil {
		return nil, errors.New("video gateway not configured")
	}
	newBalance, err := s.users.IncBalance(ctx, s.db, req.UserID, -tokenCost, userdomain.BucketAnimate)
	if err != nil {
		return nil, err
	}

	historyID, err := s.users.StartGeneration(ctx, s.db, userdomain.GenerationRecord{
		UserID:         req.UserID,
		Model:          modelName,
		Request:        req.Prompt,
		Cost:           tokenCost,
		Status:         "processing",
		GenerationType: generationType,
	})
	if err != nil {
		s.log.Warn("generation history insert failed", zap.Int64("user_id", req.UserID), zap.Error(err))
	}

	result, err := s.run(ctx, req)
	if err != nil {
		s.refund(ctx, req.UserID)
		s.finishHistory(ctx, historyID, "failed", 0)
		s.obsMetrics.RecordGeneration("failed")
		return nil, err
	}

	s.finishHistory(ctx, historyID, "completed", tokenCost)
	s.obsMetrics.RecordGeneration("success")
	result.NewBalance = newBalance
	return result, nil
}

func (s *Service) run(ctx context.Context, req Request) (*Result, error) {
	gen, err := s.gateway.CreateVideo(ctx, req.Prompt, req.ImageURL, req.DurationSeconds)
	if err != nil {
		return nil, err
	}
	ready, err := s.gateway.PollUntilReady(ctx, gen.ID)
	if err != nil {
		return nil, err
	}
	video, err := s.gateway.Download(ctx, ready.VideoURL)
	if err != nil {
		return nil, err
	}
	return &Result{GenerationID: gen.ID, VideoURL: ready.VideoURL, Video: video}, nil
}

func (s *Service) refund(ctx context.Context, userID int64) {
	if _, err := s.users.IncBalance(ctx, s.db, userID, tokenCost, userdomain.BucketAnimate); err != nil {
		s.log.Error("token refund after failed generation failed",
			zap.Int64("user_id", userID), zap.Error(err))
	}
}

func (s *Service) finishHistory(ctx context.Context, historyID int64, status string, cost int64) {
	if historyID == 0 {
		return
	}
	if err := s.users.FinishGeneration(ctx, s.db, historyID, status, &cost); err != nil {
		s.log.Warn("generation history update failed",
			zap.Int64("generation_id", historyID), zap.Error(err))
	}
}

func provideGateway(client *kling.Client) VideoGateway {
	if client == nil {
		return nil
	}
	return client
}

var Module = fx.Module("generation",
	fx.Provide(provideGateway),
	fx.Provide(NewService),
)
