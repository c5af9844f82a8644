package generation_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lumapix/lumapix/internal/generation"
	"github.com/lumapix/lumapix/internal/providers/kling"
	userdomain "github.com/lumapix/lumapix/internal/user/domain"
	userrepo "github.com/lumapix/lumapix/internal/user/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeVideoGateway struct {
	createErr   error
	pollErr     error
	downloadErr error
	video       []byte
}

func (g *fakeVideoGateway) CreateVideo(context.Context, string, string, int) (*kling.Generation, error) {
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &kling.Generation{ID: "gen-1", State: "submitted"}, nil
}

func (g *fakeVideoGateway) PollUntilReady(context.Context, string) (*kling.Generation, error) {
	if g.pollErr != nil {
		return nil, g.pollErr
	}
	return &kling.Generation{ID: "gen-1", State: "succeed", VideoURL: "https://cdn.example/v.mp4"}, nil
}

func (g *fakeVideoGateway) Download(context.Context, string) ([]byte, error) {
	if g.downloadErr != nil {
		return nil, g.downloadErr
	}
	return g.video, nil
}

func setupDB(t *testing.T) (*gorm.DB, userdomain.Repository) {
	t.Helper()
	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
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
		`CREATE TABLE generation_history (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			model TEXT NOT NULL,
			request TEXT NOT NULL,
			cost BIGINT NOT NULL,
			status TEXT NOT NULL,
			generation_type TEXT NOT NULL,
			recorded_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range schema {
		require.NoError(t, db.Exec(stmt).Error)
	}
	node, err := snowflake.NewNode(15)
	require.NoError(t, err)
	return db, userrepo.Provide(node)
}

func seedUserWithTokens(t *testing.T, db *gorm.DB, users userdomain.Repository, tokens int64) {
	t.Helper()
	ctx := context.Background()
	_, _, err := users.GetOrCreate(ctx, db, userdomain.NewUserParams{TelegramID: 1})
	require.NoError(t, err)
	if tokens > 0 {
		_, err = users.IncBalance(ctx, db, 1, tokens, userdomain.BucketAnimate)
		require.NoError(t, err)
	}
}

func TestAnimatePhotoChargesAndDelivers(t *testing.T) {
	ctx := context.Background()
	db, users := setupDB(t)
	seedUserWithTokens(t, db, users, 5)

	gateway := &fakeVideoGateway{video: []byte("mp4 bytes")}
	svc := generation.NewService(generation.Params{DB: db, Log: zap.NewNop(), Users: users, Gateway: gateway})

	res, err := svc.AnimatePhoto(ctx, generation.Request{UserID: 1, Prompt: "dancing cat", ImageURL: "https://img/1.jpg", DurationSeconds: 5})
	require.NoError(t, err)
	require.Equal(t, []byte("mp4 bytes"), res.Video)
	require.Equal(t, int64(4), res.NewBalance)

	var row struct {
		Status string `gorm:"column:status"`
		Cost   int64  `gorm:"column:cost"`
	}
	require.NoError(t, db.Raw(`SELECT status, cost FROM generation_history`).Scan(&row).Error)
	require.Equal(t, "completed", row.Status)
	require.Equal(t, int64(1), row.Cost)
}

func TestAnimatePhotoRefundsOnProviderFailure(t *testing.T) {
	ctx := context.Background()
	db, users := setupDB(t)
	seedUserWithTokens(t, db, users, 2)

	gateway := &fakeVideoGateway{pollErr: &kling.ProviderError{Message: "nsfw content"}}
	svc := generation.NewService(generation.Params{DB: db, Log: zap.NewNop(), Users: users, Gateway: gateway})

	_, err := svc.AnimatePhoto(ctx, generation.Request{UserID: 1, Prompt: "p", ImageURL: "u"})
	require.Error(t, err)

	user, err := users.Get(ctx, db, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), user.AnimateBalanceTokens)

	var row struct {
		Status string `gorm:"column:status"`
		Cost   int64  `gorm:"column:cost"`
	}
	require.NoError(t, db.Raw(`SELECT status, cost FROM generation_history`).Scan(&row).Error)
	require.Equal(t, "failed", row.Status)
	require.Equal(t, int64(0), row.Cost)
}

func TestAnimatePhotoRejectsEmptyBalance(t *testing.T) {
	ctx := context.Background()
	db, users := setupDB(t)
	seedUserWithTokens(t, db, users, 0)

	gateway := &fakeVideoGateway{}
	svc := generation.NewService(generation.Params{DB: db, Log: zap.NewNop(), Users: users, Gateway: gateway})

	_, err := svc.AnimatePhoto(ctx, generation.Request{UserID: 1, Prompt: "p", ImageURL: "u"})
	require.True(t, errors.Is(err, userdomain.ErrInsufficientBalance))
}
