package repository

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lumapix/lumapix/internal/user/domain"
	pkgdb "github.com/lumapix/lumapix/pkg/db"
	"gorm.io/gorm"
)

// internalIDAllocRetries bounds re-reads of MAX(internal_id) when concurrent
// signups grab the same next id.
const internalIDAllocRetries = 3

type repo struct {
	genID *snowflake.Node
}

func Provide(genID *snowflake.Node) domain.Repository {
	return &repo{genID: genID}
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, telegramID int64) (*domain.User, error) {
	var user domain.User
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM users WHERE telegram_id = ? LIMIT 1`,
		telegramID,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.TelegramID == 0 {
		return nil, nil
	}
	return &user, nil
}

func (r *repo) GetByInternalID(ctx context.Context, db *gorm.DB, internalID int64) (*domain.User, error) {
	var user domain.User
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM users WHERE internal_id = ? LIMIT 1`,
		internalID,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.TelegramID == 0 {
		return nil, nil
	}
	return &user, nil
}

func (r *repo) GetOrCreate(ctx context.Context, db *gorm.DB, params domain.NewUserParams) (*domain.User, bool, error) {
	existing, err := r.Get(ctx, db, params.TelegramID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if err := r.refreshProfile(ctx, db, existing, params); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	invitedBy := params.InvitedBy
	if invitedBy != nil && *invitedBy == params.TelegramID {
		invitedBy = nil
	}

	segment := strings.TrimSpace(params.Segment)
	if segment == "" {
		segment = domain.SegmentLead
	}

	var referredID *int64
	if invitedBy != nil {
		inviter, err := r.Get(ctx, db, *invitedBy)
		if err != nil {
			return nil, false, err
		}
		if inviter == nil {
			invitedBy = nil
		} else {
			referredID = &inviter.InternalID
		}
	}

	now := time.Now().UTC()
	user := domain.User{
		TelegramID: params.TelegramID,
		Username:   params.Username,
		FirstName:  params.FirstName,
		LastName:   params.LastName,
		Email:      params.Email,
		InvitedBy:  invitedBy,
		ReferredID: referredID,
		Segment:    segment,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	for attempt := 0; ; attempt++ {
		internalID, err := r.nextInternalID(ctx, db)
		if err != nil {
			return nil, false, err
		}
		user.InternalID = internalID

		err = db.WithContext(ctx).Exec(
			`INSERT INTO users (
				telegram_id, internal_id, username, first_name, last_name, email,
				balance_tokens, animate_balance_tokens, avatar_balance_tokens,
				friends_count, invited_by, referred_id, segment,
				clone_unlimited, free_tier_used, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, 0, ?, ?, ?, ?, ?, ?, ?)`,
			user.TelegramID, user.InternalID, user.Username, user.FirstName,
			user.LastName, user.Email, user.InvitedBy, user.ReferredID,
			user.Segment, false, false, user.CreatedAt, user.UpdatedAt,
		).Error
		if err == nil {
			break
		}
		if pkgdb.IsDuplicateKeyErr(err) {
			// Concurrent first contact for this user loses the insert race;
			// the row is there.
			won, gerr := r.Get(ctx, db, params.TelegramID)
			if gerr != nil {
				return nil, false, gerr
			}
			if won != nil {
				return won, false, nil
			}
			// No row for this telegram id means the collision was on
			// internal_id: another signup took the same MAX+1. Recompute
			// and retry.
			if attempt < internalIDAllocRetries {
				continue
			}
		}
		return nil, false, err
	}

	if err := r.appendSegmentHistory(ctx, db, user.TelegramID, user.Segment); err != nil {
		return nil, false, err
	}
	if err := r.recordSource(ctx, db, user.TelegramID, params.SourceKey, params.SourceValue); err != nil {
		return nil, false, err
	}

	return &user, true, nil
}

func (r *repo) refreshProfile(ctx context.Context, db *gorm.DB, user *domain.User, params domain.NewUserParams) error {
	sets := make([]string, 0, 4)
	args := make([]any, 0, 6)
	apply := func(column, incoming string, current *string) {
		if incoming != "" && incoming != *current {
			sets = append(sets, column+" = ?")
			args = append(args, incoming)
			*current = incoming
		}
	}
	apply("username", params.Username, &user.Username)
	apply("first_name", params.FirstName, &user.FirstName)
	apply("last_name", params.LastName, &user.LastName)
	apply("email", params.Email, &user.Email)
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), user.TelegramID)
	return db.WithContext(ctx).Exec(
		`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE telegram_id = ?`,
		args...,
	).Error
}

func (r *repo) IncBalance(ctx context.Context, db *gorm.DB, telegramID int64, delta int64, bucket string) (int64, error) {
	column, err := bucketColumn(bucket)
	if err != nil {
		return 0, err
	}

	query := `UPDATE users SET ` + column + ` = ` + column + ` + ?, updated_at = ? WHERE telegram_id = ?`
	args := []any{delta, time.Now().UTC(), telegramID}
	if delta < 0 {
		query += ` AND ` + column + ` + ? >= 0`
		args = append(args, delta)
	}

	res := db.WithContext(ctx).Exec(query, args...)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		existing, gerr := r.Get(ctx, db, telegramID)
		if gerr != nil {
			return 0, gerr
		}
		if existing == nil {
			return 0, domain.ErrUserNotFound
		}
		return 0, domain.ErrInsufficientBalance
	}

	var value int64
	err = db.WithContext(ctx).Raw(
		`SELECT `+column+` FROM users WHERE telegram_id = ?`,
		telegramID,
	).Scan(&value).Error
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (r *repo) SetSegment(ctx context.Context, db *gorm.DB, telegramID int64, segment string, allowedFrom []string) (string, error) {
	user, err := r.Get(ctx, db, telegramID)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", domain.ErrUserNotFound
	}

	current := strings.ToLower(strings.TrimSpace(user.Segment))
	target := strings.ToLower(strings.TrimSpace(segment))

	// Guarded transitions never move a banned user.
	if allowedFrom != nil && current == domain.SegmentBan {
		return user.Segment, nil
	}
	if target == current {
		return user.Segment, nil
	}
	if allowedFrom != nil {
		allowed := false
		for _, from := range allowedFrom {
			if strings.ToLower(strings.TrimSpace(from)) == current {
				allowed = true
				break
			}
		}
		if !allowed {
			return user.Segment, nil
		}
	}

	err = db.WithContext(ctx).Exec(
		`UPDATE users SET segment = ?, updated_at = ? WHERE telegram_id = ?`,
		target, time.Now().UTC(), telegramID,
	).Error
	if err != nil {
		return "", err
	}
	if err := r.appendSegmentHistory(ctx, db, telegramID, target); err != nil {
		return "", err
	}
	return target, nil
}

func (r *repo) IncFriendsCount(ctx context.Context, db *gorm.DB, telegramID int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE users SET friends_count = friends_count + 1, updated_at = ? WHERE telegram_id = ?`,
		time.Now().UTC(), telegramID,
	).Error
}

func (r *repo) SetCloneUnlimited(ctx context.Context, db *gorm.DB, telegramID int64, value bool) error {
	return r.setFlag(ctx, db, telegramID, "clone_unlimited", value)
}

func (r *repo) SetFreeTierUsed(ctx context.Context, db *gorm.DB, telegramID int64, value bool) error {
	return r.setFlag(ctx, db, telegramID, "free_tier_used", value)
}

func (r *repo) setFlag(ctx context.Context, db *gorm.DB, telegramID int64, column string, value bool) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE users SET `+column+` = ?, updated_at = ? WHERE telegram_id = ?`,
		value, time.Now().UTC(), telegramID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (r *repo) SetEmail(ctx context.Context, db *gorm.DB, telegramID int64, email string) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE users SET email = ?, updated_at = ? WHERE telegram_id = ?`,
		strings.TrimSpace(email), time.Now().UTC(), telegramID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (r *repo) Snapshot(ctx context.Context, db *gorm.DB, telegramID int64) (*domain.Snapshot, error) {
	user, err := r.Get(ctx, db, telegramID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, domain.ErrUserNotFound
	}

	snap := &domain.Snapshot{
		TelegramID:     user.TelegramID,
		InternalID:     user.InternalID,
		Segment:        user.Segment,
		Email:          user.Email,
		BalanceTokens:  user.BalanceTokens,
		AnimateTokens:  user.AnimateBalanceTokens,
		AvatarTokens:   user.AvatarBalanceTokens,
		TotalTokens:    user.BalanceTokens + user.AnimateBalanceTokens + user.AvatarBalanceTokens,
		FriendsCount:   user.FriendsCount,
		CloneUnlimited: user.CloneUnlimited,
		FreeTierUsed:   user.FreeTierUsed,
		InvitedBy:      user.InvitedBy,
	}

	var invited int64
	err = db.WithContext(ctx).Raw(
		`SELECT COUNT(DISTINCT referred_user_id) FROM referral_bonuses WHERE referrer_user_id = ?`,
		telegramID,
	).Scan(&invited).Error
	if err != nil {
		return nil, err
	}
	if invited > snap.FriendsCount {
		snap.FriendsCount = invited
	}

	err = db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) FROM referral_bonuses WHERE referrer_user_id = ?`,
		telegramID,
	).Scan(&snap.ReferralEarned).Error
	if err != nil {
		return nil, err
	}

	type inviteeRow struct {
		ReferredUserID int64  `gorm:"column:referred_user_id"`
		Username       string `gorm:"column:username"`
		InternalID     int64  `gorm:"column:internal_id"`
	}
	var rows []inviteeRow
	err = db.WithContext(ctx).Raw(
		`SELECT rb.referred_user_id, COALESCE(u.username, '') AS username, COALESCE(u.internal_id, 0) AS internal_id
		 FROM referral_bonuses rb
		 LEFT JOIN users u ON u.telegram_id = rb.referred_user_id
		 WHERE rb.referrer_user_id = ?
		 ORDER BY rb.id DESC
		 LIMIT 3`,
		telegramID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		switch {
		case row.Username != "":
			snap.RecentInvitees = append(snap.RecentInvitees, "@"+row.Username)
		case row.InternalID != 0:
			snap.RecentInvitees = append(snap.RecentInvitees, "ID "+formatID(row.InternalID))
		default:
			snap.RecentInvitees = append(snap.RecentInvitees, formatID(row.ReferredUserID))
		}
	}

	return snap, nil
}

func (r *repo) StartGeneration(ctx context.Context, db *gorm.DB, rec domain.GenerationRecord) (int64, error) {
	id := r.genID.Generate().Int64()
	request := rec.Request
	if len(request) > 4000 {
		request = request[:4000]
	}
	err := db.WithContext(ctx).Exec(
		`INSERT INTO generation_history (id, user_id, model, request, cost, status, generation_type, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.UserID, rec.Model, request, rec.Cost, rec.Status, rec.GenerationType, time.Now().UTC(),
	).Error
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (r *repo) FinishGeneration(ctx context.Context, db *gorm.DB, generationID int64, status string, cost *int64) error {
	if cost != nil {
		return db.WithContext(ctx).Exec(
			`UPDATE generation_history SET status = ?, cost = ? WHERE id = ?`,
			status, *cost, generationID,
		).Error
	}
	return db.WithContext(ctx).Exec(
		`UPDATE generation_history SET status = ? WHERE id = ?`,
		status, generationID,
	).Error
}

func (r *repo) appendSegmentHistory(ctx context.Context, db *gorm.DB, telegramID int64, segment string) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO segment_history (id, user_id, segment, recorded_at) VALUES (?, ?, ?, ?)`,
		r.genID.Generate().Int64(), telegramID, segment, time.Now().UTC(),
	).Error
}

func (r *repo) recordSource(ctx context.Context, db *gorm.DB, telegramID int64, key, value string) error {
	if key == "" && value == "" {
		return nil
	}
	err := db.WithContext(ctx).Exec(
		`INSERT INTO user_sources (id, user_id, source_key, source_value, recorded_at)
		 VALUES (?, ?, ?, ?, ?)`,
		r.genID.Generate().Int64(), telegramID, key, value, time.Now().UTC(),
	).Error
	if err != nil && pkgdb.IsDuplicateKeyErr(err) {
		return nil
	}
	return err
}

func (r *repo) nextInternalID(ctx context.Context, db *gorm.DB) (int64, error) {
	var maxID int64
	err := db.WithContext(ctx).Raw(`SELECT COALESCE(MAX(internal_id), 0) FROM users`).Scan(&maxID).Error
	if err != nil {
		return 0, err
	}
	return maxID + 1, nil
}

func bucketColumn(bucket string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(bucket)) {
	case domain.BucketAnimate:
		return "animate_balance_tokens", nil
	case domain.BucketAvatar:
		return "avatar_balance_tokens", nil
	case domain.BucketLegacy:
		return "balance_tokens", nil
	default:
		return "", domain.ErrUnknownBucket
	}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
