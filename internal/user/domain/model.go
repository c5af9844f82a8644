package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Segment labels a user's lifecycle stage. Transitions are guarded: a banned
// user never leaves ban through the normal path, and advancing requires the
// current segment to be in the caller's allowed-from set.
const (
	SegmentLead   = "lead"
	SegmentQual   = "qual"
	SegmentClient = "client"
	SegmentBan    = "ban"
)

// Balance buckets, one per product line. The empty bucket is the legacy
// catch-all counter.
const (
	BucketAnimate = "animate"
	BucketAvatar  = "avatar"
	BucketLegacy  = ""
)

var (
	ErrUserNotFound        = errors.New("user_not_found")
	ErrUnknownBucket       = errors.New("unknown_balance_bucket")
	ErrInsufficientBalance = errors.New("insufficient_balance")
)

// User is the bot user aggregate, keyed by the chat platform id.
type User struct {
	TelegramID int64  `gorm:"column:telegram_id;primaryKey"`
	InternalID int64  `gorm:"column:internal_id"`
	Username   string `gorm:"column:username"`
	FirstName  string `gorm:"column:first_name"`
	LastName   string `gorm:"column:last_name"`
	Email      string `gorm:"column:email"`

	BalanceTokens        int64 `gorm:"column:balance_tokens"`
	AnimateBalanceTokens int64 `gorm:"column:animate_balance_tokens"`
	AvatarBalanceTokens  int64 `gorm:"column:avatar_balance_tokens"`
	FriendsCount         int64 `gorm:"column:friends_count"`

	InvitedBy  *int64 `gorm:"column:invited_by"`
	ReferredID *int64 `gorm:"column:referred_id"`
	Segment    string `gorm:"column:segment"`

	CloneUnlimited bool `gorm:"column:clone_unlimited"`
	FreeTierUsed   bool `gorm:"column:free_tier_used"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (User) TableName() string { return "users" }

// NewUserParams carries first-contact attributes. InvitedBy is honored only on
// the insert that actually creates the row; an existing user's inviter never
// changes.
type NewUserParams struct {
	TelegramID  int64
	Username    string
	FirstName   string
	LastName    string
	Email       string
	InvitedBy   *int64
	Segment     string
	SourceKey   string
	SourceValue string
}

// Snapshot is the compact projection the chat surface renders from.
type Snapshot struct {
	TelegramID     int64
	InternalID     int64
	Segment        string
	Email          string
	BalanceTokens  int64
	AnimateTokens  int64
	AvatarTokens   int64
	TotalTokens    int64
	FriendsCount   int64
	ReferralEarned int64
	RecentInvitees []string
	CloneUnlimited bool
	FreeTierUsed   bool
	InvitedBy      *int64
}

// GenerationRecord mirrors one generation_history row.
type GenerationRecord struct {
	ID             int64
	UserID         int64
	Model          string
	Request        string
	Cost           int64
	Status         string
	GenerationType string
}

// Repository is the user storage contract. Methods take the DB handle so
// callers can run them inside their own transactions.
type Repository interface {
	Get(ctx context.Context, db *gorm.DB, telegramID int64) (*User, error)
	GetByInternalID(ctx context.Context, db *gorm.DB, internalID int64) (*User, error)

	// GetOrCreate returns the user, creating it on first contact. The bool
	// reports whether the row was created by this call.
	GetOrCreate(ctx context.Context, db *gorm.DB, params NewUserParams) (*User, bool, error)

	// IncBalance atomically adds delta to the bucket and returns the new
	// value. Negative deltas fail with ErrInsufficientBalance instead of
	// driving the bucket below zero.
	IncBalance(ctx context.Context, db *gorm.DB, telegramID int64, delta int64, bucket string) (int64, error)

	// SetSegment applies a guarded segment change and returns the segment in
	// effect afterwards. A nil allowedFrom set skips the guard (administrative
	// path); a banned user is never moved by the guarded path.
	SetSegment(ctx context.Context, db *gorm.DB, telegramID int64, segment string, allowedFrom []string) (string, error)

	IncFriendsCount(ctx context.Context, db *gorm.DB, telegramID int64) error
	SetCloneUnlimited(ctx context.Context, db *gorm.DB, telegramID int64, value bool) error
	SetFreeTierUsed(ctx context.Context, db *gorm.DB, telegramID int64, value bool) error
	SetEmail(ctx context.Context, db *gorm.DB, telegramID int64, email string) error

	Snapshot(ctx context.Context, db *gorm.DB, telegramID int64) (*Snapshot, error)

	StartGeneration(ctx context.Context, db *gorm.DB, rec GenerationRecord) (int64, error)
	FinishGeneration(ctx context.Context, db *gorm.DB, generationID int64, status string, cost *int64) error
}
