package domain

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Primary intent statuses as reported by the payment provider. Unknown values
// are written through untouched.
const (
	StatusPending           = "pending"
	StatusWaitingForCapture = "waiting_for_capture"
	StatusSucceeded         = "succeeded"
	StatusCanceled          = "canceled"
)

// Event kinds. Refund events never mutate the primary status.
const (
	EventKindPayment = "payment"
	EventKindRefund  = "refund"
)

// Event sources feeding the reconciliation engine.
const (
	SourceWebhook = "webhook"
	SourceCheck   = "check"
	SourcePoller  = "poller"
)

// Well-known metadata keys. Metadata is schemaless; producers attach arbitrary
// keys and the engine tolerates all of them, acting only on the ones below.
const (
	MetaIntentID          = "intent_id"
	MetaUserID            = "user_id"
	MetaProduct           = "product"
	MetaBucket            = "bucket"
	MetaBonusDeadline     = "bonus_if_paid_before"
	MetaBonusTokens       = "bonus_tokens"
	MetaBonusBucket       = "bonus_bucket"
	MetaPendingGeneration = "pending_generation"
	MetaTestFlag          = "_test"
	MetaCancelReason      = "cancellation_reason"
	MetaCancelParty       = "cancellation_party"
	MetaCaptureNotified   = "capture_notified"
)

// ProductClone marks an intent as a flat entitlement grant instead of a token
// purchase.
const ProductClone = "clone"

var (
	ErrIntentNotFound       = errors.New("payment_intent_not_found")
	ErrProviderIDConflict   = errors.New("provider_id_conflict")
	ErrInvalidEvent         = errors.New("invalid_payment_event")
	ErrMissingCustomerEmail = errors.New("missing_customer_email")

	// ErrProviderNotFound is the gateway's 404: routine for stale ids, logged
	// at info level, never an operator alarm.
	ErrProviderNotFound = errors.New("provider_payment_not_found")
)

// Intent is one purchase attempt. The provider id is attached once the
// provider accepts the intent and never changes afterwards.
type Intent struct {
	ID           int64             `gorm:"column:id;primaryKey"`
	UserID       int64             `gorm:"column:user_id"`
	ProviderID   *string           `gorm:"column:provider_id"`
	AmountTokens int64             `gorm:"column:amount_tokens"`
	RubAmount    int64             `gorm:"column:rub_amount"`
	Currency     string            `gorm:"column:currency"`
	Status       string            `gorm:"column:status"`
	Metadata     datatypes.JSONMap `gorm:"column:metadata"`
	CreatedAt    time.Time         `gorm:"column:created_at"`
	UpdatedAt    time.Time         `gorm:"column:updated_at"`
	CompletedAt  *time.Time        `gorm:"column:completed_at"`
}

func (Intent) TableName() string { return "payments" }

// StatusEvent is the normalized payment-status event every source hands to
// the engine.
type StatusEvent struct {
	Kind         string
	Source       string
	ProviderID   string
	Status       string
	RefundStatus string
	RubAmount    int64
	Currency     string
	Metadata     map[string]any
	Test         bool

	CancellationReason string
	CancellationParty  string
}

// Repository is the payment ledger store. setStatus-style methods are dumb
// writers; all transition decisions live in the engine.
type Repository interface {
	CreatePending(ctx context.Context, tx *gorm.DB, intent *Intent) error

	// AttachProviderID is one-time. A second call with a different provider id
	// fails with ErrProviderIDConflict.
	AttachProviderID(ctx context.Context, tx *gorm.DB, intentID int64, providerID string) error

	FindByID(ctx context.Context, tx *gorm.DB, intentID int64) (*Intent, error)
	FindByProviderID(ctx context.Context, tx *gorm.DB, providerID string) (*Intent, error)

	// FindByProviderIDForUpdate locks the row for the span of the caller's
	// transaction on dialects that support row locks.
	FindByProviderIDForUpdate(ctx context.Context, tx *gorm.DB, providerID string) (*Intent, error)
	FindByIDForUpdate(ctx context.Context, tx *gorm.DB, intentID int64) (*Intent, error)

	// SetStatus shallow-merges patch into metadata (patch wins), overwrites
	// status, maintains completed_at, and appends a status-history row.
	SetStatus(ctx context.Context, tx *gorm.DB, providerID string, status string, patch map[string]any) error

	// ListOpen returns intents in the given statuses, oldest-updated first.
	ListOpen(ctx context.Context, db *gorm.DB, statuses []string, limit int) ([]Intent, error)
}

// CreateIntentRequest is the gateway's create call. Email is mandatory: the
// provider requires a receipt recipient.
type CreateIntentRequest struct {
	RubAmount   int64
	Currency    string
	Description string
	ReturnURL   string
	Email       string
	Metadata    map[string]any
}

// CreatedIntent is the provider's answer to a create call.
type CreatedIntent struct {
	ProviderID      string
	ConfirmationURL string
	Status          string
}

// Gateway is the payment provider boundary.
type Gateway interface {
	CreatePayment(ctx context.Context, idempotenceKey string, req CreateIntentRequest) (*CreatedIntent, error)
	FetchPayment(ctx context.Context, providerID string) (*StatusEvent, error)
}

// SucceededNote describes a successful payment for the chat surface.
type SucceededNote struct {
	Tokens            int64
	BonusTokens       int64
	Bucket            string
	CloneUnlimited    bool
	PendingGeneration bool
}

// Notifier delivers chat notifications. Delivery is fire-and-forget relative
// to reconciliation: failures are logged by the engine and never propagate.
type Notifier interface {
	PaymentSucceeded(ctx context.Context, userID int64, note SucceededNote) error
	PaymentCanceled(ctx context.Context, userID int64, reason string) error
	PaymentWaiting(ctx context.Context, userID int64) error
	RefundSucceeded(ctx context.Context, userID int64, rubAmount int64) error
	ReferralBonus(ctx context.Context, inviterID int64, amount, newBalance int64) error
}

// Outcome codes for the on-demand status check.
const (
	CheckOutcomeSucceeded = "succeeded"
	CheckOutcomeCanceled  = "canceled"
	CheckOutcomeWaiting   = "waiting"
	CheckOutcomePending   = "pending"
	CheckOutcomeNotFound  = "not_found"
	CheckOutcomeRetry     = "retry_later"
)

// CheckResult is what the chat surface renders after an on-demand check.
type CheckResult struct {
	Outcome  string
	Status   string
	Code     string
	Snapshot *UserSnapshot
}

// UserSnapshot is the engine's read-back for the chat surface.
type UserSnapshot struct {
	TelegramID    int64
	Segment       string
	AnimateTokens int64
	AvatarTokens  int64
	TotalTokens   int64
}

// Service is the reconciliation engine.
type Service interface {
	Apply(ctx context.Context, ev *StatusEvent) error
	CheckPayment(ctx context.Context, providerID string) (*CheckResult, error)
}

// MetaString reads a metadata value as a string, tolerating numeric JSON.
func MetaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	switch v := meta[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// MetaInt64 reads a metadata value as an int64, tolerating string JSON.
func MetaInt64(meta map[string]any, key string) int64 {
	if meta == nil {
		return 0
	}
	switch v := meta[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// MetaBool reads a metadata flag, tolerating string JSON.
func MetaBool(meta map[string]any, key string) bool {
	if meta == nil {
		return false
	}
	switch v := meta[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		return err == nil && b
	case float64:
		return v != 0
	default:
		return false
	}
}

// MetaTime reads a metadata timestamp, accepting RFC 3339 or unix seconds.
func MetaTime(meta map[string]any, key string) (time.Time, bool) {
	if meta == nil {
		return time.Time{}, false
	}
	switch v := meta[key].(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts, true
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return time.Unix(n, 0).UTC(), true
		}
	case float64:
		if v > 0 {
			return time.Unix(int64(v), 0).UTC(), true
		}
	}
	return time.Time{}, false
}
