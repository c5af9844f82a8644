package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lumapix/lumapix/internal/payment/domain"
	pkgdb "github.com/lumapix/lumapix/pkg/db"
	"gorm.io/gorm"
)

type repo struct {
	genID *snowflake.Node
}

func Provide(genID *snowflake.Node) domain.Repository {
	return &repo{genID: genID}
}

func (r *repo) CreatePending(ctx context.Context, tx *gorm.DB, intent *domain.Intent) error {
	now := time.Now().UTC()
	if intent.ID == 0 {
		intent.ID = r.genID.Generate().Int64()
	}
	if intent.Status == "" {
		intent.Status = domain.StatusPending
	}
	if intent.Currency == "" {
		intent.Currency = "RUB"
	}
	intent.CreatedAt = now
	intent.UpdatedAt = now

	raw, err := json.Marshal(intent.Metadata)
	if err != nil {
		return err
	}

	err = tx.WithContext(ctx).Exec(
		`INSERT INTO payments
			(id, user_id, provider_id, amount_tokens, rub_amount, currency, status, metadata, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		intent.ID, intent.UserID, intent.ProviderID, intent.AmountTokens,
		intent.RubAmount, intent.Currency, intent.Status, string(raw),
		intent.CreatedAt, intent.UpdatedAt,
	).Error
	if err != nil {
		return err
	}
	return r.appendHistory(ctx, tx, intent.ID, intent.Status)
}

func (r *repo) AttachProviderID(ctx context.Context, tx *gorm.DB, intentID int64, providerID string) error {
	intent, err := r.FindByID(ctx, tx, intentID)
	if err != nil {
		return err
	}
	if intent == nil {
		return domain.ErrIntentNotFound
	}
	if intent.ProviderID != nil {
		if *intent.ProviderID == providerID {
			return nil
		}
		return domain.ErrProviderIDConflict
	}

	res := tx.WithContext(ctx).Exec(
		`UPDATE payments SET provider_id = ?, updated_at = ?
		 WHERE id = ? AND (provider_id IS NULL OR provider_id = ?)`,
		providerID, time.Now().UTC(), intentID, providerID,
	)
	if res.Error != nil {
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return domain.ErrProviderIDConflict
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrProviderIDConflict
	}
	return nil
}

func (r *repo) FindByID(ctx context.Context, tx *gorm.DB, intentID int64) (*domain.Intent, error) {
	return r.findOne(ctx, tx, `SELECT * FROM payments WHERE id = ? LIMIT 1`, intentID)
}

func (r *repo) FindByProviderID(ctx context.Context, tx *gorm.DB, providerID string) (*domain.Intent, error) {
	return r.findOne(ctx, tx, `SELECT * FROM payments WHERE provider_id = ? LIMIT 1`, providerID)
}

func (r *repo) FindByProviderIDForUpdate(ctx context.Context, tx *gorm.DB, providerID string) (*domain.Intent, error) {
	return r.findOne(ctx, tx,
		`SELECT * FROM payments WHERE provider_id = ? LIMIT 1`+pkgdb.RowLockClause(tx),
		providerID,
	)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, intentID int64) (*domain.Intent, error) {
	return r.findOne(ctx, tx,
		`SELECT * FROM payments WHERE id = ? LIMIT 1`+pkgdb.RowLockClause(tx),
		intentID,
	)
}

func (r *repo) findOne(ctx context.Context, tx *gorm.DB, query string, arg any) (*domain.Intent, error) {
	var intent domain.Intent
	err := tx.WithContext(ctx).Raw(query, arg).Scan(&intent).Error
	if err != nil {
		return nil, err
	}
	if intent.ID == 0 {
		return nil, nil
	}
	return &intent, nil
}

// SetStatus is a dumb writer: it merges the patch over existing metadata,
// overwrites the status, and maintains completed_at. Transition decisions are
// the engine's business; callers read the prior status first.
func (r *repo) SetStatus(ctx context.Context, tx *gorm.DB, providerID string, status string, patch map[string]any) error {
	intent, err := r.FindByProviderID(ctx, tx, providerID)
	if err != nil {
		return err
	}
	if intent == nil {
		return domain.ErrIntentNotFound
	}

	merged := make(map[string]any, len(intent.Metadata)+len(patch))
	for k, v := range intent.Metadata {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var completedAt *time.Time
	switch {
	case status == domain.StatusSucceeded && intent.Status != domain.StatusSucceeded:
		completedAt = &now
	case status == domain.StatusSucceeded:
		completedAt = intent.CompletedAt
	default:
		completedAt = nil
	}

	err = tx.WithContext(ctx).Exec(
		`UPDATE payments SET status = ?, metadata = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		status, string(raw), now, completedAt, intent.ID,
	).Error
	if err != nil {
		return err
	}
	return r.appendHistory(ctx, tx, intent.ID, status)
}

func (r *repo) ListOpen(ctx context.Context, db *gorm.DB, statuses []string, limit int) ([]domain.Intent, error) {
	if len(statuses) == 0 || limit <= 0 {
		return nil, nil
	}
	var intents []domain.Intent
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM payments WHERE status IN ? ORDER BY updated_at ASC LIMIT ?`,
		statuses, limit,
	).Scan(&intents).Error
	if err != nil {
		return nil, err
	}
	return intents, nil
}

func (r *repo) appendHistory(ctx context.Context, tx *gorm.DB, intentID int64, status string) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO payment_status_history (id, payment_id, status, recorded_at) VALUES (?, ?, ?, ?)`,
		r.genID.Generate().Int64(), intentID, status, time.Now().UTC(),
	).Error
}
