// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// AccountConfig model, the storage behind the ConfigStore.
//
// Functions follow the "thin repository" approach: no business rules, only
// persistence. Serialization of read-modify-write cycles per account is the
// caller's job (see services.AccountStore); within one call the write is a
// single UPSERT so both columns land together.
//
// Error semantics:
//   - A missing account returns ErrNotFound (gorm.ErrRecordNotFound).
//   - Other DB errors are propagated unchanged.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-account-warden/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// GetAccountConfig fetches the record for accountID or ErrNotFound.
func GetAccountConfig(ctx context.Context, db *gorm.DB, accountID string) (*domain.AccountConfig, error) {
	var c domain.AccountConfig
	err := db.WithContext(ctx).
		Where("account_id = ?", accountID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertAccountConfig inserts the record or overwrites both durable columns
// of an existing one.
func UpsertAccountConfig(ctx context.Context, db *gorm.DB, c *domain.AccountConfig) error {
	if c.AccountID == "" {
		return errors.New("account id is empty")
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"has_session", "policy", "updated_at"}),
		}).
		Create(c).Error
}

// ListAuthenticatedAccounts returns every account whose HasSession flag is
// set, ordered by account id.
func ListAuthenticatedAccounts(ctx context.Context, db *gorm.DB) ([]domain.AccountConfig, error) {
	var out []domain.AccountConfig
	err := db.WithContext(ctx).
		Where("has_session = ?", true).
		Order("account_id asc").
		Find(&out).Error
	return out, err
}
