// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file records processed control-surface update ids so
// webhook redeliveries are recognised and acknowledged without side effects.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-account-warden/internal/domain"
)

// ErrDuplicate indicates that updateID was already recorded and has not
// expired yet.
var ErrDuplicate = errors.New("duplicate")

// MarkUpdateProcessed records updateID for ttl. It returns ErrDuplicate when
// a live record already exists. An expired record is replaced.
func MarkUpdateProcessed(ctx context.Context, db *gorm.DB, updateID int64, ttl time.Duration) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("update_id = ? AND expires_at <= ?", updateID, now).
			Delete(&domain.ProcessedUpdate{}).Error; err != nil {
			return err
		}
		rec := &domain.ProcessedUpdate{
			ID:        uuid.NewString(),
			UpdateID:  updateID,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		if err := tx.Create(rec).Error; err != nil {
			// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
			low := strings.ToLower(err.Error())
			if errors.Is(err, gorm.ErrDuplicatedKey) ||
				strings.Contains(low, "unique constraint failed") ||
				strings.Contains(low, "constraint failed: unique") {
				return ErrDuplicate
			}
			return err
		}
		return nil
	})
}

// PurgeExpiredUpdates deletes records whose TTL elapsed before now and
// returns how many rows were removed.
func PurgeExpiredUpdates(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.ProcessedUpdate{})
	return res.RowsAffected, res.Error
}
