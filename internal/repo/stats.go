// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used for
// conditional responses (ETag generation) in the operator API.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-account-warden/internal/domain"
)

// ActionLogsStats returns the number of journal rows for accountID and the
// newest CreatedAt among them. With no rows, count is 0 and latest is nil.
func ActionLogsStats(ctx context.Context, db *gorm.DB, accountID string) (count int64, latest *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.ActionLog{}).Where("account_id = ?", accountID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest created_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		CreatedAt time.Time
	}
	if err = q.Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.CreatedAt, nil
}
