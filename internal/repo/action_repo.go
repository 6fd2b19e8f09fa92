// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the append-only action journal.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-account-warden/internal/domain"
)

// CreateActionLog appends one action outcome for accountID.
func CreateActionLog(ctx context.Context, db *gorm.DB, accountID string, peer domain.PeerRef, res domain.ActionResult) (*domain.ActionLog, error) {
	l := &domain.ActionLog{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Action:    string(res.Action.Kind),
		Outcome:   string(res.Outcome),
		Peer:      peer.String(),
		Reason:    res.Reason,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(l).Error; err != nil {
		return nil, err
	}
	return l, nil
}

// CountActionLogs returns the number of journal entries for accountID.
func CountActionLogs(ctx context.Context, db *gorm.DB, accountID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.ActionLog{}).
		Where("account_id = ?", accountID).
		Count(&total).Error
	return total, err
}

// ListActionLogsPage returns journal entries newest first (CreatedAt DESC, ID DESC).
func ListActionLogsPage(ctx context.Context, db *gorm.DB, accountID string, offset, limit int) ([]domain.ActionLog, error) {
	var out []domain.ActionLog
	err := db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at desc, id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
