// Package domain defines the persistence models and value types shared by the
// session lifecycle, the policy engine and the control surface. The GORM
// models in this file back the ConfigStore and the action journal.
package domain

import "time"

// AccountConfig is the durable per-account record kept by the ConfigStore.
//
// Fields:
//   - AccountID: opaque identity of the control user that owns the secondary account.
//   - HasSession: true once authentication succeeded and a durable credential was persisted.
//   - Policy: active automation policy ("A" or "B").
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type AccountConfig struct {
	AccountID  string    `json:"account_id"  gorm:"type:varchar(64);primaryKey"`
	HasSession bool      `json:"has_session" gorm:"not null;default:false;index"`
	Policy     string    `json:"policy"      gorm:"type:varchar(8);not null;default:'A'"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the database table name for AccountConfig.
func (AccountConfig) TableName() string { return "account_configs" }

// Record converts the stored row into a SessionRecord. A policy value that
// does not parse is reported as an error so callers can apply the
// "malformed means no record" rule.
func (c AccountConfig) Record() (SessionRecord, error) {
	p, err := ParsePolicy(c.Policy)
	if err != nil {
		return DefaultRecord(), err
	}
	return SessionRecord{HasSession: c.HasSession, Policy: p}, nil
}

// ActionLog is one journal entry describing the outcome of a single policy
// action executed against a secondary account.
type ActionLog struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	AccountID string    `json:"account_id" gorm:"type:varchar(64);not null;index:idx_account_actions,priority:1"`
	Action    string    `json:"action"     gorm:"type:varchar(32);not null"`
	Outcome   string    `json:"outcome"    gorm:"type:varchar(16);not null;check:outcome IN ('applied','skipped','failed')"`
	Peer      string    `json:"peer"       gorm:"type:varchar(255);not null;default:''"`
	Reason    string    `json:"reason,omitempty" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_account_actions,priority:2"`
}

// TableName returns the database table name for ActionLog.
func (ActionLog) TableName() string { return "action_logs" }

// ProcessedUpdate remembers a control-surface update id for a bounded time so
// redelivered webhook calls are acknowledged without being handled twice.
type ProcessedUpdate struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	UpdateID  int64     `gorm:"type:INTEGER NOT NULL;uniqueIndex:ux_update_id"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (ProcessedUpdate) TableName() string { return "processed_updates" }
