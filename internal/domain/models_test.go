package domain

import (
	"errors"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:domain_models?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestTableNames(t *testing.T) {
	if (AccountConfig{}).TableName() != "account_configs" {
		t.Fatalf("AccountConfig.TableName() = %q", (AccountConfig{}).TableName())
	}
	if (ActionLog{}).TableName() != "action_logs" {
		t.Fatalf("ActionLog.TableName() = %q", (ActionLog{}).TableName())
	}
	if (ProcessedUpdate{}).TableName() != "processed_updates" {
		t.Fatalf("ProcessedUpdate.TableName() = %q", (ProcessedUpdate{}).TableName())
	}
}

func TestMigrations_Indexes_AndConstraints(t *testing.T) {
	db := newDomainDB(t)

	if err := db.AutoMigrate(&AccountConfig{}, &ActionLog{}, &ProcessedUpdate{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()

	for _, tbl := range []any{&AccountConfig{}, &ActionLog{}, &ProcessedUpdate{}} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}
	if !m.HasIndex(&ActionLog{}, "idx_account_actions") {
		t.Fatalf("expected index idx_account_actions on action_logs")
	}
	if !m.HasIndex(&ProcessedUpdate{}, "ux_update_id") {
		t.Fatalf("expected unique index ux_update_id on processed_updates")
	}

	// Defaults apply when only the key is given.
	if err := db.Create(&AccountConfig{AccountID: "42"}).Error; err != nil {
		t.Fatalf("insert account config: %v", err)
	}
	var got AccountConfig
	if err := db.First(&got, "account_id = ?", "42").Error; err != nil {
		t.Fatalf("load account config: %v", err)
	}
	if got.HasSession || got.Policy != "A" {
		t.Fatalf("defaults not applied: %+v", got)
	}

	// CHECK constraint rejects unknown outcomes.
	bad := &ActionLog{ID: "l1", AccountID: "42", Action: "block", Outcome: "maybe", CreatedAt: time.Now()}
	if err := db.Create(bad).Error; err == nil {
		t.Fatalf("expected check constraint violation for outcome=maybe")
	}

	// Unique update id.
	now := time.Now().UTC()
	if err := db.Create(&ProcessedUpdate{ID: "p1", UpdateID: 7, ExpiresAt: now.Add(time.Hour)}).Error; err != nil {
		t.Fatalf("insert processed update: %v", err)
	}
	if err := db.Create(&ProcessedUpdate{ID: "p2", UpdateID: 7, ExpiresAt: now.Add(time.Hour)}).Error; err == nil {
		t.Fatalf("expected unique violation for duplicate update id")
	}
}

func TestAccountConfig_Record(t *testing.T) {
	rec, err := AccountConfig{AccountID: "1", HasSession: true, Policy: "b"}.Record()
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !rec.HasSession || rec.Policy != PolicyB {
		t.Fatalf("unexpected record %+v", rec)
	}

	rec, err = AccountConfig{AccountID: "1", HasSession: true, Policy: "Z"}.Record()
	if !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
	if rec != DefaultRecord() {
		t.Fatalf("malformed record should fall back to default, got %+v", rec)
	}
}
