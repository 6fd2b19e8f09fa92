package repo

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-account-warden/internal/domain"
)

func TestOpenSQLite_MissingParentDir(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "no-such-dir", "warden.db")

	db, err := OpenSQLite(bad)
	if err == nil || db != nil {
		t.Fatalf("expected error opening %q, got db=%v err=%v", bad, db, err)
	}
	if !os.IsNotExist(err) {
		t.Fatalf("want a not-exist error from the parent check, got %v", err)
	}
}

func TestOpenSQLite_SetsPragmas_Pool_AndAutoMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.db")

	db, err := OpenSQLite(path, Options{Quiet: true})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	var mode string
	if err := db.Raw("PRAGMA journal_mode;").Row().Scan(&mode); err != nil || strings.ToLower(mode) != "wal" {
		t.Fatalf("journal_mode = %q (err %v), want wal", mode, err)
	}
	for pragma, want := range map[string]int{
		"synchronous":  1, // NORMAL
		"foreign_keys": 1,
		"busy_timeout": 5000,
	} {
		var got int
		if err := db.Raw("PRAGMA " + pragma + ";").Row().Scan(&got); err != nil {
			t.Fatalf("PRAGMA %s: %v", pragma, err)
		}
		if got != want {
			t.Fatalf("PRAGMA %s = %d, want %d", pragma, got, want)
		}
	}

	if n := sqlDB.Stats().MaxOpenConnections; n != 10 {
		t.Fatalf("MaxOpenConnections = %d, want 10", n)
	}
	// --- AutoMigrate should create all tables ---
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	m := db.Migrator()
	for _, tbl := range []any{&domain.AccountConfig{}, &domain.ActionLog{}, &domain.ProcessedUpdate{}} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}

	// Quick insert round-trip to prove schema is usable.
	now := time.Now().UTC()
	acc := &domain.AccountConfig{AccountID: "u1", HasSession: true, Policy: "B", CreatedAt: now, UpdatedAt: now}
	if err := db.Create(acc).Error; err != nil {
		t.Fatalf("insert account: %v", err)
	}
	upd := &domain.ProcessedUpdate{ID: "p1", UpdateID: 1, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := db.Create(upd).Error; err != nil {
		t.Fatalf("insert processed update: %v", err)
	}

	var got domain.AccountConfig
	if err := db.First(&got, "account_id = ?", "u1").Error; err != nil || got.Policy != "B" {
		t.Fatalf("readback account failed: err=%v got=%+v", err, got)
	}
}

func TestOpenSQLite_WithTracingPlugin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traced.db")

	db, err := OpenSQLite(path, Options{Tracing: true, Quiet: true})
	if err != nil {
		t.Fatalf("OpenSQLite with tracing: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
}

// Compile-time guard to ensure signature stability.
var _ func(string, ...Options) (*gorm.DB, error) = OpenSQLite
