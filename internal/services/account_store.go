// Package services – AccountStore
//
// AccountStore is the ConfigStore: it persists the two durable facts a
// session needs (hasSession, policy) per account. Read-modify-write cycles
// for one account are serialized so that a sign-in marking hasSession and a
// concurrent policy change never interleave at the field level.
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-account-warden/internal/domain"
	"github.com/tbourn/go-account-warden/internal/repo"
)

// ConfigStore is the capability the session layer needs for durable facts.
type ConfigStore interface {
	Get(ctx context.Context, id domain.AccountID) (domain.SessionRecord, error)
	Put(ctx context.Context, id domain.AccountID, rec domain.SessionRecord) error
	MarkAuthenticated(ctx context.Context, id domain.AccountID) error
	ClearSession(ctx context.Context, id domain.AccountID) error
	SetPolicy(ctx context.Context, id domain.AccountID, p domain.Policy) error
	ListAuthenticated(ctx context.Context) ([]domain.AccountID, error)
}

// AccountRepo defines the repository contract required by AccountStore.
type AccountRepo interface {
	// GetAccountConfig returns the stored row or repo.ErrNotFound.
	GetAccountConfig(ctx context.Context, db *gorm.DB, id string) (*domain.AccountConfig, error)

	// UpsertAccountConfig writes both durable columns at once.
	UpsertAccountConfig(ctx context.Context, db *gorm.DB, c *domain.AccountConfig) error

	// ListAuthenticatedAccounts returns rows with HasSession set.
	ListAuthenticatedAccounts(ctx context.Context, db *gorm.DB) ([]domain.AccountConfig, error)
}

// accountRepoShim adapts the repo free functions to AccountRepo.
type accountRepoShim struct{}

func (accountRepoShim) GetAccountConfig(ctx context.Context, db *gorm.DB, id string) (*domain.AccountConfig, error) {
	return repo.GetAccountConfig(ctx, db, id)
}

func (accountRepoShim) UpsertAccountConfig(ctx context.Context, db *gorm.DB, c *domain.AccountConfig) error {
	return repo.UpsertAccountConfig(ctx, db, c)
}

func (accountRepoShim) ListAuthenticatedAccounts(ctx context.Context, db *gorm.DB) ([]domain.AccountConfig, error) {
	return repo.ListAuthenticatedAccounts(ctx, db)
}

// AccountStore implements ConfigStore over GORM.
type AccountStore struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the account repository; nil uses the repo package.
	Repo AccountRepo

	locks keyedMutex
}

var _ ConfigStore = (*AccountStore)(nil)

// NewAccountStore constructs an AccountStore. A nil r uses the repo package.
func NewAccountStore(db *gorm.DB, r AccountRepo) *AccountStore {
	if r == nil {
		r = accountRepoShim{}
	}
	return &AccountStore{DB: db, Repo: r}
}

func (s *AccountStore) span(ctx context.Context, name string, id domain.AccountID) (context.Context, trace.Span) {
	return otel.Tracer("services/AccountStore").Start(ctx, name,
		trace.WithAttributes(attribute.String("account.id", id.String())),
	)
}

// Get returns the record for id. A missing record yields the default; a
// malformed one is logged and also yields the default.
func (s *AccountStore) Get(ctx context.Context, id domain.AccountID) (domain.SessionRecord, error) {
	ctx, span := s.span(ctx, "Get", id)
	defer span.End()
	return s.get(ctx, id)
}

func (s *AccountStore) get(ctx context.Context, id domain.AccountID) (domain.SessionRecord, error) {
	row, err := s.Repo.GetAccountConfig(ctx, s.DB, id.String())
	if errors.Is(err, repo.ErrNotFound) {
		return domain.DefaultRecord(), nil
	}
	if err != nil {
		return domain.DefaultRecord(), err
	}
	rec, err := row.Record()
	if err != nil {
		log.Warn().Err(fmt.Errorf("%w: %v", ErrConfig, err)).
			Str("account_id", id.String()).
			Msg("treating malformed account record as absent")
		return domain.DefaultRecord(), nil
	}
	return rec, nil
}

// Put overwrites the record for id.
func (s *AccountStore) Put(ctx context.Context, id domain.AccountID, rec domain.SessionRecord) error {
	ctx, span := s.span(ctx, "Put", id)
	defer span.End()

	unlock := s.locks.Lock(id.String())
	defer unlock()
	return s.put(ctx, id, rec)
}

func (s *AccountStore) put(ctx context.Context, id domain.AccountID, rec domain.SessionRecord) error {
	if !rec.Policy.Valid() {
		return domain.ErrInvalidPolicy
	}
	return s.Repo.UpsertAccountConfig(ctx, s.DB, &domain.AccountConfig{
		AccountID:  id.String(),
		HasSession: rec.HasSession,
		Policy:     string(rec.Policy),
	})
}

// Update applies fn to the current record and stores the result while
// holding the per-account lock.
func (s *AccountStore) Update(ctx context.Context, id domain.AccountID, fn func(*domain.SessionRecord)) error {
	ctx, span := s.span(ctx, "Update", id)
	defer span.End()

	unlock := s.locks.Lock(id.String())
	defer unlock()

	rec, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	fn(&rec)
	return s.put(ctx, id, rec)
}

// MarkAuthenticated sets hasSession, keeping the current policy.
func (s *AccountStore) MarkAuthenticated(ctx context.Context, id domain.AccountID) error {
	return s.Update(ctx, id, func(r *domain.SessionRecord) { r.HasSession = true })
}

// ClearSession resets hasSession after the provider revoked the
// credential, keeping the current policy.
func (s *AccountStore) ClearSession(ctx context.Context, id domain.AccountID) error {
	return s.Update(ctx, id, func(r *domain.SessionRecord) { r.HasSession = false })
}

// SetPolicy stores p, keeping hasSession.
func (s *AccountStore) SetPolicy(ctx context.Context, id domain.AccountID, p domain.Policy) error {
	if !p.Valid() {
		return domain.ErrInvalidPolicy
	}
	return s.Update(ctx, id, func(r *domain.SessionRecord) { r.Policy = p })
}

// ListAuthenticated returns the accounts that completed authentication.
func (s *AccountStore) ListAuthenticated(ctx context.Context) ([]domain.AccountID, error) {
	rows, err := s.Repo.ListAuthenticatedAccounts(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	out := make([]domain.AccountID, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.AccountID(r.AccountID))
	}
	return out, nil
}
