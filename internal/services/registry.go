// Package services – SessionRegistry
//
// Registry maps account identities to their single live AccountSession.
// The lookup-or-create step is serialized per account, so concurrent
// control turns for the same account always observe the same session.
package services

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-account-warden/internal/domain"
	"github.com/tbourn/go-account-warden/internal/provider"
)

// Registry owns every AccountSession in the process.
type Registry struct {
	factory provider.Factory
	store   ConfigStore
	opts    SessionOptions

	// locks serializes lookup, replacement and creation per account.
	locks    keyedMutex
	mu       sync.Mutex
	sessions map[domain.AccountID]*AccountSession
}

// NewRegistry returns an empty registry building clients with factory.
func NewRegistry(factory provider.Factory, store ConfigStore, opts SessionOptions) *Registry {
	return &Registry{
		factory:  factory,
		store:    store,
		opts:     opts,
		sessions: make(map[domain.AccountID]*AccountSession),
	}
}

// GetOrCreate returns the live session for id, creating one when there is
// none or the existing one is stale (closed, failed, or connected once and
// since dropped). A stale session is closed before its replacement is
// built, so one account never holds two provider connections.
func (r *Registry) GetOrCreate(id domain.AccountID) (*AccountSession, error) {
	unlock := r.locks.Lock(id.String())
	defer unlock()

	r.mu.Lock()
	old, ok := r.sessions[id]
	r.mu.Unlock()
	if ok && old.live() {
		return old, nil
	}

	if ok {
		log.Info().Str("account_id", id.String()).
			Str("replaced", old.InstanceID()).
			Msg("replacing stale session")
		if err := old.Close(); err != nil {
			log.Warn().Err(err).Str("account_id", id.String()).
				Str("session", old.InstanceID()).
				Msg("close stale session")
		}
	}

	client, err := r.factory.NewClient(id)
	if err != nil {
		return nil, err
	}
	s := NewAccountSession(id, client, r.store, r.opts)

	r.mu.Lock()
	r.sessions[id] = s
	sessionsLive.Set(float64(len(r.sessions)))
	r.mu.Unlock()
	return s, nil
}

// Get returns the registered session for id, live or not.
func (r *Registry) Get(id domain.AccountID) (*AccountSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove unregisters and closes the session for id.
func (r *Registry) Remove(id domain.AccountID) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		sessionsLive.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	return s.Close()
}

// List returns snapshots of all sessions ordered by account id.
func (r *Registry) List() []SessionInfo {
	r.mu.Lock()
	all := make([]*AccountSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	out := make([]SessionInfo, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll removes and closes every session, honouring ctx while waiting.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[domain.AccountID]*AccountSession)
	sessionsLive.Set(0)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *AccountSession) {
			defer wg.Done()
			if err := s.Close(); err != nil {
				log.Warn().Err(err).Str("account_id", s.ID().String()).Msg("close session")
			}
		}(s)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
