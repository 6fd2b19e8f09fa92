package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tbourn/go-account-warden/internal/domain"
	"github.com/tbourn/go-account-warden/internal/provider"
	"github.com/tbourn/go-account-warden/internal/provider/providertest"
)

// ----- In-memory ConfigStore -----

type memStore struct {
	mu      sync.Mutex
	recs    map[domain.AccountID]domain.SessionRecord
	getErr  error
	markErr error
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[domain.AccountID]domain.SessionRecord)}
}

func (m *memStore) Get(ctx context.Context, id domain.AccountID) (domain.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domain.DefaultRecord(), m.getErr
	}
	if r, ok := m.recs[id]; ok {
		return r, nil
	}
	return domain.DefaultRecord(), nil
}

func (m *memStore) Put(ctx context.Context, id domain.AccountID, rec domain.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[id] = rec
	return nil
}

func (m *memStore) update(id domain.AccountID, fn func(*domain.SessionRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		r = domain.DefaultRecord()
	}
	fn(&r)
	m.recs[id] = r
}

func (m *memStore) MarkAuthenticated(ctx context.Context, id domain.AccountID) error {
	if m.markErr != nil {
		return m.markErr
	}
	m.update(id, func(r *domain.SessionRecord) { r.HasSession = true })
	return nil
}

func (m *memStore) ClearSession(ctx context.Context, id domain.AccountID) error {
	m.update(id, func(r *domain.SessionRecord) { r.HasSession = false })
	return nil
}

func (m *memStore) SetPolicy(ctx context.Context, id domain.AccountID, p domain.Policy) error {
	if !p.Valid() {
		return domain.ErrInvalidPolicy
	}
	m.update(id, func(r *domain.SessionRecord) { r.Policy = p })
	return nil
}

func (m *memStore) ListAuthenticated(ctx context.Context) ([]domain.AccountID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AccountID
	for id, r := range m.recs {
		if r.HasSession {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memStore) record(id domain.AccountID) domain.SessionRecord {
	r, _ := m.Get(context.Background(), id)
	return r
}

// ----- Relay -----

type fakeRelay struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (r *fakeRelay) Notify(ctx context.Context, id domain.AccountID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return r.err
}

func (r *fakeRelay) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

// ----- Presenter -----

type fakePresenter struct {
	mu        sync.Mutex
	prompts   int
	keypads   []string
	policies  []domain.Policy
	said      []string
	nextMsgID int
}

func (p *fakePresenter) PromptPhone(ctx context.Context, id domain.AccountID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts++
	return nil
}

func (p *fakePresenter) ShowCodeKeypad(ctx context.Context, id domain.AccountID, messageID int, digits string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keypads = append(p.keypads, digits)
	if messageID == 0 {
		p.nextMsgID++
		messageID = p.nextMsgID
	}
	return messageID, nil
}

func (p *fakePresenter) PresentPolicyChoice(ctx context.Context, id domain.AccountID, current domain.Policy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policies = append(p.policies, current)
	return nil
}

func (p *fakePresenter) Say(ctx context.Context, id domain.AccountID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.said = append(p.said, text)
	return nil
}

func (p *fakePresenter) lastSaid() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.said) == 0 {
		return ""
	}
	return p.said[len(p.said)-1]
}

// ----- Action target -----

type fakeTarget struct {
	id         domain.AccountID
	mu         sync.Mutex
	errs       map[domain.ActionKind]error
	applied    []domain.ActionKind
	history    []domain.HistoryMessage
	historyErr error
}

func (t *fakeTarget) ID() domain.AccountID { return t.id }

func (t *fakeTarget) Apply(ctx context.Context, ev domain.IncomingEvent, a domain.Action) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applied = append(t.applied, a.Kind)
	return t.errs[a.Kind]
}

func (t *fakeTarget) RecentMessages(ctx context.Context, peer domain.PeerRef, limit int) ([]domain.HistoryMessage, error) {
	return t.history, t.historyErr
}

func (t *fakeTarget) calls() []domain.ActionKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.ActionKind(nil), t.applied...)
}

// ----- Journal -----

type fakeJournal struct {
	mu      sync.Mutex
	results []domain.ActionResult
}

func (j *fakeJournal) Record(ctx context.Context, id domain.AccountID, peer domain.PeerRef, res domain.ActionResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.results = append(j.results, res)
	return nil
}

// ----- Factory -----

type countingFactory struct {
	calls   atomic.Int32
	mu      sync.Mutex
	clients []*providertest.Client
	// prepare customises each new client.
	prepare func(domain.AccountID, *providertest.Client)
}

func (f *countingFactory) NewClient(id domain.AccountID) (provider.Client, error) {
	f.calls.Add(1)
	c := &providertest.Client{}
	if f.prepare != nil {
		f.prepare(id, c)
	}
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c, nil
}

func (f *countingFactory) last() *providertest.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

// ----- helpers -----

var errBoom = errors.New("boom")

func fastOpts() SessionOptions {
	return SessionOptions{ConnectBackoff: time.Millisecond, AuthTimeout: time.Second}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dmEvent(sender domain.SenderKind, text string) domain.IncomingEvent {
	return domain.IncomingEvent{
		Kind:              domain.EventDirectMessage,
		SenderKind:        sender,
		SenderDisplayName: "Alice",
		Text:              text,
		Peer:              domain.PeerRef{Kind: sender, ID: 5},
		MessageID:         11,
	}
}

func acct(i int) domain.AccountID { return domain.AccountID(fmt.Sprintf("acct-%d", i)) }

type failingFactory struct{}

func (failingFactory) NewClient(domain.AccountID) (provider.Client, error) { return nil, errBoom }
