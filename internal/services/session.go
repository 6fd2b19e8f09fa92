// Package services – AccountSession
//
// AccountSession owns exactly one provider.Client for one account and drives
// it through connect → authenticate → subscribed. It keeps a single event
// dispatch loop: subscribing again, or recovering after the stream was lost,
// replaces the loop instead of adding a second one, so an event is never
// delivered to two handler sets.
//
// Lifecycle operations (connect, code request, sign-in, subscribe, recovery,
// close) are serialized by connMu. Provider actions issued from the dispatch
// loop do not take connMu; they are throttled by a per-session limiter and
// stop being issued once the session is closed.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-account-warden/internal/domain"
	"github.com/tbourn/go-account-warden/internal/provider"
	"github.com/tbourn/go-account-warden/internal/sysutil"
)

// Handler consumes one inbound event. Events of one session are handled one
// at a time in arrival order.
type Handler func(ctx context.Context, ev domain.IncomingEvent)

// SessionOptions tunes AccountSession. Zero fields take the defaults below.
type SessionOptions struct {
	ConnectAttempts int           // default 3
	ConnectBackoff  time.Duration // default 1s
	AuthTimeout     time.Duration // bounds code dispatch and sign-in; default 30s
	ActionRPS       float64       // <= 0 disables throttling
	ActionBurst     int           // default 1
	// Relay, when set, is told about a lost event stream that could not be
	// restored.
	Relay NotificationRelay
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = 3
	}
	if o.ConnectBackoff <= 0 {
		o.ConnectBackoff = time.Second
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 30 * time.Second
	}
	if o.ActionBurst <= 0 {
		o.ActionBurst = 1
	}
	return o
}

// SessionInfo is a point-in-time snapshot of a session.
type SessionInfo struct {
	AccountID  domain.AccountID    `json:"account_id"`
	InstanceID string              `json:"instance_id"`
	State      domain.SessionState `json:"state"`
	RetryCount int                 `json:"retry_count"`
	Connected  bool                `json:"connected"`
	Subscribed bool                `json:"subscribed"`
	SelfID     int64               `json:"self_id,omitempty"`
}

// AccountSession is the runtime connection state for one account.
type AccountSession struct {
	id         domain.AccountID
	instanceID string
	client     provider.Client
	store      ConfigStore
	opts       SessionOptions
	limiter    *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex

	mu         sync.Mutex
	state      domain.SessionState
	retryCount int
	closed     bool
	self       provider.Self
	sub        provider.Subscription
	handler    Handler
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	gen        uint64
}

// NewAccountSession returns a Disconnected session owning client.
func NewAccountSession(id domain.AccountID, client provider.Client, store ConfigStore, opts SessionOptions) *AccountSession {
	opts = opts.withDefaults()
	limit := rate.Inf
	if opts.ActionRPS > 0 {
		limit = rate.Limit(opts.ActionRPS)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AccountSession{
		id:         id,
		instanceID: uuid.NewString(),
		client:     client,
		store:      store,
		opts:       opts,
		limiter:    rate.NewLimiter(limit, opts.ActionBurst),
		ctx:        ctx,
		cancel:     cancel,
		state:      domain.StateDisconnected,
	}
}

// ID returns the account identity.
func (s *AccountSession) ID() domain.AccountID { return s.id }

// InstanceID distinguishes sessions created for the same account over time.
func (s *AccountSession) InstanceID() string { return s.instanceID }

// State returns the current state.
func (s *AccountSession) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Authorized reports whether the session reached Authenticated.
func (s *AccountSession) Authorized() bool { return s.State() == domain.StateAuthenticated }

// Closed reports whether Close was called.
func (s *AccountSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Info returns a snapshot for the operator API.
func (s *AccountSession) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		AccountID:  s.id,
		InstanceID: s.instanceID,
		State:      s.state,
		RetryCount: s.retryCount,
		Connected:  s.client.Connected(),
		Subscribed: s.sub != nil,
		SelfID:     s.self.ID,
	}
}

// live reports whether the registry may hand this session out again. A
// session that has not finished connecting is still live; one that lost its
// connection after connecting is not.
func (s *AccountSession) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state == domain.StateFailed {
		return false
	}
	switch s.state {
	case domain.StateAwaitingCode, domain.StateAuthenticated:
		return s.client.Connected()
	}
	return true
}

func (s *AccountSession) setStateLocked(to domain.SessionState) error {
	if !domain.CanTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	return nil
}

func (s *AccountSession) setState(to domain.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStateLocked(to)
}

// bind returns a context cancelled when either ctx or the session ends.
func (s *AccountSession) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() { stop(); cancel() }
}

func (s *AccountSession) tracer() trace.Tracer { return otel.Tracer("services/AccountSession") }

func (s *AccountSession) logger() *zerolog.Logger {
	l := log.With().Str("account_id", s.id.String()).Str("session", s.instanceID).Logger()
	return &l
}

// Connect establishes the provider connection, trying up to
// SessionOptions.ConnectAttempts times with a fixed backoff. When the stored
// credential is already authorized it confirms liveness by fetching the
// account's own identity; a failure there is only logged. An already live
// connection makes Connect a no-op.
func (s *AccountSession) Connect(ctx context.Context) error {
	ctx, span := s.tracer().Start(ctx, "Connect",
		trace.WithAttributes(attribute.String("account.id", s.id.String())),
	)
	defer span.End()

	s.connMu.Lock()
	defer s.connMu.Unlock()

	err := s.connectLocked(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *AccountSession) connectLocked(ctx context.Context) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	st := s.State()
	if (st == domain.StateAwaitingCode || st == domain.StateAuthenticated) && s.client.Connected() {
		return nil
	}
	if err := s.setState(domain.StateConnecting); err != nil {
		return err
	}

	ctx, cancel := s.bind(ctx)
	defer cancel()
	lg := s.logger()

	var last error
	attempts := 0
	for attempts < s.opts.ConnectAttempts {
		attempts++
		s.mu.Lock()
		s.retryCount = attempts - 1
		s.mu.Unlock()

		if last = s.client.Connect(ctx); last == nil {
			break
		}
		lg.Warn().Err(last).Int("attempt", attempts).Int("max", s.opts.ConnectAttempts).Msg("connect attempt failed")
		if ctx.Err() != nil || attempts == s.opts.ConnectAttempts {
			break
		}
		if err := sysutil.Sleep(ctx, s.opts.ConnectBackoff); err != nil {
			last = err
			break
		}
	}
	if last != nil {
		observeAuth("connect", last)
		s.mu.Lock()
		if !s.closed {
			_ = s.setStateLocked(domain.StateFailed)
		}
		s.mu.Unlock()
		if s.Closed() {
			return ErrSessionClosed
		}
		return &ConnectionError{Attempts: attempts, Err: last}
	}
	observeAuth("connect", nil)

	authorized, err := s.client.IsAuthorized(ctx)
	if err != nil {
		lg.Warn().Err(err).Msg("authorization status unavailable; treating as not authorized")
		authorized = false
	}
	if !authorized {
		return nil
	}

	if self, err := s.client.Self(ctx); err != nil {
		lg.Warn().Err(err).Msg("stored credential is authorized but self lookup failed")
	} else {
		s.mu.Lock()
		s.self = self
		s.mu.Unlock()
		lg.Info().Int64("self_id", self.ID).Msg("session confirmed with stored credential")
	}
	return s.setState(domain.StateAuthenticated)
}

// RequestCode asks the provider to send a one-time code to phone.
func (s *AccountSession) RequestCode(ctx context.Context, phone string) error {
	ctx, span := s.tracer().Start(ctx, "RequestCode",
		trace.WithAttributes(attribute.String("account.id", s.id.String())),
	)
	defer span.End()

	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.Closed() {
		return ErrSessionClosed
	}
	if st := s.State(); st != domain.StateConnecting && st != domain.StateAwaitingCode {
		return fmt.Errorf("%w: request code in state %s", ErrInvalidTransition, st)
	}

	ctx, cancel := s.bind(ctx)
	defer cancel()
	ctx, cancelT := context.WithTimeout(ctx, s.opts.AuthTimeout)
	defer cancelT()

	err := s.client.RequestCode(ctx, phone)
	observeAuth("request_code", err)
	if err != nil {
		span.RecordError(err)
		return &CodeRequestError{Phone: sysutil.RedactPhone(phone), Err: err}
	}
	s.logger().Info().Str("phone", sysutil.RedactPhone(phone)).Msg("verification code requested")
	return s.setState(domain.StateAwaitingCode)
}

// SignIn submits the verification code. A wrong code or a second-factor
// requirement is reported through the result with a nil error; the session
// then stays in AwaitingCode. An accepted code is re-checked for
// authorization; a failed check returns ErrNotAuthorized as an error and
// also leaves the session awaiting a code. On success the durable record is
// marked and the session becomes Authenticated.
func (s *AccountSession) SignIn(ctx context.Context, phone, code string) (provider.SignInResult, error) {
	ctx, span := s.tracer().Start(ctx, "SignIn",
		trace.WithAttributes(attribute.String("account.id", s.id.String())),
	)
	defer span.End()

	s.connMu.Lock()
	defer s.connMu.Unlock()

	notAuth := provider.SignInResult{Outcome: provider.NotAuthorized}
	if s.Closed() {
		return notAuth, ErrSessionClosed
	}
	if st := s.State(); st != domain.StateAwaitingCode {
		return notAuth, fmt.Errorf("%w: sign in from state %s", ErrInvalidTransition, st)
	}

	ctx, cancel := s.bind(ctx)
	defer cancel()
	ctx, cancelT := context.WithTimeout(ctx, s.opts.AuthTimeout)
	defer cancelT()

	lg := s.logger()
	res, err := s.client.SignIn(ctx, phone, code)
	if err != nil {
		observeAuth("sign_in", err)
		span.RecordError(err)
		return notAuth, &SignInError{Err: err}
	}
	if res.Outcome == provider.Authorized {
		ok, aerr := s.client.IsAuthorized(ctx)
		if aerr != nil || !ok {
			lg.Warn().Err(aerr).Msg("sign-in accepted but account is not authorized")
			observeAuth("sign_in", ErrNotAuthorized)
			if aerr == nil {
				return notAuth, fmt.Errorf("%w: code accepted, authorization check failed", ErrNotAuthorized)
			}
			return notAuth, fmt.Errorf("%w: %w", ErrNotAuthorized, aerr)
		}
	}
	if res.Outcome != provider.Authorized {
		observeAuth("sign_in", ErrNotAuthorized)
		lg.Info().Bool("password_required", res.PasswordRequired).Msg("sign-in did not authorize")
		return res, nil
	}
	observeAuth("sign_in", nil)

	if self, err := s.client.Self(ctx); err == nil {
		s.mu.Lock()
		s.self = self
		s.mu.Unlock()
	}
	if err := s.setState(domain.StateAuthenticated); err != nil {
		return res, err
	}
	if err := s.store.MarkAuthenticated(ctx, s.id); err != nil {
		lg.Error().Err(err).Msg("signed in but could not persist session flag")
		return res, err
	}
	lg.Info().Msg("signed in")
	return res, nil
}

// Subscribe binds h to the session's event stream. A previous subscription
// and its loop are stopped first.
func (s *AccountSession) Subscribe(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("nil handler")
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.Closed() {
		return ErrSessionClosed
	}
	if st := s.State(); st != domain.StateAuthenticated {
		return fmt.Errorf("%w: subscribe in state %s", ErrInvalidTransition, st)
	}
	return s.subscribeLocked(ctx, h)
}

func (s *AccountSession) subscribeLocked(ctx context.Context, h Handler) error {
	s.stopLoopLocked()

	ctx, cancel := s.bind(ctx)
	defer cancel()
	sub, err := s.client.Subscribe(ctx)
	if err != nil {
		return err
	}

	loopCtx, loopCancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.sub, s.handler, s.loopCancel, s.loopDone = sub, h, loopCancel, done
	s.mu.Unlock()

	go s.loop(loopCtx, gen, sub, h, done)
	s.logger().Info().Uint64("generation", gen).Msg("event handler subscribed")
	return nil
}

func (s *AccountSession) stopLoopLocked() {
	s.mu.Lock()
	cancel, sub, done := s.loopCancel, s.sub, s.loopDone
	s.loopCancel, s.sub, s.loopDone = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Close()
	}
	if done != nil {
		<-done
	}
}

func (s *AccountSession) loop(ctx context.Context, gen uint64, sub provider.Subscription, h Handler, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			if ctx.Err() != nil {
				return
			}
			go s.recoverStream(gen, h, sub.Err())
			return
		case ev := <-sub.Events():
			s.dispatch(ctx, h, ev)
		}
	}
}

// dispatch runs one handler call; a panic is logged and the loop goes on.
func (s *AccountSession) dispatch(ctx context.Context, h Handler, ev domain.IncomingEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger().Error().Interface("panic", r).Str("peer", ev.Peer.String()).Msg("event handler panicked")
		}
	}()
	h(ctx, ev)
}

// recoverStream reconnects and resubscribes h after the stream of
// generation gen ended unexpectedly. A newer subscription or Close makes it
// a no-op.
func (s *AccountSession) recoverStream(gen uint64, h Handler, cause error) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.mu.Lock()
	stale := s.closed || s.gen != gen
	s.mu.Unlock()
	if stale {
		return
	}

	lg := s.logger()
	lg.Warn().Err(cause).Msg("event stream lost; reconnecting")

	err := s.connectLocked(s.ctx)
	if err == nil && !s.Authorized() {
		err = ErrNotAuthorized
	}
	if err == nil {
		err = s.subscribeLocked(s.ctx, h)
	}
	if err != nil {
		if s.Closed() {
			return
		}
		lg.Error().Err(err).Msg("could not restore event stream")
		if s.opts.Relay != nil {
			_ = s.opts.Relay.Notify(s.ctx, s.id, "Connection to your account was lost and could not be restored: "+err.Error())
		}
		return
	}
	lg.Info().Msg("event stream restored")
}

// Apply performs one provider action for ev. ForwardToControl is not a
// provider action and is rejected here.
func (s *AccountSession) Apply(ctx context.Context, ev domain.IncomingEvent, a domain.Action) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	switch a.Kind {
	case domain.ActionLeaveChannel:
		return s.client.LeaveChannel(ctx, ev.Peer)
	case domain.ActionBlock:
		return s.client.Block(ctx, ev.Peer)
	case domain.ActionMuteAndArchive:
		return s.client.MuteAndArchive(ctx, ev.Peer)
	case domain.ActionReply:
		return s.client.Reply(ctx, ev.Peer, ev.MessageID, a.Text)
	}
	return fmt.Errorf("unsupported provider action %q", a.Kind)
}

// RecentMessages returns up to limit messages exchanged with peer, newest first.
func (s *AccountSession) RecentMessages(ctx context.Context, peer domain.PeerRef, limit int) ([]domain.HistoryMessage, error) {
	if s.Closed() {
		return nil, ErrSessionClosed
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.client.RecentMessages(ctx, peer, limit)
}

// Close halts the dispatch loop, releases the connection and moves the
// session to Disconnected. It does not touch the durable record.
func (s *AccountSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.stopLoopLocked()
	err := s.client.Disconnect()

	s.mu.Lock()
	_ = s.setStateLocked(domain.StateDisconnected)
	s.mu.Unlock()
	s.logger().Info().Msg("session closed")
	return err
}
