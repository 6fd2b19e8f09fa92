// Package services – AuthFlow
//
// AuthFlow runs the authentication dialog for every control user. It feeds
// inputs to Step, performs the returned effects against the registry, the
// store and the presenter, and feeds provider outcomes back into Step.
// Turns for one user are serialized; different users proceed in parallel.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-account-warden/internal/domain"
	"github.com/tbourn/go-account-warden/internal/provider"
)

// Presenter renders the dialog on the control surface.
type Presenter interface {
	PromptPhone(ctx context.Context, id domain.AccountID) error
	// ShowCodeKeypad edits messageID when non-zero, else sends a new
	// keypad message. It returns the keypad's message id.
	ShowCodeKeypad(ctx context.Context, id domain.AccountID, messageID int, digits string) (int, error)
	PresentPolicyChoice(ctx context.Context, id domain.AccountID, current domain.Policy) error
	Say(ctx context.Context, id domain.AccountID, text string) error
}

// AuthFlow coordinates dialogs, sessions and subscriptions.
type AuthFlow struct {
	Registry         *Registry
	Store            ConfigStore
	Presenter        Presenter
	Processor        *EventProcessor
	CodeAttemptLimit int

	locks keyedMutex
	mu    sync.Mutex
	convs map[domain.AccountID]Conversation
}

// NewAuthFlow wires an AuthFlow.
func NewAuthFlow(reg *Registry, store ConfigStore, p Presenter, proc *EventProcessor, codeLimit int) *AuthFlow {
	return &AuthFlow{
		Registry:         reg,
		Store:            store,
		Presenter:        p,
		Processor:        proc,
		CodeAttemptLimit: codeLimit,
		convs:            make(map[domain.AccountID]Conversation),
	}
}

// Conversation returns the current dialog state for id.
func (f *AuthFlow) Conversation(id domain.AccountID) Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.convs[id]; ok {
		return c
	}
	return NewConversation()
}

func (f *AuthFlow) save(id domain.AccountID, c Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.convs == nil {
		f.convs = make(map[domain.AccountID]Conversation)
	}
	if c.State == domain.ConvAbandoned {
		delete(f.convs, id)
		return
	}
	f.convs[id] = c
}

// Start handles /start, consulting the store for a completed sign-in.
func (f *AuthFlow) Start(ctx context.Context, id domain.AccountID) error {
	rec, err := f.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	return f.Handle(ctx, id, StartInput{HasSession: rec.HasSession})
}

// Handle applies one input for id and runs the resulting effects.
func (f *AuthFlow) Handle(ctx context.Context, id domain.AccountID, in Input) error {
	ctx, span := otel.Tracer("services/AuthFlow").Start(ctx, "Handle",
		trace.WithAttributes(
			attribute.String("account.id", id.String()),
			attribute.String("input", fmt.Sprintf("%T", in)),
		),
	)
	defer span.End()

	unlock := f.locks.Lock(id.String())
	defer unlock()

	conv := f.Conversation(id)
	pending := []Input{in}
	var firstErr error
	for len(pending) > 0 {
		next := pending[0]
		pending = pending[1:]

		from := conv.State
		var effects []Effect
		conv, effects = Step(conv, next, f.CodeAttemptLimit)
		if from != conv.State {
			log.Info().Str("account_id", id.String()).
				Str("from", string(from)).Str("to", string(conv.State)).
				Msg("conversation transition")
		}
		for _, e := range effects {
			follow, err := f.run(ctx, id, &conv, e)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			if follow != nil {
				pending = append(pending, follow)
			}
		}
	}
	f.save(id, conv)
	return firstErr
}

// run performs one effect. Provider outcomes come back as a follow-up input;
// the returned error is for presentation failures the caller may log.
func (f *AuthFlow) run(ctx context.Context, id domain.AccountID, conv *Conversation, e Effect) (Input, error) {
	switch e := e.(type) {
	case PromptPhone:
		return nil, f.Presenter.PromptPhone(ctx, id)

	case Say:
		return nil, f.Presenter.Say(ctx, id, e.Text)

	case ShowKeypad:
		mid, err := f.Presenter.ShowCodeKeypad(ctx, id, conv.KeypadMessageID, e.Digits)
		if err == nil {
			conv.KeypadMessageID = mid
		}
		return nil, err

	case PresentPolicy:
		rec, err := f.Store.Get(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("account_id", id.String()).Msg("read policy for presentation")
		}
		return nil, f.Presenter.PresentPolicyChoice(ctx, id, rec.Policy)

	case BeginLogin:
		return f.beginLogin(ctx, id, e.Phone), nil

	case SubmitCode:
		return f.submitCode(ctx, id, e.Phone, e.Code), nil

	case ApplyPolicy:
		if err := f.Store.SetPolicy(ctx, id, e.Policy); err != nil {
			return nil, f.Presenter.Say(ctx, id, "Could not save policy: "+err.Error())
		}
		if err := f.activate(ctx, id); err != nil {
			if errors.Is(err, ErrNotAuthorized) {
				return f.revoke(ctx, id), nil
			}
			return nil, f.Presenter.Say(ctx, id, "Policy saved, but automation could not start: "+err.Error()+"\nSend /start to reconnect.")
		}
		return nil, f.Presenter.Say(ctx, id, e.Policy.Label()+" is active.")
	}
	return nil, fmt.Errorf("unknown effect %T", e)
}

func (f *AuthFlow) beginLogin(ctx context.Context, id domain.AccountID, phone string) Input {
	sess, err := f.Registry.GetOrCreate(id)
	if err != nil {
		return PhoneRejected{Err: err}
	}
	if err := sess.Connect(ctx); err != nil {
		return PhoneRejected{Err: err}
	}
	if sess.Authorized() {
		if err := f.Store.MarkAuthenticated(ctx, id); err != nil {
			return PhoneRejected{Err: err}
		}
		return PhoneAccepted{AlreadyAuthorized: true}
	}
	if err := sess.RequestCode(ctx, phone); err != nil {
		return PhoneRejected{Err: err}
	}
	return PhoneAccepted{}
}

// revoke forgets a credential the provider no longer honours, so the next
// /start asks for a phone number instead of a policy.
func (f *AuthFlow) revoke(ctx context.Context, id domain.AccountID) Input {
	log.Warn().Str("account_id", id.String()).Msg("stored session is no longer authorized")
	if err := f.Store.ClearSession(ctx, id); err != nil {
		log.Error().Err(err).Str("account_id", id.String()).Msg("clear session flag")
	}
	if err := f.Registry.Remove(id); err != nil && !errors.Is(err, ErrSessionNotFound) {
		log.Warn().Err(err).Str("account_id", id.String()).Msg("release revoked session")
	}
	return SessionRevoked{}
}

func (f *AuthFlow) submitCode(ctx context.Context, id domain.AccountID, phone, code string) Input {
	sess, ok := f.Registry.Get(id)
	if !ok || sess.Closed() {
		return SignInRejected{Err: ErrSessionNotFound}
	}
	res, err := sess.SignIn(ctx, phone, code)
	if err != nil {
		return SignInRejected{Err: err}
	}
	if res.Outcome != provider.Authorized {
		return SignInRejected{Err: ErrNotAuthorized, WrongCode: !res.PasswordRequired, PasswordRequired: res.PasswordRequired}
	}
	return SignedIn{}
}

// activate makes sure id has a connected, authorized session with the event
// processor subscribed. Subscribing again replaces the previous handler.
func (f *AuthFlow) activate(ctx context.Context, id domain.AccountID) error {
	sess, err := f.Registry.GetOrCreate(id)
	if err != nil {
		return err
	}
	if err := sess.Connect(ctx); err != nil {
		return err
	}
	if !sess.Authorized() {
		return ErrNotAuthorized
	}
	return sess.Subscribe(ctx, f.Processor.Handler(sess))
}

// Logout stops automation for id and releases its connection. The durable
// record, including hasSession, is left as is.
func (f *AuthFlow) Logout(ctx context.Context, id domain.AccountID) error {
	unlock := f.locks.Lock(id.String())
	defer unlock()

	err := f.Registry.Remove(id)
	if errors.Is(err, ErrSessionNotFound) {
		return f.Presenter.Say(ctx, id, "No active session.")
	}
	f.save(id, NewConversation())
	if err != nil {
		log.Warn().Err(err).Str("account_id", id.String()).Msg("logout")
	}
	return f.Presenter.Say(ctx, id, "Automation stopped. Send /start to resume.")
}

// Resume re-creates and subscribes sessions for every account that completed
// sign-in before. Failures are logged and relayed; the count of resumed
// accounts is returned.
func (f *AuthFlow) Resume(ctx context.Context) (int, error) {
	ids, err := f.Store.ListAuthenticated(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, id := range ids {
		unlock := f.locks.Lock(id.String())
		err := f.activate(ctx, id)
		if err == nil {
			f.save(id, Conversation{State: domain.ConvOperational})
			resumed++
		} else if errors.Is(err, ErrNotAuthorized) {
			f.revoke(ctx, id)
		}
		unlock()

		if err != nil {
			log.Error().Err(err).Str("account_id", id.String()).Msg("resume session")
			_ = f.Presenter.Say(ctx, id, "Could not resume automation: "+err.Error()+"\nSend /start to reconnect.")
			continue
		}
		log.Info().Str("account_id", id.String()).Msg("session resumed")
	}
	return resumed, nil
}
