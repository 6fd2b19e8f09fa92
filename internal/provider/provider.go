// Package provider defines the capability the session layer needs from a
// messaging-provider connection. The core never speaks the wire protocol
// itself; adapters (see provider/mtproto) implement Client.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tbourn/go-account-warden/internal/domain"
)

// AuthOutcome is the result of a sign-in call that did not error.
type AuthOutcome int

const (
	// NotAuthorized means the provider accepted the call but the account is
	// still not usable (wrong code, or a second factor is required).
	NotAuthorized AuthOutcome = iota
	// Authorized means a durable credential now exists.
	Authorized
)

func (o AuthOutcome) String() string {
	if o == Authorized {
		return "authorized"
	}
	return "not_authorized"
}

// SignInResult carries the outcome of SignIn. PasswordRequired is set when
// the account has two-factor authentication enabled.
type SignInResult struct {
	Outcome          AuthOutcome
	PasswordRequired bool
}

// Self is the basic identity of the connected account.
type Self struct {
	ID          int64
	DisplayName string
}

// Client is one connection to the provider for one account.
//
// Implementations must be safe for concurrent use. Action methods are
// expected to honour ctx cancellation.
type Client interface {
	Connect(ctx context.Context) error
	Connected() bool
	Disconnect() error

	IsAuthorized(ctx context.Context) (bool, error)
	Self(ctx context.Context) (Self, error)
	RequestCode(ctx context.Context, phone string) error
	// SignIn must not terminate the account's other active sessions.
	SignIn(ctx context.Context, phone, code string) (SignInResult, error)

	// Subscribe returns a fresh event stream. Any previous subscription on
	// the same client is closed first, so at most one is active.
	Subscribe(ctx context.Context) (Subscription, error)

	LeaveChannel(ctx context.Context, peer domain.PeerRef) error
	Block(ctx context.Context, peer domain.PeerRef) error
	// MuteAndArchive mutes the peer indefinitely and moves it to the archive.
	// If only the archive step failed the returned error wraps ErrArchiveFailed.
	MuteAndArchive(ctx context.Context, peer domain.PeerRef) error
	Reply(ctx context.Context, peer domain.PeerRef, messageID int, text string) error
	RecentMessages(ctx context.Context, peer domain.PeerRef, limit int) ([]domain.HistoryMessage, error)
}

// PasswordAuthenticator is implemented by clients able to complete a
// two-factor sign-in. Nothing in the control flow calls it yet.
type PasswordAuthenticator interface {
	SignInPassword(ctx context.Context, password string) (SignInResult, error)
}

// Subscription is a cancelable stream of inbound events. Events is never
// closed; consumers select on Done as well.
type Subscription interface {
	Events() <-chan domain.IncomingEvent
	// Done is closed when the stream ends, either via Close or because the
	// underlying connection went away.
	Done() <-chan struct{}
	// Err reports why the stream ended; nil after Close.
	Err() error
	Close()
}

// Factory builds a Client for an account.
type Factory interface {
	NewClient(id domain.AccountID) (Client, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(id domain.AccountID) (Client, error)

// NewClient implements Factory.
func (f FactoryFunc) NewClient(id domain.AccountID) (Client, error) { return f(id) }

var (
	// ErrNotConnected is returned by operations issued before Connect.
	ErrNotConnected = errors.New("provider: not connected")
	// ErrArchiveFailed marks a MuteAndArchive whose mute succeeded.
	ErrArchiveFailed = errors.New("provider: archive failed")
	// ErrUnsupportedPeer is returned when an action does not apply to a peer kind.
	ErrUnsupportedPeer = errors.New("provider: unsupported peer")
)

// FloodWaitError reports a provider-side rate limit. Callers surface it and
// do not retry internally.
type FloodWaitError struct {
	Wait time.Duration
	Err  error
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("provider: flood wait %s", e.Wait)
}

func (e *FloodWaitError) Unwrap() error { return e.Err }
