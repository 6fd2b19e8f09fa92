// Package services holds the session lifecycle: the registry of live
// sessions, the per-account session itself, the authentication dialog, the
// policy executor and the durable account store.
//
// This file centralizes the service-level error values. Handlers and the
// control surface translate them into user-facing text; callers test for
// them with errors.Is and errors.As.
package services

import (
	"errors"
	"fmt"

	"github.com/tbourn/go-account-warden/internal/domain"
)

var (
	// ErrConnection indicates the provider connection could not be
	// established within the configured number of attempts.
	ErrConnection = errors.New("connection failed")

	// ErrCodeRequest is returned when the provider rejects a code dispatch
	// (malformed number, flood limit).
	ErrCodeRequest = errors.New("code request failed")

	// ErrSignIn is returned when the sign-in call itself fails.
	ErrSignIn = errors.New("sign-in failed")

	// ErrNotAuthorized is returned when sign-in completed without the
	// account becoming authorized (wrong code, second factor required).
	ErrNotAuthorized = errors.New("not authorized")

	// ErrAction wraps a failed provider action during event handling.
	ErrAction = errors.New("action failed")

	// ErrConfig marks a malformed persisted record.
	ErrConfig = errors.New("malformed account record")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrInvalidTransition is returned when an operation is not allowed in
	// the session's current state.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrCodeAttemptsExhausted is returned when the configured number of
	// wrong verification codes has been reached.
	ErrCodeAttemptsExhausted = errors.New("too many invalid codes")

	// ErrNotOperational is returned for commands that need a finished
	// authentication dialog.
	ErrNotOperational = errors.New("account is not set up yet")

	// ErrSessionNotFound is returned when no live session exists for an account.
	ErrSessionNotFound = errors.New("session not found")
)

// ConnectionError reports the final failure of a bounded connect.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap exposes both the sentinel and the last provider error.
func (e *ConnectionError) Unwrap() []error { return []error{ErrConnection, e.Err} }

// CodeRequestError reports a rejected code dispatch for a (redacted) phone.
type CodeRequestError struct {
	Phone string
	Err   error
}

func (e *CodeRequestError) Error() string {
	return fmt.Sprintf("code request for %s failed: %v", e.Phone, e.Err)
}

func (e *CodeRequestError) Unwrap() []error { return []error{ErrCodeRequest, e.Err} }

// SignInError reports a failed sign-in call.
type SignInError struct {
	Err error
}

func (e *SignInError) Error() string { return fmt.Sprintf("sign-in failed: %v", e.Err) }

func (e *SignInError) Unwrap() []error { return []error{ErrSignIn, e.Err} }

// ActionError reports one failed provider action against a peer.
type ActionError struct {
	Action domain.ActionKind
	Peer   domain.PeerRef
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s on %s failed: %v", e.Action, e.Peer, e.Err)
}

func (e *ActionError) Unwrap() []error { return []error{ErrAction, e.Err} }
