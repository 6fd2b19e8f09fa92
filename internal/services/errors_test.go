package services

import (
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-account-warden/internal/domain"
	"github.com/tbourn/go-account-warden/internal/provider"
)

func TestTypedErrors_UnwrapToSentinelsAndCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	flood := &provider.FloodWaitError{Wait: time.Minute}

	cases := []struct {
		name     string
		err      error
		sentinel error
		cause    error
	}{
		{"connection", &ConnectionError{Attempts: 3, Err: cause}, ErrConnection, cause},
		{"code request", &CodeRequestError{Phone: "+7***", Err: flood}, ErrCodeRequest, flood},
		{"sign in", &SignInError{Err: cause}, ErrSignIn, cause},
		{"action", &ActionError{Action: domain.ActionBlock, Peer: domain.PeerRef{Kind: domain.SenderBot, ID: 1}, Err: cause}, ErrAction, cause},
	}
	for _, tc := range cases {
		if !errors.Is(tc.err, tc.sentinel) {
			t.Errorf("%s: errors.Is(sentinel) = false", tc.name)
		}
		if !errors.Is(tc.err, tc.cause) {
			t.Errorf("%s: errors.Is(cause) = false", tc.name)
		}
		if tc.err.Error() == "" {
			t.Errorf("%s: empty message", tc.name)
		}
	}

	var fw *provider.FloodWaitError
	if !errors.As(&CodeRequestError{Err: flood}, &fw) || fw.Wait != time.Minute {
		t.Fatalf("flood wait should be reachable through CodeRequestError")
	}
}
