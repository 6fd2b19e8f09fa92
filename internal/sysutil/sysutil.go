// Package sysutil holds small process-level helpers shared by the binary and
// the service layer: logger setup, env value parsing, phone handling and a
// context-aware sleep.
package sysutil

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/width"
)

// SetLogLevel configures the global zerolog level based on a string value.
// Supported values (case-insensitive): debug, info, warn, error, fatal, panic.
func SetLogLevel(lvl string) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info", "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	case "panic":
		zerolog.SetGlobalLevel(zerolog.PanicLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// SetupLogger sets the global level and, when pretty is true, switches the
// global logger to a human-readable console writer on stderr.
func SetupLogger(level string, pretty bool) {
	SetLogLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// IsTruthy reports whether an environment variable string should be considered true.
// Accepted values (case-insensitive): "1", "true", "yes", "y", "on".
func IsTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// FirstNonEmpty returns the first non-empty string from a variadic list.
// If all values are empty, it returns "".
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// ErrInvalidPhone is returned by NormalizePhone.
var ErrInvalidPhone = errors.New("invalid phone number")

// NormalizePhone folds full-width digits, drops spaces, dashes, dots and
// parentheses, and enforces a single leading "+". The result must hold 7 to
// 15 digits.
func NormalizePhone(raw string) (string, error) {
	s := width.Narrow.String(strings.TrimSpace(raw))
	var b strings.Builder
	b.WriteByte('+')
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits++
		case r == '+' && i == 0:
		case unicode.IsSpace(r) || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", ErrInvalidPhone
		}
	}
	if digits < 7 || digits > 15 {
		return "", ErrInvalidPhone
	}
	return b.String(), nil
}

// RedactPhone keeps the leading "+", the first two and the last two digits.
func RedactPhone(phone string) string {
	p := strings.TrimPrefix(strings.TrimSpace(phone), "+")
	if len(p) <= 4 {
		return "+***"
	}
	return "+" + p[:2] + strings.Repeat("*", len(p)-4) + p[len(p)-2:]
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
