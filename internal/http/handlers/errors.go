// Package handlers defines the HTTP-layer error codes.
//
// Codes are lowercase snake_case. Generic codes mirror HTTP status semantics;
// the remaining ones name failures the status alone cannot convey. Clients
// branch on the code, never on the message.
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeTimeout          = "timeout"
	ErrCodeInternal         = "internal_error"

	// Domain-specific:
	ErrCodeJournalFailed = "journal_failed"
)
