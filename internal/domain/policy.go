package domain

import (
	"errors"
	"fmt"
	"strings"
)

// AccountID is the opaque identity correlating a control user with the
// secondary account they manage.
type AccountID string

// String implements fmt.Stringer.
func (id AccountID) String() string { return string(id) }

// Policy selects the automation behaviour applied to a secondary account.
type Policy string

const (
	// PolicyA auto-acknowledges direct messages.
	PolicyA Policy = "A"
	// PolicyB silences chats, blocks unverified bots and relays content.
	PolicyB Policy = "B"
)

// ErrInvalidPolicy is returned by ParsePolicy for unknown identifiers.
var ErrInvalidPolicy = errors.New("invalid policy")

// ParsePolicy accepts "A"/"B" (case-insensitive) and the legacy numeric
// identifiers "1"/"2".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A", "1":
		return PolicyA, nil
	case "B", "2":
		return PolicyB, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
}

// Valid reports whether p is one of the known policies.
func (p Policy) Valid() bool { return p == PolicyA || p == PolicyB }

// Label is the user-facing name of the policy.
func (p Policy) Label() string { return "Policy " + string(p) }

// SessionRecord is the pair of durable facts a session needs.
type SessionRecord struct {
	HasSession bool   `json:"has_session"`
	Policy     Policy `json:"policy"`
}

// DefaultRecord is used when no record exists or the stored one is malformed.
func DefaultRecord() SessionRecord {
	return SessionRecord{HasSession: false, Policy: PolicyA}
}

// ActionKind names a provider-facing action produced by the policy engine.
type ActionKind string

const (
	ActionLeaveChannel     ActionKind = "leave_channel"
	ActionReply            ActionKind = "reply"
	ActionBlock            ActionKind = "block"
	ActionMuteAndArchive   ActionKind = "mute_and_archive"
	ActionForwardToControl ActionKind = "forward_to_control"
)

// Action is one step of a PolicyDecision. Text is only meaningful for Reply
// and ForwardToControl.
type Action struct {
	Kind ActionKind `json:"kind"`
	Text string     `json:"text,omitempty"`
}

// PolicyDecision is the ordered list of actions for one event plus a
// human-readable notice describing the decision.
type PolicyDecision struct {
	Actions []Action `json:"actions"`
	Notice  string   `json:"notice"`
}

// Outcome is the terminal result of executing one Action.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// ActionResult records how a single action ended. Reason is set for Skipped
// and Failed outcomes, and for Applied outcomes that degraded (e.g. archive
// unavailable after a successful mute).
type ActionResult struct {
	Action  Action  `json:"action"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}
