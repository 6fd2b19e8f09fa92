// Package policy maps an inbound event and the account's configured policy to
// an ordered list of provider actions. Evaluation is a pure function: it reads
// nothing but its arguments, so the same (event, policy) pair always yields
// the same decision.
//
// Check order (first match wins):
//  1. channel sender          -> LeaveChannel, under either policy
//  2. added to a chat (self)  -> LeaveChannel
//  3. direct message, policy A -> Reply(AckReplyText)
//  4. direct message, policy B, bot without an outgoing /start in history -> Block
//  5. direct message, policy B -> MuteAndArchive, ForwardToControl, Reply(ReceivedReplyText)
package policy

import (
	"fmt"
	"strings"

	"github.com/tbourn/go-account-warden/internal/domain"
)

const (
	// HistoryLimit is how many recent messages are inspected for a /start.
	HistoryLimit = 20

	// AckReplyText is sent to human senders under policy A.
	AckReplyText = "acknowledged, will respond later"
	// ReceivedReplyText is sent to the original sender under policy B.
	ReceivedReplyText = "received"
	// NoTextContent replaces an empty body when content is forwarded.
	NoTextContent = "[no text content]"

	startCommand = "/start"
)

// Evaluate returns the decision for ev under p. An unknown policy is treated
// as policy A, matching the default for a missing record.
func Evaluate(ev domain.IncomingEvent, p domain.Policy) domain.PolicyDecision {
	if !p.Valid() {
		p = domain.PolicyA
	}
	name := displayName(ev)

	if ev.SenderKind == domain.SenderChannel {
		return decide(fmt.Sprintf("Left channel %s", name), leave())
	}
	if ev.Kind == domain.EventAddedToChat {
		if ev.AddsSelf() {
			return decide(fmt.Sprintf("Left %s after being added to it", name), leave())
		}
		return domain.PolicyDecision{}
	}
	if ev.Kind != domain.EventDirectMessage {
		return domain.PolicyDecision{}
	}

	if p == domain.PolicyA {
		return decide(
			fmt.Sprintf("Message from %s acknowledged", name),
			domain.Action{Kind: domain.ActionReply, Text: AckReplyText},
		)
	}

	if ev.SenderKind == domain.SenderBot && !HasOutgoingStart(ev.History) {
		return decide(
			fmt.Sprintf("Blocked bot %s (no %s found)", name, startCommand),
			domain.Action{Kind: domain.ActionBlock},
		)
	}

	// The forwarded content is itself the notice for this branch.
	return decide("",
		domain.Action{Kind: domain.ActionMuteAndArchive},
		domain.Action{Kind: domain.ActionForwardToControl, Text: ForwardBody(ev.Text)},
		domain.Action{Kind: domain.ActionReply, Text: ReceivedReplyText},
	)
}

// NeedsHistory reports whether Evaluate consults ev.History under p, so the
// caller knows to fetch recent messages before evaluating.
func NeedsHistory(ev domain.IncomingEvent, p domain.Policy) bool {
	return p == domain.PolicyB &&
		ev.Kind == domain.EventDirectMessage &&
		ev.SenderKind == domain.SenderBot
}

// HasOutgoingStart reports whether any of the newest HistoryLimit messages is
// an outgoing /start command. History is ordered newest first.
func HasOutgoingStart(history []domain.HistoryMessage) bool {
	if len(history) > HistoryLimit {
		history = history[:HistoryLimit]
	}
	for _, m := range history {
		if m.Out && strings.HasPrefix(strings.TrimSpace(m.Text), startCommand) {
			return true
		}
	}
	return false
}

// ForwardBody returns text, or NoTextContent when text is blank.
func ForwardBody(text string) string {
	if strings.TrimSpace(text) == "" {
		return NoTextContent
	}
	return text
}

func leave() domain.Action { return domain.Action{Kind: domain.ActionLeaveChannel} }

func decide(notice string, actions ...domain.Action) domain.PolicyDecision {
	return domain.PolicyDecision{Actions: actions, Notice: notice}
}

func displayName(ev domain.IncomingEvent) string {
	if n := strings.TrimSpace(ev.SenderDisplayName); n != "" {
		return n
	}
	return ev.Peer.String()
}
