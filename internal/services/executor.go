// Package services – Executor
//
// Executor carries out a PolicyDecision. Every action is attempted on its
// own: a failure is logged, journaled and relayed to the control
// conversation naming the peer, and the next action still runs. Once the
// session context is cancelled remaining actions are Skipped, never issued.
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-account-warden/internal/domain"
	"github.com/tbourn/go-account-warden/internal/provider"
	"github.com/tbourn/go-account-warden/internal/repo"
)

// NotificationRelay delivers a text notice to the account's control
// conversation.
type NotificationRelay interface {
	Notify(ctx context.Context, id domain.AccountID, text string) error
}

// ActionJournal records action outcomes for audit.
type ActionJournal interface {
	Record(ctx context.Context, id domain.AccountID, peer domain.PeerRef, res domain.ActionResult) error
}

// ActionTarget performs provider actions for one account.
type ActionTarget interface {
	ID() domain.AccountID
	Apply(ctx context.Context, ev domain.IncomingEvent, a domain.Action) error
}

// RepoJournal is an ActionJournal backed by the action_logs table.
type RepoJournal struct {
	DB *gorm.DB
}

// Record implements ActionJournal.
func (j RepoJournal) Record(ctx context.Context, id domain.AccountID, peer domain.PeerRef, res domain.ActionResult) error {
	_, err := repo.CreateActionLog(ctx, j.DB, id.String(), peer, res)
	return err
}

// Executor runs decisions against a target.
type Executor struct {
	Relay   NotificationRelay
	Journal ActionJournal // optional
}

// Execute runs d.Actions in order and returns one result per action. The
// decision notice is relayed when no action failed.
func (x *Executor) Execute(ctx context.Context, t ActionTarget, ev domain.IncomingEvent, d domain.PolicyDecision) []domain.ActionResult {
	results := make([]domain.ActionResult, 0, len(d.Actions))
	failed := false
	for _, a := range d.Actions {
		res := x.run(ctx, t, ev, a)
		results = append(results, res)
		actionsTotal.WithLabelValues(string(a.Kind), string(res.Outcome)).Inc()

		if x.Journal != nil {
			// Journal writes outlive a cancelled session so skips are recorded too.
			if err := x.Journal.Record(context.WithoutCancel(ctx), t.ID(), ev.Peer, res); err != nil {
				log.Warn().Err(err).Str("account_id", t.ID().String()).Msg("journal action")
			}
		}
		if res.Outcome == domain.OutcomeFailed {
			failed = true
			x.notify(ctx, t.ID(), failureNotice(a.Kind, senderName(ev), res.Reason))
		}
	}
	if !failed && d.Notice != "" && ctx.Err() == nil {
		x.notify(ctx, t.ID(), d.Notice)
	}
	return results
}

func (x *Executor) run(ctx context.Context, t ActionTarget, ev domain.IncomingEvent, a domain.Action) domain.ActionResult {
	lg := log.With().Str("account_id", t.ID().String()).Str("action", string(a.Kind)).Str("peer", ev.Peer.String()).Logger()

	if ctx.Err() != nil {
		return domain.ActionResult{Action: a, Outcome: domain.OutcomeSkipped, Reason: ErrSessionClosed.Error()}
	}

	var err error
	if a.Kind == domain.ActionForwardToControl {
		err = x.relay(ctx, t.ID(), fmt.Sprintf("Message from %s:\n\n%s", senderName(ev), a.Text))
	} else {
		err = t.Apply(ctx, ev, a)
	}

	switch {
	case err == nil:
		lg.Info().Msg("action applied")
		return domain.ActionResult{Action: a, Outcome: domain.OutcomeApplied}
	case errors.Is(err, provider.ErrArchiveFailed):
		lg.Warn().Err(err).Msg("muted but archive failed")
		return domain.ActionResult{Action: a, Outcome: domain.OutcomeApplied, Reason: err.Error()}
	case errors.Is(err, ErrSessionClosed), ctx.Err() != nil:
		return domain.ActionResult{Action: a, Outcome: domain.OutcomeSkipped, Reason: ErrSessionClosed.Error()}
	}
	aerr := &ActionError{Action: a.Kind, Peer: ev.Peer, Err: err}
	lg.Error().Err(aerr).Msg("action failed")
	return domain.ActionResult{Action: a, Outcome: domain.OutcomeFailed, Reason: err.Error()}
}

func (x *Executor) relay(ctx context.Context, id domain.AccountID, text string) error {
	if x.Relay == nil {
		return errors.New("no notification relay configured")
	}
	return x.Relay.Notify(ctx, id, text)
}

// notify is best effort; a relay failure is only logged.
func (x *Executor) notify(ctx context.Context, id domain.AccountID, text string) {
	if err := x.relay(ctx, id, text); err != nil {
		log.Warn().Err(err).Str("account_id", id.String()).Msg("relay notice")
	}
}

func failureNotice(kind domain.ActionKind, name, reason string) string {
	switch kind {
	case domain.ActionLeaveChannel:
		return fmt.Sprintf("Failed to leave %s: %s", name, reason)
	case domain.ActionBlock:
		return fmt.Sprintf("Failed to block bot %s: %s", name, reason)
	case domain.ActionMuteAndArchive:
		return fmt.Sprintf("Failed to mute chat with %s: %s", name, reason)
	case domain.ActionForwardToControl:
		return fmt.Sprintf("Failed to forward message from %s: %s", name, reason)
	case domain.ActionReply:
		return fmt.Sprintf("Failed to reply to %s: %s", name, reason)
	}
	return fmt.Sprintf("Action %s on %s failed: %s", kind, name, reason)
}

func senderName(ev domain.IncomingEvent) string {
	if ev.SenderDisplayName != "" {
		return ev.SenderDisplayName
	}
	return ev.Peer.String()
}
