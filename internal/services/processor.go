package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-account-warden/internal/domain"
	"github.com/tbourn/go-account-warden/internal/policy"
)

// HistorySource fetches recent messages with a peer.
type HistorySource interface {
	RecentMessages(ctx context.Context, peer domain.PeerRef, limit int) ([]domain.HistoryMessage, error)
}

// EventTarget is what the processor needs from a session.
type EventTarget interface {
	ActionTarget
	HistorySource
}

// EventProcessor evaluates inbound events against the account's current
// policy and executes the decision. The policy is read per event, so a
// policy change takes effect without resubscribing.
type EventProcessor struct {
	Store        ConfigStore
	Exec         *Executor
	HistoryLimit int
}

// Handler binds the processor to one session.
func (p *EventProcessor) Handler(t EventTarget) Handler {
	return func(ctx context.Context, ev domain.IncomingEvent) {
		p.Process(ctx, t, ev)
	}
}

// Process handles one event end to end and returns the action results.
func (p *EventProcessor) Process(ctx context.Context, t EventTarget, ev domain.IncomingEvent) []domain.ActionResult {
	ctx, span := otel.Tracer("services/EventProcessor").Start(ctx, "Process",
		trace.WithAttributes(
			attribute.String("account.id", t.ID().String()),
			attribute.String("event.kind", string(ev.Kind)),
			attribute.String("sender.kind", string(ev.SenderKind)),
		),
	)
	defer span.End()

	eventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	lg := log.With().Str("account_id", t.ID().String()).Str("peer", ev.Peer.String()).Logger()

	rec, err := p.Store.Get(ctx, t.ID())
	if err != nil {
		lg.Warn().Err(err).Msg("policy lookup failed; using default")
		rec = domain.DefaultRecord()
	}

	if policy.NeedsHistory(ev, rec.Policy) {
		limit := p.HistoryLimit
		if limit <= 0 {
			limit = policy.HistoryLimit
		}
		h, err := t.RecentMessages(ctx, ev.Peer, limit)
		if err != nil {
			lg.Error().Err(err).Msg("history lookup failed")
			p.Exec.notify(ctx, t.ID(), fmt.Sprintf("Could not process message from %s: %v", senderName(ev), err))
			return nil
		}
		ev = ev.WithHistory(h)
	}

	d := policy.Evaluate(ev, rec.Policy)
	span.SetAttributes(attribute.Int("decision.actions", len(d.Actions)))
	lg.Debug().Str("policy", string(rec.Policy)).Int("actions", len(d.Actions)).Msg("event evaluated")
	return p.Exec.Execute(ctx, t, ev, d)
}
