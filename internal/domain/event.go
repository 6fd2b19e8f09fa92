package domain

import (
	"strconv"
	"time"
)

// EventKind classifies an inbound occurrence on the secondary account.
type EventKind string

const (
	EventDirectMessage EventKind = "direct_message"
	EventChannelPost   EventKind = "channel_post"
	EventAddedToChat   EventKind = "added_to_chat"
)

// SenderKind classifies the peer an event originates from.
type SenderKind string

const (
	SenderUser    SenderKind = "user"
	SenderBot     SenderKind = "bot"
	SenderChannel SenderKind = "channel"
	SenderGroup   SenderKind = "group"
)

// PeerRef is an opaque provider reference to a chat or user, carrying what
// the provider needs to address it again.
type PeerRef struct {
	Kind       SenderKind `json:"kind"`
	ID         int64      `json:"id"`
	AccessHash int64      `json:"-"`
}

// String renders the peer for logs and journal entries.
func (p PeerRef) String() string {
	return string(p.Kind) + ":" + strconv.FormatInt(p.ID, 10)
}

// HistoryMessage is one previously exchanged message with a peer.
type HistoryMessage struct {
	ID   int    `json:"id"`
	Out  bool   `json:"out"`
	Text string `json:"text"`
}

// IncomingEvent is one inbound occurrence delivered by a provider
// subscription. Values are treated as immutable once produced; History is
// filled by the session before evaluation when the policy needs it.
type IncomingEvent struct {
	Kind              EventKind  `json:"kind"`
	SenderKind        SenderKind `json:"sender_kind"`
	SenderDisplayName string     `json:"sender_display_name"`
	Text              string     `json:"text,omitempty"`
	Peer              PeerRef    `json:"peer"`
	MessageID         int        `json:"message_id,omitempty"`

	// AddedUserIDs lists the users added by an AddedToChat event; SelfID is
	// the secondary account's own user id.
	AddedUserIDs []int64 `json:"added_user_ids,omitempty"`
	SelfID       int64   `json:"self_id,omitempty"`

	History    []HistoryMessage `json:"history,omitempty"`
	ReceivedAt time.Time        `json:"received_at"`
}

// AddsSelf reports whether an AddedToChat event adds the account itself.
func (e IncomingEvent) AddsSelf() bool {
	if e.Kind != EventAddedToChat || e.SelfID == 0 {
		return false
	}
	for _, id := range e.AddedUserIDs {
		if id == e.SelfID {
			return true
		}
	}
	return false
}

// WithHistory returns a copy of e carrying the given history.
func (e IncomingEvent) WithHistory(h []HistoryMessage) IncomingEvent {
	cp := e
	cp.History = append([]HistoryMessage(nil), h...)
	return cp
}
