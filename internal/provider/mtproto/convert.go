package mtproto

import (
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/tg"

	"github.com/tbourn/go-account-warden/internal/domain"
	"github.com/tbourn/go-account-warden/internal/provider"
)

// toEvent maps a provider message to an IncomingEvent. Outgoing messages,
// basic-group chatter and service messages other than "user added" are
// dropped.
func toEvent(e tg.Entities, m tg.MessageClass, selfID int64) (domain.IncomingEvent, bool) {
	switch msg := m.(type) {
	case *tg.Message:
		if msg.Out {
			return domain.IncomingEvent{}, false
		}
		ev := domain.IncomingEvent{
			Text:       msg.Message,
			MessageID:  msg.ID,
			ReceivedAt: unixTime(msg.Date),
		}
		switch p := msg.PeerID.(type) {
		case *tg.PeerUser:
			ev.Kind = domain.EventDirectMessage
			ev.SenderKind = domain.SenderUser
			ev.Peer = domain.PeerRef{Kind: domain.SenderUser, ID: p.UserID}
			if u, ok := e.Users[p.UserID]; ok {
				ev.Peer.AccessHash = u.AccessHash
				ev.SenderDisplayName = userName(u)
				if u.Bot {
					ev.SenderKind = domain.SenderBot
					ev.Peer.Kind = domain.SenderBot
				}
			}
		case *tg.PeerChannel:
			ev.Kind = domain.EventChannelPost
			ev.SenderKind = domain.SenderChannel
			ev.Peer = channelPeer(e, p.ChannelID)
			ev.SenderDisplayName = channelTitle(e, p.ChannelID)
		default:
			return domain.IncomingEvent{}, false
		}
		return ev, true

	case *tg.MessageService:
		add, ok := msg.Action.(*tg.MessageActionChatAddUser)
		if !ok {
			return domain.IncomingEvent{}, false
		}
		ev := domain.IncomingEvent{
			Kind:         domain.EventAddedToChat,
			MessageID:    msg.ID,
			AddedUserIDs: append([]int64(nil), add.Users...),
			SelfID:       selfID,
			ReceivedAt:   unixTime(msg.Date),
		}
		switch p := msg.PeerID.(type) {
		case *tg.PeerChat:
			ev.SenderKind = domain.SenderGroup
			ev.Peer = domain.PeerRef{Kind: domain.SenderGroup, ID: p.ChatID}
			if c, ok := e.Chats[p.ChatID]; ok {
				ev.SenderDisplayName = c.Title
			}
		case *tg.PeerChannel:
			ev.SenderKind = domain.SenderChannel
			ev.Peer = channelPeer(e, p.ChannelID)
			ev.SenderDisplayName = channelTitle(e, p.ChannelID)
		default:
			return domain.IncomingEvent{}, false
		}
		return ev, true
	}
	return domain.IncomingEvent{}, false
}

func channelPeer(e tg.Entities, id int64) domain.PeerRef {
	ref := domain.PeerRef{Kind: domain.SenderChannel, ID: id}
	if ch, ok := e.Channels[id]; ok {
		ref.AccessHash = ch.AccessHash
	}
	return ref
}

func channelTitle(e tg.Entities, id int64) string {
	if ch, ok := e.Channels[id]; ok {
		return ch.Title
	}
	return ""
}

// inputPeer addresses ref in provider requests.
func inputPeer(ref domain.PeerRef) (tg.InputPeerClass, error) {
	switch ref.Kind {
	case domain.SenderUser, domain.SenderBot:
		return &tg.InputPeerUser{UserID: ref.ID, AccessHash: ref.AccessHash}, nil
	case domain.SenderChannel:
		return &tg.InputPeerChannel{ChannelID: ref.ID, AccessHash: ref.AccessHash}, nil
	case domain.SenderGroup:
		return &tg.InputPeerChat{ChatID: ref.ID}, nil
	}
	return nil, fmt.Errorf("%w: %q", provider.ErrUnsupportedPeer, ref.Kind)
}

func historyOf(res tg.MessagesMessagesClass) []domain.HistoryMessage {
	var msgs []tg.MessageClass
	switch r := res.(type) {
	case *tg.MessagesMessages:
		msgs = r.Messages
	case *tg.MessagesMessagesSlice:
		msgs = r.Messages
	case *tg.MessagesChannelMessages:
		msgs = r.Messages
	}
	out := make([]domain.HistoryMessage, 0, len(msgs))
	for _, mc := range msgs {
		if m, ok := mc.(*tg.Message); ok {
			out = append(out, domain.HistoryMessage{ID: m.ID, Out: m.Out, Text: m.Message})
		}
	}
	return out
}

func userName(u *tg.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" && u.Username != "" {
		name = "@" + u.Username
	}
	return name
}

func unixTime(sec int) time.Time {
	if sec == 0 {
		return time.Now().UTC()
	}
	return time.Unix(int64(sec), 0).UTC()
}
