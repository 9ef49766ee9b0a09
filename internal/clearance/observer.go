// Package clearance deletes obligations once the owing user engages.
package clearance

import (
	"context"

	"stillwaiting/internal/eventbus"
	"stillwaiting/internal/storage"
	kit "stillwaiting/internal/transport"
	logx "stillwaiting/pkg/logx"
)

// MessageFetcher resolves the message a reaction was added to.
type MessageFetcher interface {
	FetchMessage(ctx context.Context, channelID, messageID string) (kit.Message, error)
}

// Cleared is the event payload for eventbus.ObligationCleared.
type Cleared struct {
	ChannelID string
	MessageID string // empty for channel-scope clears
	UserID    string
	Reason    string // "message" | "reply" | "reaction"
}

// Observer never returns errors; failures are logged and swallowed so the
// dispatch loop keeps running.
type Observer struct {
	store storage.Obligations
	msgs  MessageFetcher
	bus   eventbus.Bus
	log   logx.Logger
}

func New(store storage.Obligations, msgs MessageFetcher, bus eventbus.Bus, log logx.Logger) *Observer {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Observer{store: store, msgs: msgs, bus: bus, log: log}
}

// OnMessage clears everything the author owes in the message's channel or
// thread, plus the obligation on the message it replies to.
func (o *Observer) OnMessage(ctx context.Context, m kit.Message) {
	defer o.catch("message", m.ID)
	if m.Author.Bot || m.Author.ID == "" {
		return
	}
	n, err := o.store.DeleteChannelObligations(ctx, m.ChannelID, m.Author.ID)
	if err != nil {
		o.log.Warn("channel clearance failed", logx.String("channel_id", m.ChannelID), logx.String("user_id", m.Author.ID), logx.Err(err))
	} else if n > 0 {
		o.log.Debug("obligations cleared", logx.String("channel_id", m.ChannelID), logx.String("user_id", m.Author.ID), logx.Int("count", n))
		o.bus.Publish(eventbus.Event{Type: eventbus.ObligationCleared, Count: n,
			Data: Cleared{ChannelID: m.ChannelID, UserID: m.Author.ID, Reason: "message"}})
	}

	// A thread started from a message shares that message's ID.
	for _, ref := range []string{m.ReferenceID, m.ChannelID} {
		if ref == "" || ref == m.ID {
			continue
		}
		o.clearOne(ctx, m.ChannelID, ref, m.Author.ID, "reply")
	}
}

// OnReaction clears the reactor's obligation on the reacted message.
// Bot reactions and reactions by the message's own author are ignored.
func (o *Observer) OnReaction(ctx context.Context, r kit.Reaction) {
	defer o.catch("reaction", r.MessageID)
	if r.Bot || r.UserID == "" {
		return
	}
	if o.msgs != nil {
		m, err := o.msgs.FetchMessage(ctx, r.ChannelID, r.MessageID)
		if err != nil {
			o.log.Debug("reaction message lookup failed", logx.String("message_id", r.MessageID), logx.Err(err))
			return
		}
		if m.Author.ID == r.UserID {
			return
		}
	}
	o.clearOne(ctx, r.ChannelID, r.MessageID, r.UserID, "reaction")
}

func (o *Observer) clearOne(ctx context.Context, channelID, messageID, userID, reason string) {
	ok, err := o.store.ObligationExists(ctx, messageID, userID)
	if err != nil {
		o.log.Warn("obligation lookup failed", logx.String("message_id", messageID), logx.String("user_id", userID), logx.Err(err))
		return
	}
	if !ok {
		return
	}
	if err := o.store.DeleteObligation(ctx, messageID, userID); err != nil {
		o.log.Warn("clearance failed", logx.String("message_id", messageID), logx.String("user_id", userID), logx.Err(err))
		return
	}
	o.log.Debug("obligation cleared", logx.String("message_id", messageID), logx.String("user_id", userID), logx.String("reason", reason))
	o.bus.Publish(eventbus.Event{Type: eventbus.ObligationCleared, Count: 1,
		Data: Cleared{ChannelID: channelID, MessageID: messageID, UserID: userID, Reason: reason}})
}

func (o *Observer) catch(kind, id string) {
	if rec := recover(); rec != nil {
		o.log.Error("clearance panic", logx.String("kind", kind), logx.String("id", id), logx.Any("panic", rec))
	}
}
