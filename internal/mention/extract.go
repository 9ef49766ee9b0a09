// Package mention turns an inbound message into the set of users who now owe
// it a response, and records one obligation per user.
package mention

import (
	"context"
	"fmt"
	"strings"

	kit "stillwaiting/internal/transport"
	logx "stillwaiting/pkg/logx"
)

const DefaultMaxTargets = 20

// Directory resolves broadcast and role mentions to members.
type Directory interface {
	ChannelMembers(ctx context.Context, channelID string) ([]kit.User, error)
	RoleMembers(ctx context.Context, guildID, roleID string) ([]kit.User, error)
}

// Replier posts the size-limit notice back to the triggering message.
type Replier interface {
	Reply(ctx context.Context, to kit.MessageRef, text string) error
}

// Extractor resolves the human targets of a message.
type Extractor struct {
	dir        Directory
	reply      Replier
	log        logx.Logger
	maxTargets int
	notice     string
}

// NewExtractor builds an Extractor. maxTargets <= 0 uses DefaultMaxTargets.
// notice may contain {limit}.
func NewExtractor(dir Directory, reply Replier, maxTargets int, notice string, log logx.Logger) *Extractor {
	if maxTargets <= 0 {
		maxTargets = DefaultMaxTargets
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Extractor{dir: dir, reply: reply, log: log, maxTargets: maxTargets, notice: notice}
}

type broadcast int

const (
	broadcastNone broadcast = iota
	broadcastAll
	broadcastOnline
)

// broadcastKind reads the tag from the message body. The structured flag
// alone cannot tell @everyone from @here.
func broadcastKind(m kit.Message) broadcast {
	if !m.MentionEveryone {
		return broadcastNone
	}
	switch {
	case strings.Contains(m.Content, "@everyone"):
		return broadcastAll
	case strings.Contains(m.Content, "@here"):
		return broadcastOnline
	}
	return broadcastNone
}

// Targets returns the deduplicated human targets of m, excluding the author.
//
// Broadcast members come first, then each role, then direct mentions. When a
// broadcast or role step pushes the running total above the cap, everything
// gathered so far is discarded and one size-limit notice is sent for the
// whole message. Lookup failures skip that step.
func (e *Extractor) Targets(ctx context.Context, m kit.Message) []kit.User {
	var (
		acc      []kit.User
		notified bool
	)
	overflow := func(step string) {
		e.log.Warn("too many mention targets",
			logx.String("message_id", m.ID), logx.String("step", step), logx.Int("count", len(acc)), logx.Int("max", e.maxTargets))
		acc = acc[:0]
		if notified {
			return
		}
		notified = true
		e.sendNotice(ctx, m)
	}

	switch broadcastKind(m) {
	case broadcastAll, broadcastOnline:
		online := broadcastKind(m) == broadcastOnline
		members, err := e.dir.ChannelMembers(ctx, m.ChannelID)
		if err != nil {
			e.log.Warn("channel members lookup failed", logx.String("channel_id", m.ChannelID), logx.Err(err))
			break
		}
		for _, u := range members {
			if online && !u.Online {
				continue
			}
			acc = append(acc, u)
		}
		if len(acc) > e.maxTargets {
			overflow("broadcast")
		}
	}

	for _, roleID := range m.MentionRoles {
		members, err := e.dir.RoleMembers(ctx, m.GuildID, roleID)
		if err != nil {
			e.log.Warn("role members lookup failed", logx.String("role_id", roleID), logx.Err(err))
			continue
		}
		acc = append(acc, members...)
		if len(acc) > e.maxTargets {
			overflow("role:" + roleID)
		}
	}

	acc = append(acc, m.Mentions...)
	return filterTargets(acc, m.Author.ID)
}

func (e *Extractor) sendNotice(ctx context.Context, m kit.Message) {
	if e.reply == nil || strings.TrimSpace(e.notice) == "" {
		return
	}
	text := strings.ReplaceAll(e.notice, "{limit}", fmt.Sprint(e.maxTargets))
	ref := kit.MessageRef{ChannelID: m.ChannelID, MessageID: m.ID, GuildID: m.GuildID}
	if err := e.reply.Reply(ctx, ref, text); err != nil {
		e.log.Warn("size-limit notice failed", logx.String("message_id", m.ID), logx.Err(err))
	}
}

// filterTargets drops bots and the author and dedupes by ID in first-seen order.
func filterTargets(in []kit.User, authorID string) []kit.User {
	seen := make(map[string]struct{}, len(in))
	out := make([]kit.User, 0, len(in))
	for _, u := range in {
		if u.Bot || u.ID == "" || u.ID == authorID {
			continue
		}
		if _, ok := seen[u.ID]; ok {
			continue
		}
		seen[u.ID] = struct{}{}
		out = append(out, u)
	}
	return out
}
