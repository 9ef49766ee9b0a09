package transport

import (
	"context"
	"errors"
)

var (
	// ErrNotFound reports that a channel, user, member, or message no longer resolves.
	ErrNotFound = errors.New("not found")
	// ErrForbidden reports that the bot lacks access to the requested entity.
	ErrForbidden = errors.New("forbidden")
)

type UpdateKind string

const (
	UpdateMessage    UpdateKind = "message"
	UpdateReaction   UpdateKind = "reaction"
	UpdateGuildCount UpdateKind = "guild_count"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Reaction *Reaction
	// Guilds is the number of guilds the bot is in (UpdateGuildCount).
	Guilds int
}

type User struct {
	ID       string
	Username string
	Bot      bool
	// Online is the last known presence ("online" only; idle/dnd count as offline).
	Online bool
}

type Message struct {
	ID        string
	ChannelID string
	GuildID   string
	Author    User
	Content   string

	// MentionEveryone is set for both @everyone and @here.
	MentionEveryone bool
	Mentions        []User
	MentionRoles    []string

	// ReferenceID is the message this one replies to, if any.
	ReferenceID string
}

type Reaction struct {
	MessageID string
	ChannelID string
	GuildID   string
	UserID    string
	// Bot is best-effort; adapters fill it from member data when present.
	Bot bool
}

type Channel struct {
	ID      string
	GuildID string
	Name    string
}

type Guild struct {
	ID          string
	Name        string
	HumanCount  int
	MemberCount int
}

type MessageRef struct {
	ChannelID string
	MessageID string
	GuildID   string
}

// Adapter is the chat-platform capability consumed by the bot.
// Every lookup may fail with ErrNotFound, ErrForbidden, or a transient error.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, channelID, text string) (MessageRef, error)
	Reply(ctx context.Context, to MessageRef, text string) (MessageRef, error)

	Channel(ctx context.Context, channelID string) (Channel, error)
	User(ctx context.Context, userID string) (User, error)
	FetchMessage(ctx context.Context, channelID, messageID string) (Message, error)
	ChannelMembers(ctx context.Context, channelID string) ([]User, error)
	RoleMembers(ctx context.Context, guildID, roleID string) ([]User, error)
	CanRead(ctx context.Context, channelID, userID string) (bool, error)
	Guilds(ctx context.Context) ([]Guild, error)
}

// UserMention renders the platform mention markup for a user.
func UserMention(userID string) string { return "<@" + userID + ">" }
