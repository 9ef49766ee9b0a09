// Package fake is an in-memory transport.Adapter for tests.
package fake

import (
	"context"
	"strconv"
	"sync"

	kit "stillwaiting/internal/transport"
)

// Sent is one outbound message recorded by the fake.
type Sent struct {
	ChannelID string
	ReplyTo   string
	Text      string
}

// Adapter keeps channels, users, messages, and memberships in maps.
// Missing entries resolve to kit.ErrNotFound. Err* fields inject failures.
type Adapter struct {
	mu sync.Mutex

	Channels map[string]kit.Channel
	Users    map[string]kit.User
	Messages map[string]kit.Message // key: channelID + "/" + messageID
	Members  map[string][]kit.User  // key: channelID
	Roles    map[string][]kit.User  // key: roleID
	// NoAccess lists channelID + "/" + userID pairs that cannot read.
	NoAccess map[string]bool

	SendErr   error
	LookupErr map[string]error // key: "channel:"+id, "user:"+id, "message:"+id

	Calls map[string]int
	Out   []Sent
	seq   int
}

func New() *Adapter {
	return &Adapter{
		Channels:  map[string]kit.Channel{},
		Users:     map[string]kit.User{},
		Messages:  map[string]kit.Message{},
		Members:   map[string][]kit.User{},
		Roles:     map[string][]kit.User{},
		NoAccess:  map[string]bool{},
		LookupErr: map[string]error{},
		Calls:     map[string]int{},
	}
}

// AddMessage registers the channel, author, and message in one go.
func (a *Adapter) AddMessage(m kit.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.Channels[m.ChannelID]; !ok {
		a.Channels[m.ChannelID] = kit.Channel{ID: m.ChannelID, GuildID: m.GuildID}
	}
	if m.Author.ID != "" {
		a.Users[m.Author.ID] = m.Author
	}
	a.Messages[m.ChannelID+"/"+m.ID] = m
}

func (a *Adapter) AddUser(u kit.User) {
	a.mu.Lock()
	a.Users[u.ID] = u
	a.mu.Unlock()
}

func (a *Adapter) CallCount(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Calls[name]
}

func (a *Adapter) Sent() []Sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Sent(nil), a.Out...)
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *Adapter) Stop(ctx context.Context) error                        { return nil }

func (a *Adapter) SendText(ctx context.Context, channelID, text string) (kit.MessageRef, error) {
	return a.post(channelID, "", text)
}

func (a *Adapter) Reply(ctx context.Context, to kit.MessageRef, text string) (kit.MessageRef, error) {
	return a.post(to.ChannelID, to.MessageID, text)
}

func (a *Adapter) post(channelID, replyTo, text string) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls["send"]++
	if a.SendErr != nil {
		return kit.MessageRef{}, a.SendErr
	}
	a.seq++
	a.Out = append(a.Out, Sent{ChannelID: channelID, ReplyTo: replyTo, Text: text})
	return kit.MessageRef{ChannelID: channelID, MessageID: "sent-" + strconv.Itoa(a.seq)}, nil
}

func (a *Adapter) Channel(ctx context.Context, channelID string) (kit.Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls["channel"]++
	if err := a.LookupErr["channel:"+channelID]; err != nil {
		return kit.Channel{}, err
	}
	ch, ok := a.Channels[channelID]
	if !ok {
		return kit.Channel{}, kit.ErrNotFound
	}
	return ch, nil
}

func (a *Adapter) User(ctx context.Context, userID string) (kit.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls["user"]++
	if err := a.LookupErr["user:"+userID]; err != nil {
		return kit.User{}, err
	}
	u, ok := a.Users[userID]
	if !ok {
		return kit.User{}, kit.ErrNotFound
	}
	return u, nil
}

func (a *Adapter) FetchMessage(ctx context.Context, channelID, messageID string) (kit.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls["message"]++
	if err := a.LookupErr["message:"+messageID]; err != nil {
		return kit.Message{}, err
	}
	m, ok := a.Messages[channelID+"/"+messageID]
	if !ok {
		return kit.Message{}, kit.ErrNotFound
	}
	return m, nil
}

func (a *Adapter) ChannelMembers(ctx context.Context, channelID string) ([]kit.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls["members"]++
	return append([]kit.User(nil), a.Members[channelID]...), nil
}

func (a *Adapter) RoleMembers(ctx context.Context, guildID, roleID string) ([]kit.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls["role"]++
	return append([]kit.User(nil), a.Roles[roleID]...), nil
}

func (a *Adapter) CanRead(ctx context.Context, channelID, userID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls["can_read"]++
	return !a.NoAccess[channelID+"/"+userID], nil
}

func (a *Adapter) Guilds(ctx context.Context) ([]kit.Guild, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls["guilds"]++
	seen := map[string]bool{}
	var out []kit.Guild
	for _, ch := range a.Channels {
		if ch.GuildID == "" || seen[ch.GuildID] {
			continue
		}
		seen[ch.GuildID] = true
		n := 0
		for _, u := range a.Users {
			if !u.Bot {
				n++
			}
		}
		out = append(out, kit.Guild{ID: ch.GuildID, HumanCount: n, MemberCount: len(a.Users)})
	}
	return out, nil
}

var _ kit.Adapter = (*Adapter)(nil)
