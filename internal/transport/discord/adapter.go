package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	rtsup "stillwaiting/internal/runtime/supervisor"
	kit "stillwaiting/internal/transport"
	logx "stillwaiting/pkg/logx"
)

type Config struct {
	Token string
}

type Adapter struct {
	cfg Config
	log logx.Logger

	session *discordgo.Session
	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// sup owns adapter internal goroutines (drop reporter, close on cancel).
	sup *rtsup.Supervisor

	// botFlags caches user ID -> bot flag for events without a member payload.
	botFlags sync.Map

	// droppedUpdates counts updates dropped because the consumer was slower than the gateway.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + strings.TrimSpace(cfg.Token))
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildPresences |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsMessageContent
	s.State.TrackMembers = true
	s.State.TrackPresences = true

	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, session: s}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel. Start() may swap it.
	a.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m == nil || m.Message == nil || m.Author == nil {
			return
		}
		if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
			return
		}
		msg := convertMessage(m.Message)
		a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: &msg})
	})

	a.session.AddHandler(func(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
		if r == nil || r.MessageReaction == nil {
			return
		}
		re := a.convertReaction(r.MessageReaction, r.Member)
		a.sendUpdate(kit.Update{Kind: kit.UpdateReaction, Reaction: &re})
	})

	a.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		a.log.Info("gateway ready", logx.String("user", r.User.Username), logx.Int("guilds", len(r.Guilds)))
		a.sendUpdate(kit.Update{Kind: kit.UpdateGuildCount, Guilds: len(r.Guilds)})
	})

	a.session.AddHandler(func(s *discordgo.Session, g *discordgo.GuildCreate) {
		if g == nil || g.Guild == nil {
			return
		}
		// Large guilds do not ship their member list on create; ask for it (with presences)
		// so @everyone/@here expansion and permission checks can run from state.
		if g.Large {
			if err := s.RequestGuildMembers(g.ID, "", 0, "", true); err != nil {
				a.log.Warn("request guild members failed", logx.String("guild_id", g.ID), logx.Err(err))
			}
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateGuildCount, Guilds: a.guildCount()})
	})

	a.session.AddHandler(func(s *discordgo.Session, g *discordgo.GuildDelete) {
		if g == nil || g.Guild == nil || g.Unavailable {
			return
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateGuildCount, Guilds: a.guildCount()})
	})

	a.session.AddHandler(func(s *discordgo.Session, _ *discordgo.Disconnect) {
		a.log.Info("gateway disconnected")
	})
	a.session.AddHandler(func(s *discordgo.Session, _ *discordgo.Resumed) {
		a.log.Info("gateway resumed")
	})
}

func (a *Adapter) convertReaction(r *discordgo.MessageReaction, member *discordgo.Member) kit.Reaction {
	re := kit.Reaction{
		MessageID: r.MessageID,
		ChannelID: r.ChannelID,
		GuildID:   r.GuildID,
		UserID:    r.UserID,
	}
	if member != nil && member.User != nil {
		re.Bot = member.User.Bot
	} else {
		re.Bot = a.isBot(r.GuildID, r.UserID)
	}
	return re
}

// isBot resolves the bot flag when an event carries no member: guild state
// first, then a user lookup. Results are cached since the flag never changes.
func (a *Adapter) isBot(guildID, userID string) bool {
	if v, ok := a.botFlags.Load(userID); ok {
		return v.(bool)
	}
	var bot bool
	if m, err := a.session.State.Member(guildID, userID); guildID != "" && err == nil && m.User != nil {
		bot = m.User.Bot
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		u, err := a.session.User(userID, discordgo.WithContext(ctx))
		if err != nil {
			a.log.Debug("reactor lookup failed", logx.String("user_id", userID), logx.Err(err))
			return false
		}
		bot = u.Bot
	}
	a.botFlags.Store(userID, bot)
	return bot
}

func (a *Adapter) guildCount() int {
	st := a.session.State
	if st == nil {
		return 0
	}
	st.RLock()
	defer st.RUnlock()
	return len(st.Guilds)
}

func (a *Adapter) sendUpdate(up kit.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.out.Store(out)
	if err := a.session.Open(); err != nil {
		var nilOut chan<- kit.Update
		a.out.Store(nilOut)
		a.runMu.Unlock()
		return fmt.Errorf("discord connect: %w", err)
	}
	a.running = true
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "discord.adapter"))),
		// adapter errors should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// Periodic summary for dropped updates (avoid noisy per-update logs).
	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("gateway.close_on_cancel", func(c context.Context) {
		<-c.Done()
		if err := a.session.Close(); err != nil {
			a.log.Debug("gateway close", logx.Err(err))
		}
	})

	a.log.Info("gateway connected")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", atomic.LoadUint64(&a.droppedUpdates)))
	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("discord stop timed out", logx.Err(err))
			return nil
		}
		a.log.Warn("discord stop error", logx.Err(err))
	}
	return nil
}

// ---- outbound ----

func (a *Adapter) SendText(ctx context.Context, channelID, text string) (kit.MessageRef, error) {
	return a.send(ctx, channelID, text, nil)
}

func (a *Adapter) Reply(ctx context.Context, to kit.MessageRef, text string) (kit.MessageRef, error) {
	ref := &discordgo.MessageReference{MessageID: to.MessageID, ChannelID: to.ChannelID, GuildID: to.GuildID}
	return a.send(ctx, to.ChannelID, text, ref)
}

// send posts exactly one message. Callers split text longer than TextLimit.
func (a *Adapter) send(ctx context.Context, channelID, text string, ref *discordgo.MessageReference) (kit.MessageRef, error) {
	if n := utf8.RuneCountInString(text); n > TextLimit {
		return kit.MessageRef{}, fmt.Errorf("message too long: %d > %d runes", n, TextLimit)
	}
	data := &discordgo.MessageSend{
		Content:   text,
		Reference: ref,
		// Only user pings; never let reminder text fan out to @everyone or roles.
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
		},
	}
	m, err := a.session.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(ctx))
	if err != nil {
		return kit.MessageRef{}, classify(err)
	}
	return kit.MessageRef{ChannelID: m.ChannelID, MessageID: m.ID, GuildID: m.GuildID}, nil
}

// ---- lookups ----

func (a *Adapter) Channel(ctx context.Context, channelID string) (kit.Channel, error) {
	ch, err := a.channel(ctx, channelID)
	if err != nil {
		return kit.Channel{}, err
	}
	return kit.Channel{ID: ch.ID, GuildID: ch.GuildID, Name: ch.Name}, nil
}

func (a *Adapter) channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	if ch, err := a.session.State.Channel(channelID); err == nil && ch != nil {
		return ch, nil
	}
	ch, err := a.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	return ch, nil
}

func (a *Adapter) User(ctx context.Context, userID string) (kit.User, error) {
	u, err := a.session.User(userID, discordgo.WithContext(ctx))
	if err != nil {
		return kit.User{}, classify(err)
	}
	return convertUser(u), nil
}

func (a *Adapter) FetchMessage(ctx context.Context, channelID, messageID string) (kit.Message, error) {
	m, err := a.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return kit.Message{}, classify(err)
	}
	return convertMessage(m), nil
}

// ChannelMembers returns the guild members who can view the channel, with presence.
func (a *Adapter) ChannelMembers(ctx context.Context, channelID string) ([]kit.User, error) {
	ch, err := a.channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	g, err := a.session.State.Guild(ch.GuildID)
	if err != nil {
		return nil, classify(err)
	}
	permChannel := permissionChannelID(ch)

	st := a.session.State
	st.RLock()
	members := append([]*discordgo.Member(nil), g.Members...)
	st.RUnlock()

	out := make([]kit.User, 0, len(members))
	for _, m := range members {
		if m == nil || m.User == nil {
			continue
		}
		perms, err := st.UserChannelPermissions(m.User.ID, permChannel)
		if err != nil || perms&discordgo.PermissionViewChannel == 0 {
			continue
		}
		u := convertUser(m.User)
		if p, err := st.Presence(g.ID, m.User.ID); err == nil && p != nil {
			u.Online = p.Status == discordgo.StatusOnline
		}
		out = append(out, u)
	}
	return out, nil
}

func (a *Adapter) RoleMembers(ctx context.Context, guildID, roleID string) ([]kit.User, error) {
	g, err := a.session.State.Guild(guildID)
	if err != nil {
		return nil, classify(err)
	}
	st := a.session.State
	st.RLock()
	defer st.RUnlock()
	out := make([]kit.User, 0)
	for _, m := range g.Members {
		if m == nil || m.User == nil {
			continue
		}
		for _, r := range m.Roles {
			if r == roleID {
				out = append(out, convertUser(m.User))
				break
			}
		}
	}
	return out, nil
}

func (a *Adapter) CanRead(ctx context.Context, channelID, userID string) (bool, error) {
	ch, err := a.channel(ctx, channelID)
	if err != nil {
		return false, err
	}
	permChannel := permissionChannelID(ch)
	perms, err := a.session.State.UserChannelPermissions(userID, permChannel)
	if err != nil {
		perms, err = a.session.UserChannelPermissions(userID, permChannel, discordgo.WithContext(ctx))
		if err != nil {
			return false, classify(err)
		}
	}
	return perms&discordgo.PermissionViewChannel != 0, nil
}

func (a *Adapter) Guilds(ctx context.Context) ([]kit.Guild, error) {
	_ = ctx
	st := a.session.State
	st.RLock()
	defer st.RUnlock()
	out := make([]kit.Guild, 0, len(st.Guilds))
	for _, g := range st.Guilds {
		humans := 0
		for _, m := range g.Members {
			if m != nil && m.User != nil && !m.User.Bot {
				humans++
			}
		}
		out = append(out, kit.Guild{ID: g.ID, Name: g.Name, HumanCount: humans, MemberCount: g.MemberCount})
	}
	return out, nil
}

// Threads carry no permission overwrites of their own; access follows the parent.
func permissionChannelID(ch *discordgo.Channel) string {
	if ch.IsThread() && ch.ParentID != "" {
		return ch.ParentID
	}
	return ch.ID
}
