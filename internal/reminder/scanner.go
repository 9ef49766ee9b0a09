// Package reminder runs the expiry scan: it validates expired obligations,
// sends one batched reminder per channel, and deletes what it handled.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stillwaiting/internal/eventbus"
	"stillwaiting/internal/storage"
	kit "stillwaiting/internal/transport"
	logx "stillwaiting/pkg/logx"
)

// Lookup is the read side of the platform adapter used for validation.
type Lookup interface {
	Channel(ctx context.Context, channelID string) (kit.Channel, error)
	User(ctx context.Context, userID string) (kit.User, error)
	FetchMessage(ctx context.Context, channelID, messageID string) (kit.Message, error)
	CanRead(ctx context.Context, channelID, userID string) (bool, error)
}

// Sender delivers a rendered reminder. The notifier satisfies it.
type Sender interface {
	SendText(ctx context.Context, channelID, text string) error
}

type Config struct {
	Threshold time.Duration
	Templates Templates
}

// Result summarizes one tick.
type Result struct {
	Expired    int
	Invalid    int
	Skipped    int
	Duplicates int
	Reminded   int
	Sends      int
	SendErrors int
}

// Dropped is the payload of eventbus.ObligationDropped.
type Dropped struct {
	Obligation storage.Obligation
	Reason     string
}

type Scanner struct {
	store  storage.Obligations
	lookup Lookup
	send   Sender
	bus    eventbus.Bus
	log    logx.Logger

	mu  sync.Mutex
	cfg Config
}

func New(cfg Config, store storage.Obligations, lookup Lookup, send Sender, bus eventbus.Bus, log logx.Logger) *Scanner {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scanner{store: store, lookup: lookup, send: send, bus: bus, log: log, cfg: cfg}
}

// Apply swaps threshold and templates; it takes effect on the next tick.
func (s *Scanner) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Scanner) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Tick runs one scan. It returns an error only when the tick was aborted;
// per-obligation failures are logged and counted in Result.
func (s *Scanner) Tick(ctx context.Context) (res Result, err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("reminder: tick panic: %v", rec)
			s.log.Error("tick aborted", logx.Any("panic", rec))
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.ReminderTick, Count: res.Reminded, Data: res})
	}()

	cfg := s.config()
	expired, err := s.store.ExpiredObligations(ctx, cfg.Threshold)
	if err != nil {
		s.log.Error("expired query failed", logx.Err(err))
		return res, err
	}
	res.Expired = len(expired)
	if len(expired) == 0 {
		return res, nil
	}

	v := newValidation(s.lookup)
	seen := make(map[[2]string]struct{}, len(expired))
	groups := map[string][]item{}
	var order []string

	for _, ob := range expired {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		key := [2]string{ob.MessageID, ob.UserID}
		if _, dup := seen[key]; dup {
			res.Duplicates++
			continue
		}
		guildID, reason, verr := v.check(ctx, ob)
		if verr != nil {
			res.Skipped++
			s.log.Warn("validation failed, retrying next tick",
				logx.String("message_id", ob.MessageID), logx.String("user_id", ob.UserID), logx.Err(verr))
			continue
		}
		seen[key] = struct{}{}
		if reason != "" {
			res.Invalid++
			s.drop(ctx, ob, reason)
			continue
		}
		if _, ok := groups[ob.ChannelID]; !ok {
			order = append(order, ob.ChannelID)
		}
		groups[ob.ChannelID] = append(groups[ob.ChannelID], item{ob: ob, guildID: guildID})
	}

	for _, channelID := range order {
		items := groups[channelID]
		text := render(cfg.Templates, items)
		res.Sends++
		if serr := s.send.SendText(ctx, channelID, text); serr != nil {
			res.SendErrors++
			s.log.Error("reminder send failed", logx.String("channel_id", channelID), logx.Int("obligations", len(items)), logx.Err(serr))
		} else {
			s.log.Info("reminder sent", logx.String("channel_id", channelID), logx.Int("obligations", len(items)))
		}
		// Delivered or not, the obligations are consumed.
		for _, it := range items {
			if derr := s.store.DeleteObligation(ctx, it.ob.MessageID, it.ob.UserID); derr != nil {
				s.log.Warn("delete after reminder failed", logx.String("message_id", it.ob.MessageID), logx.String("user_id", it.ob.UserID), logx.Err(derr))
				continue
			}
			res.Reminded++
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.ObligationReminded, Count: len(items), Data: channelID})
	}

	s.log.Info("tick done",
		logx.Int("expired", res.Expired), logx.Int("reminded", res.Reminded), logx.Int("invalid", res.Invalid),
		logx.Int("skipped", res.Skipped), logx.Int("send_errors", res.SendErrors), logx.Duration("took", time.Since(start)))
	return res, nil
}

// Run adapts Tick to a scheduler job.
func (s *Scanner) Run(ctx context.Context) error {
	_, err := s.Tick(ctx)
	return err
}

func (s *Scanner) drop(ctx context.Context, ob storage.Obligation, reason string) {
	s.log.Info("dropping invalid obligation",
		logx.String("message_id", ob.MessageID), logx.String("channel_id", ob.ChannelID), logx.String("user_id", ob.UserID), logx.String("reason", reason))
	if err := s.store.DeleteObligation(ctx, ob.MessageID, ob.UserID); err != nil {
		s.log.Warn("delete invalid obligation failed", logx.String("message_id", ob.MessageID), logx.String("user_id", ob.UserID), logx.Err(err))
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.ObligationDropped, Count: 1, Data: Dropped{Obligation: ob, Reason: reason}})
}

// validation caches invalid keys for the duration of one tick.
type validation struct {
	lookup   Lookup
	channels map[string]string // channelID -> guildID for valid channels
	badChan  map[string]bool
	badUser  map[string]bool
	badMsg   map[string]bool
	badPair  map[[2]string]bool
}

func newValidation(l Lookup) *validation {
	return &validation{
		lookup:   l,
		channels: map[string]string{},
		badChan:  map[string]bool{},
		badUser:  map[string]bool{},
		badMsg:   map[string]bool{},
		badPair:  map[[2]string]bool{},
	}
}

// check returns a non-empty reason when ob can never be delivered, or an
// error when validity could not be decided.
func (v *validation) check(ctx context.Context, ob storage.Obligation) (guildID, reason string, err error) {
	pair := [2]string{ob.ChannelID, ob.UserID}
	switch {
	case v.badChan[ob.ChannelID]:
		return "", "channel", nil
	case v.badUser[ob.UserID]:
		return "", "user", nil
	case v.badMsg[ob.MessageID]:
		return "", "message", nil
	case v.badPair[pair]:
		return "", "access", nil
	}

	guildID, ok := v.channels[ob.ChannelID]
	if !ok {
		ch, err := v.lookup.Channel(ctx, ob.ChannelID)
		if invalid(err) {
			v.badChan[ob.ChannelID] = true
			return "", "channel", nil
		}
		if err != nil {
			return "", "", err
		}
		guildID = ch.GuildID
		v.channels[ob.ChannelID] = guildID
	}

	if _, err := v.lookup.User(ctx, ob.UserID); invalid(err) {
		v.badUser[ob.UserID] = true
		return "", "user", nil
	} else if err != nil {
		return "", "", err
	}

	if _, err := v.lookup.FetchMessage(ctx, ob.ChannelID, ob.MessageID); invalid(err) {
		v.badMsg[ob.MessageID] = true
		return "", "message", nil
	} else if err != nil {
		return "", "", err
	}

	canRead, err := v.lookup.CanRead(ctx, ob.ChannelID, ob.UserID)
	if invalid(err) || (err == nil && !canRead) {
		v.badPair[pair] = true
		return "", "access", nil
	}
	if err != nil {
		return "", "", err
	}
	return guildID, "", nil
}

func invalid(err error) bool {
	return errors.Is(err, kit.ErrNotFound) || errors.Is(err, kit.ErrForbidden)
}
