package discord

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"

	kit "stillwaiting/internal/transport"
)

// TextLimit is the longest message content Discord accepts, in runes.
const TextLimit = 2000

func convertUser(u *discordgo.User) kit.User {
	if u == nil {
		return kit.User{}
	}
	return kit.User{ID: u.ID, Username: u.Username, Bot: u.Bot}
}

func convertMessage(m *discordgo.Message) kit.Message {
	out := kit.Message{
		ID:              m.ID,
		ChannelID:       m.ChannelID,
		GuildID:         m.GuildID,
		Author:          convertUser(m.Author),
		Content:         m.Content,
		MentionEveryone: m.MentionEveryone,
		MentionRoles:    append([]string(nil), m.MentionRoles...),
	}
	for _, u := range m.Mentions {
		if u != nil {
			out.Mentions = append(out.Mentions, convertUser(u))
		}
	}
	if m.MessageReference != nil {
		out.ReferenceID = m.MessageReference.MessageID
	}
	return out
}

// classify maps discordgo failures onto the transport sentinels so callers
// can tell "gone" from "try again later".
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, discordgo.ErrStateNotFound) {
		return fmt.Errorf("%w: %v", kit.ErrNotFound, err)
	}
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) && rerr.Response != nil {
		switch rerr.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", kit.ErrNotFound, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", kit.ErrForbidden, err)
		}
	}
	return err
}
