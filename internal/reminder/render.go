package reminder

import (
	"strings"

	"stillwaiting/internal/storage"
	kit "stillwaiting/internal/transport"
)

// Templates shape the reminder text. Line may use {user_mention} and
// {message_link}.
type Templates struct {
	Header string
	Line   string
	Footer string
}

// MessageLink builds the jump URL for a message.
func MessageLink(guildID, channelID, messageID string) string {
	if guildID == "" {
		guildID = "@me"
	}
	return "https://discord.com/channels/" + guildID + "/" + channelID + "/" + messageID
}

type item struct {
	ob      storage.Obligation
	guildID string
}

func render(t Templates, items []item) string {
	var b strings.Builder
	b.WriteString(t.Header)
	for _, it := range items {
		r := strings.NewReplacer(
			"{user_mention}", kit.UserMention(it.ob.UserID),
			"{message_link}", MessageLink(it.guildID, it.ob.ChannelID, it.ob.MessageID),
		)
		b.WriteString(r.Replace(t.Line))
	}
	b.WriteString(t.Footer)
	return b.String()
}
