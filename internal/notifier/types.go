package notifier

import "time"

// Config controls outbound pacing and retry.
type Config struct {
	// MinInterval is the minimum spacing between two outbound messages. 0 disables pacing.
	MinInterval   time.Duration
	// MaxLength is the longest single platform message, in runes. Longer text is split.
	MaxLength     int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

type HistoryItem struct {
	At        time.Time
	ChannelID string
	Text      string
	Error     string
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	ChannelID string    `json:"channel_id"`
	Reply     bool      `json:"reply,omitempty"`
	Attempts  int       `json:"attempts"`
	Chunks    int       `json:"chunks"` // chunks delivered
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}
