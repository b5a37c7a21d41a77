package notifier

import (
	"time"

	"ticketgrab/internal/notifier/channels"
)

// ChannelsConfig selects and configures the push channels.
type ChannelsConfig = channels.Config

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Message is one notification. Channels restricts delivery to the named
// channels; empty means every active channel.
type Message struct {
	ID       string
	Title    string
	Body     string
	Channels []string
}

type HistoryItem struct {
	At       time.Time
	Title    string
	Channels []string
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Key      string    `json:"key"`
	Channels []string  `json:"channels,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
