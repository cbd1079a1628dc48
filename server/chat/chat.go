// Package chat defines the contracts between the relay and a chat platform:
// the mention events it receives, the history it reads, and the replies it sends.
package chat

import (
	"context"
	"time"
)

// ChannelID identifies a channel. It is the key for all per-channel state.
type ChannelID string

// MentionEvent is a message that mentions the bot.
type MentionEvent struct {
	// MessageID is the platform id of the mentioning message; replies thread onto it
	MessageID string `json:"message_id" validate:"required"`

	ChannelID ChannelID `json:"channel_id" validate:"required"`

	// ChannelName is used for logging only
	ChannelName string `json:"channel_name,omitempty"`

	AuthorID   string `json:"author_id,omitempty"`
	AuthorName string `json:"author_name" validate:"required"`

	// Text is the raw message text, bot mention markers included
	Text string `json:"text"`

	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// HistoryMessage is one message of a channel transcript.
type HistoryMessage struct {
	AuthorName string
	Content    string
	// Order is the arrival order within the fetched snapshot, oldest first
	Order int
}

// HistorySource reads recent channel history.
type HistorySource interface {
	// Fetch returns at most max messages, oldest first.
	Fetch(ctx context.Context, channel ChannelID, max int) ([]HistoryMessage, error)
}

// Replier delivers output back to the chat platform.
type Replier interface {
	// Reply posts text as a reply to the mention.
	Reply(ctx context.Context, event MentionEvent, text string) error
	// React adds an emoji reaction to the mention.
	React(ctx context.Context, event MentionEvent, emoji string) error
}

// TypingNotifier shows a "typing" indicator in a channel. Optional for transports.
type TypingNotifier interface {
	Typing(ctx context.Context, channel ChannelID) error
}

// MentionHandler receives mention events from a transport.
type MentionHandler func(ctx context.Context, event MentionEvent) error

// Transport is a chat platform connection.
type Transport interface {
	HistorySource
	Replier
	// Listen delivers mentions to handle until ctx is done.
	Listen(ctx context.Context, handle MentionHandler) error
}
