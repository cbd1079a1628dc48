package mocks

import (
	"context"
	"sync"

	"github.com/teilomillet/relay/server/chat"
)

// Reply is a reply captured by MockTransport.
type Reply struct {
	Event chat.MentionEvent
	Text  string
}

// Reaction is a reaction captured by MockTransport.
type Reaction struct {
	Event chat.MentionEvent
	Emoji string
}

// MockTransport implements chat.Transport and chat.TypingNotifier in memory.
// Set the *Err fields to make the corresponding call fail.
type MockTransport struct {
	mu sync.Mutex

	History    map[chat.ChannelID][]chat.HistoryMessage
	HistoryErr error
	ReplyErr   error
	ReactErr   error
	TypingErr  error

	// OnReply, when set, runs before a reply is recorded
	OnReply func(event chat.MentionEvent, text string)

	replies   []Reply
	reactions []Reaction
	typing    []chat.ChannelID
	fetches   []int

	events chan chat.MentionEvent
}

var (
	_ chat.Transport      = (*MockTransport)(nil)
	_ chat.TypingNotifier = (*MockTransport)(nil)
)

// NewMockTransport returns an empty transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		History: make(map[chat.ChannelID][]chat.HistoryMessage),
		events:  make(chan chat.MentionEvent, 16),
	}
}

// Emit queues an event for Listen to deliver.
func (m *MockTransport) Emit(ev chat.MentionEvent) {
	m.events <- ev
}

// Fetch returns the newest max messages of the channel, oldest first.
func (m *MockTransport) Fetch(ctx context.Context, channel chat.ChannelID, max int) ([]chat.HistoryMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches = append(m.fetches, max)
	if m.HistoryErr != nil {
		return nil, m.HistoryErr
	}
	h := m.History[channel]
	if max >= 0 && len(h) > max {
		h = h[len(h)-max:]
	}
	return append([]chat.HistoryMessage(nil), h...), nil
}

func (m *MockTransport) Reply(ctx context.Context, event chat.MentionEvent, text string) error {
	if m.OnReply != nil {
		m.OnReply(event, text)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReplyErr != nil {
		return m.ReplyErr
	}
	m.replies = append(m.replies, Reply{Event: event, Text: text})
	return nil
}

func (m *MockTransport) React(ctx context.Context, event chat.MentionEvent, emoji string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReactErr != nil {
		return m.ReactErr
	}
	m.reactions = append(m.reactions, Reaction{Event: event, Emoji: emoji})
	return nil
}

func (m *MockTransport) Typing(ctx context.Context, channel chat.ChannelID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing = append(m.typing, channel)
	return m.TypingErr
}

// Listen delivers emitted events until ctx is done.
func (m *MockTransport) Listen(ctx context.Context, handle chat.MentionHandler) error {
	for {
		select {
		case ev := <-m.events:
			_ = handle(ctx, ev)
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *MockTransport) Replies() []Reply {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Reply(nil), m.replies...)
}

func (m *MockTransport) Reactions() []Reaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Reaction(nil), m.reactions...)
}

func (m *MockTransport) TypingCalls() []chat.ChannelID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.ChannelID(nil), m.typing...)
}

// Fetches returns the max argument of every Fetch call.
func (m *MockTransport) Fetches() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.fetches...)
}
