package chat

import (
	"context"
	"strings"
	"sync"

	"github.com/eapache/queue/v2"
)

// Transcript keeps the most recent messages observed per channel. It serves
// as the HistorySource for platforms whose API offers no history endpoint.
// Contents are in-memory only.
type Transcript struct {
	mu       sync.RWMutex
	capacity int
	channels map[ChannelID]*queue.Queue[HistoryMessage]
}

// NewTranscript keeps up to capacity messages per channel.
func NewTranscript(capacity int) *Transcript {
	if capacity <= 0 {
		capacity = 1
	}
	return &Transcript{
		capacity: capacity,
		channels: make(map[ChannelID]*queue.Queue[HistoryMessage]),
	}
}

// Record appends a message to the channel's transcript, evicting the oldest
// message once the channel is at capacity. Blank messages are not kept.
func (t *Transcript) Record(channel ChannelID, authorName, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.channels[channel]
	if !ok {
		q = queue.New[HistoryMessage]()
		t.channels[channel] = q
	}
	for q.Length() >= t.capacity {
		q.Remove()
	}
	q.Add(HistoryMessage{AuthorName: authorName, Content: content})
}

// Fetch returns the newest max messages of channel, oldest first.
func (t *Transcript) Fetch(_ context.Context, channel ChannelID, max int) ([]HistoryMessage, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	q, ok := t.channels[channel]
	if !ok || max <= 0 {
		return nil, nil
	}

	n := q.Length()
	start := 0
	if n > max {
		start = n - max
	}
	out := make([]HistoryMessage, 0, n-start)
	for i := start; i < n; i++ {
		msg := q.Get(i)
		msg.Order = len(out)
		out = append(out, msg)
	}
	return out, nil
}

// Len returns the number of messages kept for channel.
func (t *Transcript) Len(channel ChannelID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if q, ok := t.channels[channel]; ok {
		return q.Length()
	}
	return 0
}
