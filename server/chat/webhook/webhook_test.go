package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teilomillet/relay/server/chat"
)

type sink struct {
	mu        sync.Mutex
	callbacks []Callback
	status    int
}

func (s *sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var cb Callback
	_ = json.NewDecoder(r.Body).Decode(&cb)
	s.mu.Lock()
	s.callbacks = append(s.callbacks, cb)
	status := s.status
	s.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
}

func TestCallbacks(t *testing.T) {
	s := &sink{}
	srv := httptest.NewServer(s)
	defer srv.Close()

	c := NewClient(Config{ReplyURL: srv.URL, BotName: "gpt2"})
	ev := chat.MentionEvent{MessageID: "m1", ChannelID: "general", AuthorName: "alice"}
	ctx := context.Background()

	require.NoError(t, c.Reply(ctx, ev, "hello"))
	require.NoError(t, c.React(ctx, ev, "⚠️"))
	require.NoError(t, c.Typing(ctx, "general"))

	assert.Equal(t, []Callback{
		{Type: "reply", ChannelID: "general", MessageID: "m1", Text: "hello"},
		{Type: "reaction", ChannelID: "general", MessageID: "m1", Emoji: "⚠️"},
		{Type: "typing", ChannelID: "general"},
	}, s.callbacks)

	history, err := c.Fetch(ctx, "general", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "gpt2", history[0].AuthorName)
	assert.Equal(t, "hello", history[0].Content)
}

func TestReplyFailure(t *testing.T) {
	s := &sink{status: http.StatusBadGateway}
	srv := httptest.NewServer(s)
	defer srv.Close()

	c := NewClient(Config{ReplyURL: srv.URL})
	err := c.Reply(context.Background(), chat.MentionEvent{ChannelID: "general"}, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	// Failed replies are not history.
	assert.Zero(t, c.Transcript().Len("general"))
}

func TestListenReturnsOnCancel(t *testing.T) {
	c := NewClient(Config{ReplyURL: "http://127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Listen(ctx, nil) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Listen did not return")
	}
}
