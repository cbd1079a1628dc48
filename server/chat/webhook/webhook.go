// Package webhook is a chat transport for platforms that push events to the
// relay's HTTP surface and accept replies on a callback URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/teilomillet/relay/server/chat"
	"go.uber.org/zap"
)

// Callback is the JSON body POSTed to the reply URL.
type Callback struct {
	Type      string         `json:"type"` // "reply", "reaction" or "typing"
	ChannelID chat.ChannelID `json:"channel_id"`
	MessageID string         `json:"message_id,omitempty"`
	Text      string         `json:"text,omitempty"`
	Emoji     string         `json:"emoji,omitempty"`
}

// Config configures a Client.
type Config struct {
	ReplyURL       string
	RequestTimeout time.Duration
	// BotName is the author recorded for the bot's own replies
	BotName    string
	Transcript *chat.Transcript
	Logger     *zap.Logger
}

// Client delivers replies by HTTP callback. Mentions reach the relay through
// the server's intake endpoint, so Listen only waits for shutdown.
type Client struct {
	replyURL   string
	botName    string
	httpClient *http.Client
	transcript *chat.Transcript
	logger     *zap.Logger
}

var (
	_ chat.Transport      = (*Client)(nil)
	_ chat.TypingNotifier = (*Client)(nil)
)

// NewClient creates a webhook transport.
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Transcript == nil {
		cfg.Transcript = chat.NewTranscript(200)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BotName == "" {
		cfg.BotName = "relay"
	}
	return &Client{
		replyURL:   cfg.ReplyURL,
		botName:    cfg.BotName,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		transcript: cfg.Transcript,
		logger:     cfg.Logger,
	}
}

// Transcript returns the history store the client serves Fetch from.
func (c *Client) Transcript() *chat.Transcript {
	return c.transcript
}

// Listen blocks until ctx is done.
func (c *Client) Listen(ctx context.Context, _ chat.MentionHandler) error {
	c.logger.Info("Webhook transport ready", zap.String("reply_url", c.replyURL))
	<-ctx.Done()
	return nil
}

func (c *Client) Fetch(ctx context.Context, channel chat.ChannelID, max int) ([]chat.HistoryMessage, error) {
	return c.transcript.Fetch(ctx, channel, max)
}

func (c *Client) Reply(ctx context.Context, ev chat.MentionEvent, text string) error {
	err := c.post(ctx, Callback{Type: "reply", ChannelID: ev.ChannelID, MessageID: ev.MessageID, Text: text})
	if err != nil {
		return err
	}
	c.transcript.Record(ev.ChannelID, c.botName, text)
	return nil
}

func (c *Client) React(ctx context.Context, ev chat.MentionEvent, emoji string) error {
	return c.post(ctx, Callback{Type: "reaction", ChannelID: ev.ChannelID, MessageID: ev.MessageID, Emoji: emoji})
}

func (c *Client) Typing(ctx context.Context, channel chat.ChannelID) error {
	return c.post(ctx, Callback{Type: "typing", ChannelID: channel})
}

func (c *Client) post(ctx context.Context, cb Callback) error {
	body, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("webhook %s: encode: %w", cb.Type, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.replyURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook %s: %w", cb.Type, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s request failed: %w", cb.Type, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: unexpected status %d", cb.Type, resp.StatusCode)
	}
	return nil
}
