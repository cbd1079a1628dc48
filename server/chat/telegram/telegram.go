// Package telegram is a chat transport over the Telegram Bot API. Updates are
// read by long polling; history is served from an in-memory transcript of
// the messages the bot has seen, since the Bot API has no history endpoint.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/teilomillet/relay/server/chat"
	"go.uber.org/zap"
)

// DefaultAPIBase is the public Bot API endpoint.
const DefaultAPIBase = "https://api.telegram.org"

// maxMessageRunes is the Bot API limit for message text.
const maxMessageRunes = 4096

// Config configures a Client.
type Config struct {
	Token          string
	APIBase        string
	PollTimeout    time.Duration
	RequestTimeout time.Duration
	// BotUsername is the bot's handle without the leading @
	BotUsername string
	Transcript  *chat.Transcript
	Logger      *zap.Logger
}

// Client is a chat.Transport for Telegram.
type Client struct {
	apiBase     string
	httpClient  *http.Client
	pollTimeout time.Duration
	botUsername string
	transcript  *chat.Transcript
	logger      *zap.Logger
	offset      int64
}

var (
	_ chat.Transport      = (*Client)(nil)
	_ chat.TypingNotifier = (*Client)(nil)
)

// NewClient creates a Telegram client.
func NewClient(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Transcript == nil {
		cfg.Transcript = chat.NewTranscript(200)
	}
	// The HTTP timeout must outlast a long poll.
	if cfg.RequestTimeout <= cfg.PollTimeout {
		cfg.RequestTimeout = cfg.PollTimeout + 15*time.Second
	}
	return &Client{
		apiBase:     strings.TrimRight(cfg.APIBase, "/") + "/bot" + cfg.Token,
		httpClient:  &http.Client{Timeout: cfg.RequestTimeout},
		pollTimeout: cfg.PollTimeout,
		botUsername: strings.TrimPrefix(cfg.BotUsername, "@"),
		transcript:  cfg.Transcript,
		logger:      cfg.Logger,
	}
}

// apiResponse is the generic Bot API response wrapper.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

type update struct {
	UpdateID int64    `json:"update_id"`
	Message  *message `json:"message,omitempty"`
}

type message struct {
	MessageID int64  `json:"message_id"`
	From      *user  `json:"from,omitempty"`
	Chat      chatTG `json:"chat"`
	Text      string `json:"text"`
	Date      int64  `json:"date"`
}

type user struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type chatTG struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

// displayName is what history lines show for the author.
func (u *user) displayName() string {
	if u == nil {
		return "unknown"
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	if u.Username != "" {
		return u.Username
	}
	return strconv.FormatInt(u.ID, 10)
}

// call POSTs payload to method and decodes the result into out, if non-nil.
func (c *Client) call(ctx context.Context, method string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram %s: encode payload: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method, out)
}

func (c *Client) do(req *http.Request, method string, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var r apiResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("failed to parse %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if !r.OK {
		return fmt.Errorf("telegram %s failed: %s", method, r.Description)
	}
	if out != nil {
		if err := json.Unmarshal(r.Result, out); err != nil {
			return fmt.Errorf("failed to parse %s result: %w", method, err)
		}
	}
	return nil
}

// getUpdates long-polls for new updates after the current offset.
func (c *Client) getUpdates(ctx context.Context) ([]update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(c.offset, 10))
	params.Set("timeout", strconv.Itoa(int(c.pollTimeout/time.Second)))
	params.Set("allowed_updates", `["message"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var updates []update
	if err := c.do(req, "getUpdates", &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// Listen polls for updates until ctx is done. Every text message is recorded
// in the transcript; messages that mention the bot, and every message in a
// private chat, are passed to handle. The bot's own messages are ignored.
func (c *Client) Listen(ctx context.Context, handle chat.MentionHandler) error {
	c.logger.Info("Listening for Telegram updates", zap.String("bot", c.botUsername))
	for {
		updates, err := c.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("Failed to poll updates", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= c.offset {
				c.offset = u.UpdateID + 1
			}
			ev, ok := c.observe(u.Message)
			if !ok {
				continue
			}
			if err := handle(ctx, ev); err != nil {
				c.logger.Warn("Mention not accepted",
					zap.String("channel_id", string(ev.ChannelID)),
					zap.Error(err),
				)
			}
		}
	}
}

// observe records msg and reports the mention event it carries, if any.
func (c *Client) observe(msg *message) (chat.MentionEvent, bool) {
	if msg == nil || msg.Text == "" {
		return chat.MentionEvent{}, false
	}
	channel := chat.ChannelID(strconv.FormatInt(msg.Chat.ID, 10))
	c.transcript.Record(channel, msg.From.displayName(), msg.Text)

	if c.isOwn(msg.From) {
		return chat.MentionEvent{}, false
	}
	if msg.Chat.Type != "private" && !c.mentionsBot(msg.Text) {
		return chat.MentionEvent{}, false
	}

	ev := chat.MentionEvent{
		MessageID:   strconv.FormatInt(msg.MessageID, 10),
		ChannelID:   channel,
		ChannelName: msg.Chat.Title,
		AuthorName:  msg.From.displayName(),
		Text:        msg.Text,
		ReceivedAt:  time.Unix(msg.Date, 0),
	}
	if msg.From != nil {
		ev.AuthorID = strconv.FormatInt(msg.From.ID, 10)
	}
	return ev, true
}

func (c *Client) isOwn(u *user) bool {
	return u != nil && u.IsBot && strings.EqualFold(u.Username, c.botUsername)
}

func (c *Client) mentionsBot(text string) bool {
	if c.botUsername == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), "@"+strings.ToLower(c.botUsername))
}

// Fetch serves history from the transcript.
func (c *Client) Fetch(ctx context.Context, channel chat.ChannelID, max int) ([]chat.HistoryMessage, error) {
	return c.transcript.Fetch(ctx, channel, max)
}

// Reply sends text as a reply to the mentioning message. Text over the
// Bot API limit is cut.
func (c *Client) Reply(ctx context.Context, ev chat.MentionEvent, text string) error {
	if r := []rune(text); len(r) > maxMessageRunes {
		text = string(r[:maxMessageRunes])
	}
	payload := map[string]interface{}{
		"chat_id": chatID(ev.ChannelID),
		"text":    text,
	}
	if id, err := strconv.ParseInt(ev.MessageID, 10, 64); err == nil {
		payload["reply_parameters"] = map[string]interface{}{
			"message_id":                  id,
			"allow_sending_without_reply": true,
		}
	}
	if err := c.call(ctx, "sendMessage", payload, nil); err != nil {
		return err
	}
	c.transcript.Record(ev.ChannelID, c.botUsername, text)
	return nil
}

// React sets an emoji reaction on the mentioning message.
func (c *Client) React(ctx context.Context, ev chat.MentionEvent, emoji string) error {
	id, err := strconv.ParseInt(ev.MessageID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram setMessageReaction: invalid message id %q", ev.MessageID)
	}
	return c.call(ctx, "setMessageReaction", map[string]interface{}{
		"chat_id":    chatID(ev.ChannelID),
		"message_id": id,
		"reaction": []map[string]string{
			{"type": "emoji", "emoji": emoji},
		},
	}, nil)
}

// Typing shows the typing chat action.
func (c *Client) Typing(ctx context.Context, channel chat.ChannelID) error {
	return c.call(ctx, "sendChatAction", map[string]interface{}{
		"chat_id": chatID(channel),
		"action":  "typing",
	}, nil)
}

// chatID sends numeric ids as numbers and anything else, such as an
// @channelusername, as a string.
func chatID(ch chat.ChannelID) interface{} {
	if id, err := strconv.ParseInt(string(ch), 10, 64); err == nil {
		return id
	}
	return string(ch)
}
