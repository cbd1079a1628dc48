package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teilomillet/relay/config"
	"github.com/teilomillet/relay/errors"
	"github.com/teilomillet/relay/server/chat"
	"github.com/teilomillet/relay/server/chat/telegram"
	"github.com/teilomillet/relay/server/chat/webhook"
	"go.uber.org/zap/zaptest"
)

func TestLoadConfig(t *testing.T) {
	t.Run("defaults with environment", func(t *testing.T) {
		t.Setenv(config.EnvMaxHistoryMessages, "7")
		cfg, err := loadConfig("")
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Relay.MaxHistoryMessages)
		assert.Equal(t, 924, cfg.TokenBudget())
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "relay.yaml")
		require.NoError(t, os.WriteFile(path, []byte("relay:\n  max_history_messages: 12\n"), 0o600))
		cfg, err := loadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, 12, cfg.Relay.MaxHistoryMessages)
	})

	t.Run("invalid environment", func(t *testing.T) {
		t.Setenv(config.EnvMaxCompletionTokens, "many")
		_, err := loadConfig("")
		require.Error(t, err)
		assert.Equal(t, errors.ConfigError, errors.TypeOf(err))
	})
}

func TestNewTransport(t *testing.T) {
	logger := zaptest.NewLogger(t)

	tr, rec := newTransport(config.ChatConfig{Transport: "telegram", Token: "t", BotUsername: "bot"}, logger)
	assert.IsType(t, &telegram.Client{}, tr)
	assert.Nil(t, rec)

	tr, rec = newTransport(config.ChatConfig{Transport: "webhook", ReplyURL: "http://localhost"}, logger)
	assert.IsType(t, &webhook.Client{}, tr)
	assert.NotNil(t, rec)

	tr, rec = newTransport(config.ChatConfig{Transport: "none", HistoryCapacity: 5}, logger)
	require.NotNil(t, rec)
	ev := chat.MentionEvent{MessageID: "1", ChannelID: "c", AuthorName: "ann"}
	require.NoError(t, tr.Reply(context.Background(), ev, "done"))
	require.NoError(t, tr.React(context.Background(), ev, "⚠️"))

	msgs, err := tr.Fetch(context.Background(), "c", 5)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "done", msgs[0].Content)
}
