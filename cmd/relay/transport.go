package main

import (
	"context"

	"github.com/teilomillet/relay/config"
	"github.com/teilomillet/relay/server"
	"github.com/teilomillet/relay/server/chat"
	"github.com/teilomillet/relay/server/chat/telegram"
	"github.com/teilomillet/relay/server/chat/webhook"
	"go.uber.org/zap"
)

// newTransport builds the configured chat transport. The recorder is the
// transcript the HTTP intake feeds, or nil when the transport fills its own.
func newTransport(cfg config.ChatConfig, logger *zap.Logger) (chat.Transport, server.HistoryRecorder) {
	transcript := chat.NewTranscript(cfg.HistoryCapacity)

	switch cfg.Transport {
	case "telegram":
		return telegram.NewClient(telegram.Config{
			Token:          cfg.Token,
			APIBase:        cfg.APIBase,
			PollTimeout:    cfg.PollTimeout,
			RequestTimeout: cfg.RequestTimeout,
			BotUsername:    cfg.BotUsername,
			Transcript:     transcript,
			Logger:         logger.Named("telegram"),
		}), nil
	case "webhook":
		return webhook.NewClient(webhook.Config{
			ReplyURL:       cfg.ReplyURL,
			RequestTimeout: cfg.RequestTimeout,
			BotName:        cfg.BotUsername,
			Transcript:     transcript,
			Logger:         logger.Named("webhook"),
		}), transcript
	default:
		return &logTransport{Transcript: transcript, logger: logger.Named("dry_run")}, transcript
	}
}

// logTransport takes mentions over HTTP and writes replies to the log.
type logTransport struct {
	*chat.Transcript
	logger *zap.Logger
}

func (t *logTransport) Listen(ctx context.Context, _ chat.MentionHandler) error {
	<-ctx.Done()
	return nil
}

func (t *logTransport) Reply(_ context.Context, ev chat.MentionEvent, text string) error {
	t.logger.Info("Reply",
		zap.String("channel_id", string(ev.ChannelID)),
		zap.String("message_id", ev.MessageID),
		zap.String("text", text),
	)
	t.Record(ev.ChannelID, "relay", text)
	return nil
}

func (t *logTransport) React(_ context.Context, ev chat.MentionEvent, emoji string) error {
	t.logger.Info("Reaction",
		zap.String("channel_id", string(ev.ChannelID)),
		zap.String("message_id", ev.MessageID),
		zap.String("emoji", emoji),
	)
	return nil
}
