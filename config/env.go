package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment variables that override the file. They mirror the
// deployment surface of the bot: every one is optional.
const (
	EnvMaxHistoryMessages  = "MAX_HISTORY_MESSAGES"
	EnvMaxCompletionTokens = "MAX_COMPLETION_TOKENS"
	EnvDevice              = "DEVICE"
	EnvChatToken           = "CHAT_TOKEN"
	EnvTelegramToken       = "TELEGRAM_BOT_TOKEN"
	EnvLogLevel            = "LOG_LEVEL"
)

// ApplyEnv overrides cfg with values from the process environment.
// A malformed integer is reported rather than silently ignored.
func ApplyEnv(cfg *Config) error {
	var err error
	if cfg.Relay.MaxHistoryMessages, err = envIntOrDefault(EnvMaxHistoryMessages, cfg.Relay.MaxHistoryMessages); err != nil {
		return err
	}
	if cfg.LLM.MaxCompletionTokens, err = envIntOrDefault(EnvMaxCompletionTokens, cfg.LLM.MaxCompletionTokens); err != nil {
		return err
	}
	cfg.LLM.Device = strings.ToLower(envOrDefault(EnvDevice, cfg.LLM.Device))
	cfg.Chat.Token = envOrDefault(EnvChatToken, envOrDefault(EnvTelegramToken, cfg.Chat.Token))
	cfg.Logging.Level = strings.ToLower(envOrDefault(EnvLogLevel, cfg.Logging.Level))
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}
