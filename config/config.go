// Package config provides configuration management for the relay.
// It covers the generation engine, the token budget, the chat transport,
// the operational HTTP surface, and runtime behavior customization.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	LLM            LLMConfig            `yaml:"llm"`
	Relay          RelayConfig          `yaml:"relay"`
	Chat           ChatConfig           `yaml:"chat"`
	Logging        LoggingConfig        `yaml:"logging"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

// ServerConfig holds configuration for the operational HTTP server
// (health, metrics, channel snapshot and mention intake).
type ServerConfig struct {
	// Port specifies the HTTP server port (default: 8080). Zero disables the server.
	Port int `yaml:"port"`

	// ReadTimeout is the maximum duration for reading the entire request (default: 10s)
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the response (default: 10s)
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxHeaderBytes controls the maximum number of bytes the server will
	// read parsing the request header's keys and values (default: 1MB)
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// IntakeToken, when set, must be sent in X-Relay-Token on mention intake
	IntakeToken string `yaml:"intake_token"`

	// ShutdownTimeout bounds graceful shutdown of the HTTP server and
	// of in-flight generations (default: 30s)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LLMConfig holds generation engine configuration.
type LLMConfig struct {
	// Provider specifies the gollm provider (e.g., "ollama", "openai", "anthropic")
	Provider string `yaml:"provider"`

	// Model is the name of the model to use
	Model string `yaml:"model"`

	// APIKey is the authentication key for hosted providers.
	// Use environment variables (e.g., ${OPENAI_API_KEY}) for secure configuration
	APIKey string `yaml:"api_key"`

	// Endpoint overrides the provider endpoint, typically "http://localhost:11434" for ollama
	Endpoint string `yaml:"endpoint"`

	// Encoding names the tiktoken encoding used as the length oracle.
	// GPT-2 family models use r50k_base.
	Encoding string `yaml:"encoding"`

	// ContextWindow is the model's fixed context window in tokens (GPT-2: 1024)
	ContextWindow int `yaml:"context_window"`

	// MaxCompletionTokens is reserved out of the context window for generation
	MaxCompletionTokens int `yaml:"max_completion_tokens"`

	// Device selects where the model runs: auto, cpu, or an explicit accelerator (cuda, ...)
	Device string `yaml:"device"`

	// Options contains provider-specific generation parameters
	Options map[string]interface{} `yaml:"options"`
}

// RelayConfig controls how mentions become prompts and replies.
type RelayConfig struct {
	// MaxHistoryMessages is how many channel messages are fetched in continuation mode
	MaxHistoryMessages int `yaml:"max_history_messages"`

	// ContinuePrefix is the literal token selecting continuation mode
	ContinuePrefix string `yaml:"continue_prefix"`

	// RequestTimeout bounds a single request end to end. Zero disables it.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ErrorReply is the reply text used when generation fails; %s receives the error
	ErrorReply string `yaml:"error_reply"`

	// EmptyReply is sent when a direct-mode mention carries no instruction
	EmptyReply string `yaml:"empty_reply"`

	// FallbackReaction is added to the mention when the reply cannot be delivered
	FallbackReaction string `yaml:"fallback_reaction"`

	// IntakeBuffer sizes the channel between event intake and the dispatcher loop
	IntakeBuffer int `yaml:"intake_buffer"`
}

// ChatConfig selects and configures the chat transport.
type ChatConfig struct {
	// Transport is one of: telegram, webhook, none
	Transport string `yaml:"transport"`

	// Token is the bot credential, required for telegram
	Token string `yaml:"token"`

	// APIBase overrides the transport API base URL
	APIBase string `yaml:"api_base"`

	// PollTimeout is the long-poll timeout for transports that poll
	PollTimeout time.Duration `yaml:"poll_timeout"`

	// RequestTimeout bounds individual transport HTTP calls
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// BotUsername is the bot's own handle, used to detect mentions
	BotUsername string `yaml:"bot_username"`

	// BotUserID is the bot's own user id, used to strip <@ID> markers and ignore own messages
	BotUserID string `yaml:"bot_user_id"`

	// MentionMarkers are extra tokens stripped from mention text
	MentionMarkers []string `yaml:"mention_markers"`

	// ReplyURL is where the webhook transport POSTs replies and reactions
	ReplyURL string `yaml:"reply_url"`

	// HistoryCapacity bounds the in-memory transcript kept per channel
	HistoryCapacity int `yaml:"history_capacity"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	// Level sets logging verbosity: debug, info, warn, error
	Level string `yaml:"level"`

	// Format specifies log output format: json or text
	Format string `yaml:"format"`
}

// CircuitBreakerConfig configures the breaker wrapped around the generation engine.
type CircuitBreakerConfig struct {
	// MaxRequests is maximum number of requests allowed to pass through when in half-open state
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval is the cyclic period of the closed state for the circuit breaker
	Interval time.Duration `yaml:"interval"`

	// Timeout is the period of the open state until it becomes half-open
	Timeout time.Duration `yaml:"timeout"`

	// FailureThreshold is the number of consecutive failures needed to trip the circuit
	FailureThreshold uint32 `yaml:"failure_threshold"`
}

// RateLimitConfig limits the HTTP mention intake per client address.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Burst   int           `yaml:"burst"`
	Every   time.Duration `yaml:"every"`
}

// DefaultConfig returns the configuration used when no file overrides a value.
// The context window and completion reservation match GPT-2 XL.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},

		LLM: LLMConfig{
			Provider:            "ollama",
			Model:               "gpt2-xl",
			Encoding:            "r50k_base",
			ContextWindow:       1024,
			MaxCompletionTokens: 100,
			Device:              "auto",
			Options: map[string]interface{}{
				"temperature": 0.9,
				"top_p":       0.95,
			},
		},

		Relay: RelayConfig{
			MaxHistoryMessages: 100,
			ContinuePrefix:     ".continue",
			RequestTimeout:     2 * time.Minute,
			ErrorReply:         "(Error: %s)",
			EmptyReply:         "(nothing to complete)",
			FallbackReaction:   "⚠️",
			IntakeBuffer:       64,
		},

		Chat: ChatConfig{
			Transport:       "none",
			PollTimeout:     30 * time.Second,
			RequestTimeout:  45 * time.Second,
			HistoryCapacity: 200,
		},

		CircuitBreaker: CircuitBreakerConfig{
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		},

		RateLimit: RateLimitConfig{
			Enabled: true,
			Burst:   10,
			Every:   6 * time.Second,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// TokenBudget is the largest prompt, in tokens, that leaves room for the completion.
func (c *Config) TokenBudget() int {
	return c.LLM.ContextWindow - c.LLM.MaxCompletionTokens
}

// LoadFile loads configuration from a YAML file
func LoadFile(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	return Load(f)
}

// expandEnvVars resolves ${VAR} and ${VAR:-default} references, repeating
// until no further substitution happens so nested references resolve too.
//
// Example Transformations:
// - "${CHAT_TOKEN}" → "123:abc"
// - "${PORT:-8080}" → "8080" (if PORT is unset)
func expandEnvVars(s string) (string, error) {
	if strings.Count(s, "${") > strings.Count(s, "}") {
		return "", fmt.Errorf("invalid syntax: unterminated variable reference")
	}

	result := os.Expand(s, func(key string) string {
		if i := strings.Index(key, ":-"); i >= 0 {
			envKey := key[:i]
			defaultValue := key[i+2:]
			if val := os.Getenv(envKey); val != "" {
				return val
			}
			return defaultValue
		}
		return os.Getenv(key)
	})

	prev := ""
	for prev != result {
		prev = result
		result = os.Expand(result, os.Getenv)
	}

	return result, nil
}

// Load loads configuration from an io.Reader. Environment overrides
// (MAX_HISTORY_MESSAGES and friends) are applied after decoding.
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expandedData, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expand environment variables: %w", err)
	}

	// Start with defaults
	config := DefaultConfig()

	if strings.TrimSpace(expandedData) != "" {
		dec := yaml.NewDecoder(strings.NewReader(expandedData))
		if err := dec.Decode(config); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	if err := ApplyEnv(config); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Server validation
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("negative read timeout: %v", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("negative write timeout: %v", c.Server.WriteTimeout)
	}
	if c.Server.MaxHeaderBytes < 0 {
		return fmt.Errorf("negative max header bytes: %d", c.Server.MaxHeaderBytes)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("negative shutdown timeout: %v", c.Server.ShutdownTimeout)
	}

	// LLM validation
	if c.LLM.Provider == "" {
		return fmt.Errorf("empty LLM provider")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("empty LLM model")
	}
	if c.LLM.ContextWindow <= 0 {
		return fmt.Errorf("non-positive context window: %d", c.LLM.ContextWindow)
	}
	if c.LLM.MaxCompletionTokens <= 0 {
		return fmt.Errorf("non-positive max completion tokens: %d", c.LLM.MaxCompletionTokens)
	}
	if budget := c.TokenBudget(); budget <= 0 {
		return fmt.Errorf("non-positive token budget: context window %d - max completion tokens %d = %d",
			c.LLM.ContextWindow, c.LLM.MaxCompletionTokens, budget)
	}
	if c.LLM.Device == "" {
		return fmt.Errorf("empty device mode")
	}

	// Relay validation
	if c.Relay.MaxHistoryMessages < 0 {
		return fmt.Errorf("negative max history messages: %d", c.Relay.MaxHistoryMessages)
	}
	if strings.TrimSpace(c.Relay.ContinuePrefix) == "" {
		return fmt.Errorf("empty continue prefix")
	}
	if c.Relay.RequestTimeout < 0 {
		return fmt.Errorf("negative request timeout: %v", c.Relay.RequestTimeout)
	}
	if c.Relay.IntakeBuffer < 0 {
		return fmt.Errorf("negative intake buffer: %d", c.Relay.IntakeBuffer)
	}

	// Chat validation
	switch c.Chat.Transport {
	case "telegram":
		if c.Chat.Token == "" {
			return fmt.Errorf("chat transport telegram requires a token")
		}
		if c.Chat.BotUsername == "" {
			return fmt.Errorf("chat transport telegram requires bot_username")
		}
	case "webhook":
		if c.Chat.ReplyURL == "" {
			return fmt.Errorf("chat transport webhook requires reply_url")
		}
	case "none":
	default:
		return fmt.Errorf("invalid chat transport: %s", c.Chat.Transport)
	}
	if c.Chat.HistoryCapacity < 0 {
		return fmt.Errorf("negative history capacity: %d", c.Chat.HistoryCapacity)
	}
	if c.Chat.PollTimeout < 0 || c.Chat.RequestTimeout < 0 {
		return fmt.Errorf("negative chat timeout")
	}

	// Rate limit validation
	if c.RateLimit.Enabled && (c.RateLimit.Burst <= 0 || c.RateLimit.Every <= 0) {
		return fmt.Errorf("rate limit enabled with non-positive burst or interval")
	}

	// Logging validation
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
		// Valid formats
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}
