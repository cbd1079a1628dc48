// Package engine adapts a gollm provider to the relay's generation contract:
// a prompt and a completion token limit in, generated text out.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/teilomillet/gollm"
	"github.com/teilomillet/relay/config"
	relayerrors "github.com/teilomillet/relay/errors"
	"github.com/teilomillet/relay/server/metrics"
	"go.uber.org/zap"
)

// Placeholder replies used when the engine has nothing to return.
const (
	NoCompletion   = "(no completion generated)"
	ModelNotLoaded = "(Model not loaded)"
)

// ErrNotLoaded is returned by an engine without a model.
var ErrNotLoaded = errors.New("model not loaded")

// Generator produces a completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Engine is a Generator over a gollm.LLM, guarded by a circuit breaker.
type Engine struct {
	llm     gollm.LLM
	breaker *gobreaker.CircuitBreaker
	device  string
	logger  *zap.Logger
	metrics *metrics.Metrics

	// max_tokens is an option on the shared client; it is only written when it changes
	mu        sync.Mutex
	maxTokens int
}

// Options configures an Engine built around an existing client.
type Options struct {
	Breaker config.CircuitBreakerConfig
	Device  string
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// New creates the gollm client described by cfg and wraps it.
func New(cfg config.LLMConfig, breaker config.CircuitBreakerConfig, logger *zap.Logger, m *metrics.Metrics) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	llm, err := gollm.NewLLM(
		gollm.SetProvider(cfg.Provider),
		gollm.SetModel(cfg.Model),
		gollm.SetAPIKey(cfg.APIKey),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize provider %s: %w", cfg.Provider, err)
	}

	if cfg.Endpoint != "" {
		if cfg.Provider == "ollama" {
			if err := llm.SetOllamaEndpoint(cfg.Endpoint); err != nil {
				return nil, fmt.Errorf("failed to set ollama endpoint: %w", err)
			}
		} else {
			llm.SetEndpoint(cfg.Endpoint)
		}
	}
	for k, v := range cfg.Options {
		llm.SetOption(k, v)
	}

	device := ResolveDevice(cfg.Device, DefaultProbe, logger)
	applyDevice(llm, cfg.Provider, device)

	logger.Info("Generation engine ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
		zap.String("device", device),
	)

	return NewWithLLM(llm, Options{Breaker: breaker, Device: device, Logger: logger, Metrics: m}), nil
}

// NewWithLLM wraps an already configured client. A nil client yields an
// engine that reports ErrNotLoaded.
func NewWithLLM(llm gollm.LLM, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger

	threshold := opts.Breaker.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	settings := gobreaker.Settings{
		Name:        "generation",
		MaxRequests: opts.Breaker.MaxRequests,
		Interval:    opts.Breaker.Interval,
		Timeout:     opts.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// A caller giving up is not the engine failing.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}

	return &Engine{
		llm:     llm,
		breaker: gobreaker.NewCircuitBreaker(settings),
		device:  opts.Device,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// Device returns the device the engine was configured for.
func (e *Engine) Device() string {
	return e.device
}

// Generate runs one completion. An empty completion is reported as the
// NoCompletion placeholder. When the provider echoes the prompt, the echo is
// removed so only the continuation is returned. Failures are GenerationErrors.
func (e *Engine) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if e.llm == nil {
		return "", ErrNotLoaded
	}

	start := time.Now()
	e.setMaxTokens(maxTokens)

	out, err := e.breaker.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := e.llm.Generate(ctx, e.llm.NewPrompt(prompt))
		if err != nil {
			return nil, err
		}
		return text, nil
	})
	if err != nil {
		outcome := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			outcome = "rejected"
		}
		e.observe(outcome, start)
		e.logger.Debug("Generation failed",
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
			zap.String("breaker_state", e.breaker.State().String()),
		)
		return "", relayerrors.NewGenerationError(requestID(ctx), err.Error(), err)
	}

	completion := strings.TrimPrefix(out.(string), prompt)
	if strings.TrimSpace(completion) == "" {
		e.observe("empty", start)
		return NoCompletion, nil
	}
	e.observe("ok", start)
	return completion, nil
}

func (e *Engine) setMaxTokens(n int) {
	if n <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.maxTokens != n {
		e.llm.SetOption("max_tokens", n)
		e.maxTokens = n
	}
}

func (e *Engine) observe(outcome string, start time.Time) {
	if e.metrics != nil {
		e.metrics.GenerationDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
}

type requestIDKey struct{}

// WithRequestID attaches a request id that generation errors will carry.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
