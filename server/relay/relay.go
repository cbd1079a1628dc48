// Package relay turns mentions into completions. It owns the dispatch queue
// and runs each request through mode detection, prompt assembly, generation
// and reply delivery.
package relay

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/teilomillet/relay/config"
	relayerrors "github.com/teilomillet/relay/errors"
	"github.com/teilomillet/relay/server/chat"
	"github.com/teilomillet/relay/server/dispatch"
	"github.com/teilomillet/relay/server/engine"
	"github.com/teilomillet/relay/server/metrics"
	"github.com/teilomillet/relay/server/prompt"
	"go.uber.org/zap"
)

// deliveryTimeout bounds reply delivery. Delivery runs on its own deadline
// so a request that spent its time generating can still report back.
const deliveryTimeout = 15 * time.Second

// Options wires a Relay to its collaborators.
type Options struct {
	Transport chat.Transport
	Engine    engine.Generator
	Assembler *prompt.Assembler
	Config    config.RelayConfig
	// MaxCompletionTokens is passed to the engine on every call
	MaxCompletionTokens int
	// Markers are stripped from mention text before mode detection
	Markers []string
	// BotUserID identifies the bot's own messages, which are ignored
	BotUserID string
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Relay is the orchestrator.
type Relay struct {
	transport chat.Transport
	typing    chat.TypingNotifier
	engine    engine.Generator
	assembler *prompt.Assembler
	maxTokens int
	markers   []string
	botUserID string
	metrics   *metrics.Metrics
	logger    *zap.Logger
	validate  *validator.Validate
	queue     *dispatch.Queue

	mu  sync.RWMutex
	cfg config.RelayConfig
}

// New creates a Relay and its dispatch queue.
func New(opts Options) (*Relay, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.Assembler == nil {
		return nil, fmt.Errorf("assembler is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	})

	r := &Relay{
		transport: opts.Transport,
		engine:    opts.Engine,
		assembler: opts.Assembler,
		maxTokens: opts.MaxCompletionTokens,
		markers:   opts.Markers,
		botUserID: opts.BotUserID,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		validate:  validate,
		cfg:       opts.Config,
	}
	if tn, ok := opts.Transport.(chat.TypingNotifier); ok {
		r.typing = tn
	}
	r.queue = dispatch.New(r, dispatch.Config{
		IntakeBuffer:   opts.Config.IntakeBuffer,
		RequestTimeout: opts.Config.RequestTimeout,
		Metrics:        opts.Metrics,
		Logger:         opts.Logger,
	})
	return r, nil
}

// Queue returns the dispatch queue.
func (r *Relay) Queue() *dispatch.Queue {
	return r.queue
}

// Run runs the dispatcher until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	return r.queue.Run(ctx)
}

// Handler adapts HandleMention to a transport's Listen callback.
func (r *Relay) Handler() chat.MentionHandler {
	return func(ctx context.Context, ev chat.MentionEvent) error {
		_, err := r.HandleMention(ctx, ev)
		return err
	}
}

// HandleMention validates ev and submits it for processing. It returns the
// request id, or "" when the event is the bot's own message.
func (r *Relay) HandleMention(ctx context.Context, ev chat.MentionEvent) (string, error) {
	if r.botUserID != "" && ev.AuthorID == r.botUserID {
		return "", nil
	}

	id := uuid.New().String()
	if err := r.validate.Struct(ev); err != nil {
		details := map[string]interface{}{}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details[fe.Field()] = fe.Tag()
			}
		}
		return "", relayerrors.NewValidationError(id, "Invalid mention event", details)
	}

	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	req := dispatch.Request{ID: id, Channel: ev.ChannelID, Event: ev, EnqueuedAt: time.Now()}
	if err := r.queue.Submit(ctx, req); err != nil {
		return "", relayerrors.NewInternalError(id, err)
	}

	r.logger.Debug("Mention submitted",
		zap.String("request_id", id),
		zap.String("channel_id", string(ev.ChannelID)),
		zap.String("channel_name", ev.ChannelName),
		zap.String("author", ev.AuthorName),
	)
	return id, nil
}

// ApplyConfig replaces the reloadable relay settings: history count, reply
// texts and the fallback reaction. Queue and budget settings need a restart.
func (r *Relay) ApplyConfig(cfg config.RelayConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.MaxHistoryMessages = cfg.MaxHistoryMessages
	r.cfg.ContinuePrefix = cfg.ContinuePrefix
	r.cfg.ErrorReply = cfg.ErrorReply
	r.cfg.EmptyReply = cfg.EmptyReply
	r.cfg.FallbackReaction = cfg.FallbackReaction
}

// WatchConfig applies every configuration w publishes until ctx is done.
func (r *Relay) WatchConfig(ctx context.Context, w config.Watcher) {
	updates := w.Subscribe()
	for {
		select {
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			if cfg == nil {
				continue
			}
			r.ApplyConfig(cfg.Relay)
			r.logger.Info("Relay configuration reloaded",
				zap.Int("max_history_messages", cfg.Relay.MaxHistoryMessages),
			)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) config() config.RelayConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Process handles one request end to end. Failures below this point are
// recovered into a visible reply; only a failed delivery is returned.
func (r *Relay) Process(ctx context.Context, req dispatch.Request) error {
	ctx = engine.WithRequestID(ctx, req.ID)
	ev := req.Event
	cfg := r.config()
	logger := r.logger.With(
		zap.String("request_id", req.ID),
		zap.String("channel_id", string(req.Channel)),
	)

	text := chat.StripMentions(ev.Text, r.markers)
	mode, instruction := chat.ParseCommand(text, cfg.ContinuePrefix)

	if mode == chat.ModeDirect && instruction == "" {
		logger.Debug("Empty instruction, skipping generation")
		if cfg.EmptyReply == "" {
			return nil
		}
		return r.deliver(ctx, logger, req, cfg.EmptyReply, cfg)
	}

	r.showTyping(ctx, logger, req.Channel)

	var p prompt.Prompt
	switch mode {
	case chat.ModeContinuation:
		history, err := r.transport.Fetch(ctx, req.Channel, cfg.MaxHistoryMessages)
		if err != nil {
			relayerrors.LogError(logger, relayerrors.NewTransportError(req.ID, "history fetch failed", err), req.ID)
			history = nil
		}
		p = r.assembler.Continuation(history, instruction)
		if r.metrics != nil {
			r.metrics.RetainedMessages.Observe(float64(p.Retained))
		}
		logger.Info("Continuation prompt assembled",
			zap.Int("prompt_tokens", p.Tokens),
			zap.Int("budget", p.Budget),
			zap.Int("retained_messages", p.Retained),
			zap.Int("history_messages", len(history)),
		)
	default:
		p = r.assembler.Direct(instruction)
		logger.Info("Direct prompt assembled",
			zap.Int("prompt_tokens", p.Tokens),
			zap.Int("budget", p.Budget),
			zap.Bool("truncated", p.Truncated),
		)
	}
	if r.metrics != nil {
		r.metrics.PromptTokens.WithLabelValues(string(mode)).Observe(float64(p.Tokens))
	}

	reply := r.generate(ctx, logger, req.ID, p.Text, cfg)
	return r.deliver(ctx, logger, req, reply, cfg)
}

// generate never fails: engine errors become the configured error reply.
func (r *Relay) generate(ctx context.Context, logger *zap.Logger, requestID, text string, cfg config.RelayConfig) string {
	out, err := r.engine.Generate(ctx, text, r.maxTokens)
	if err == nil {
		return out
	}
	if errors.Is(err, engine.ErrNotLoaded) {
		logger.Error("Generation engine not loaded")
		return engine.ModelNotLoaded
	}

	relayerrors.LogError(logger, err, requestID)
	msg := err.Error()
	var relayErr *relayerrors.RelayError
	if relayerrors.As(err, &relayErr) {
		msg = relayErr.Message
	}
	if strings.Contains(cfg.ErrorReply, "%s") {
		return fmt.Sprintf(cfg.ErrorReply, msg)
	}
	return cfg.ErrorReply
}

// deliver sends the reply. When that fails it adds the fallback reaction;
// a failed reaction is logged and dropped.
func (r *Relay) deliver(ctx context.Context, logger *zap.Logger, req dispatch.Request, text string, cfg config.RelayConfig) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer cancel()

	ev := req.Event
	err := r.transport.Reply(ctx, ev, text)
	if err == nil {
		r.countReply("sent")
		return nil
	}
	r.countReply("failed")
	replyErr := relayerrors.NewTransportError(req.ID, "reply delivery failed", err)

	if cfg.FallbackReaction == "" {
		return replyErr
	}
	if rerr := r.transport.React(ctx, ev, cfg.FallbackReaction); rerr != nil {
		logger.Debug("Fallback reaction failed", zap.Error(rerr))
		return replyErr
	}
	r.countReply("fallback")
	return replyErr
}

func (r *Relay) showTyping(ctx context.Context, logger *zap.Logger, channel chat.ChannelID) {
	if r.typing == nil {
		return
	}
	if err := r.typing.Typing(ctx, channel); err != nil {
		logger.Debug("Typing indicator failed", zap.Error(err))
	}
}

func (r *Relay) countReply(outcome string) {
	if r.metrics != nil {
		r.metrics.RepliesTotal.WithLabelValues(outcome).Inc()
	}
}
