package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/teilomillet/relay/config"
	"github.com/teilomillet/relay/errors"
	"github.com/teilomillet/relay/server"
	"github.com/teilomillet/relay/server/chat"
	"github.com/teilomillet/relay/server/engine"
	"github.com/teilomillet/relay/server/metrics"
	"github.com/teilomillet/relay/server/prompt"
	"github.com/teilomillet/relay/server/relay"
	"github.com/teilomillet/relay/server/tokenizer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	configFile = flag.String("config", "", "Path to configuration file (defaults plus environment when empty)")
	validate   = flag.Bool("validate", false, "Validate configuration and exit")
	version    = flag.Bool("version", false, "Print version and exit")
	watch      = flag.Bool("watch", false, "Reload relay settings when the configuration file changes")
)

const Version = "v0.1.0"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("relay %s\n", Version)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *validate {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := cfg.Logging.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Critical error: Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	errors.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Relay stopped with error", zap.Error(err))
	}
	logger.Info("Relay stopped")
}

// loadConfig reads path, or the defaults plus environment when path is empty.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := readConfig(path)
	if err != nil {
		return nil, errors.NewConfigError(err.Error(), map[string]interface{}{"path": path})
	}
	return cfg, nil
}

func readConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	cfg := config.DefaultConfig()
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run wires the relay and blocks until ctx is done or a component fails.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	m := metrics.NewMetrics()

	tok, err := tokenizer.New(cfg.LLM.Encoding)
	if err != nil {
		logger.Warn("Tokenizer unavailable, counting bytes instead",
			zap.String("encoding", cfg.LLM.Encoding),
			zap.Error(err),
		)
		tok = tokenizer.Bytes{}
	}

	assembler, err := prompt.NewAssembler(tok, cfg.TokenBudget(), logger)
	if err != nil {
		return fmt.Errorf("create prompt assembler: %w", err)
	}

	// A relay without a model still answers, with a placeholder.
	eng, err := engine.New(cfg.LLM, cfg.CircuitBreaker, logger, m)
	if err != nil {
		logger.Error("Failed to load generation engine", zap.Error(err))
		eng = engine.NewWithLLM(nil, engine.Options{Logger: logger, Metrics: m})
	}

	transport, recorder := newTransport(cfg.Chat, logger)

	markers := append(chat.MentionMarkers(cfg.Chat.BotUserID), cfg.Chat.MentionMarkers...)
	if cfg.Chat.BotUsername != "" {
		markers = append(markers, "@"+cfg.Chat.BotUsername)
	}

	r, err := relay.New(relay.Options{
		Transport:           transport,
		Engine:              eng,
		Assembler:           assembler,
		Config:              cfg.Relay,
		MaxCompletionTokens: cfg.LLM.MaxCompletionTokens,
		Markers:             markers,
		BotUserID:           cfg.Chat.BotUserID,
		Metrics:             m,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("create relay: %w", err)
	}

	srv := server.NewServer(server.Options{
		Config:    cfg.Server,
		RateLimit: cfg.RateLimit,
		Intake:    r,
		Channels:  r.Queue(),
		Recorder:  recorder,
		Metrics:   m,
		Logger:    logger,
	})

	logger.Info("Starting relay",
		zap.String("version", Version),
		zap.String("transport", cfg.Chat.Transport),
		zap.Int("port", cfg.Server.Port),
		zap.Int("max_history_messages", cfg.Relay.MaxHistoryMessages),
		zap.Int("max_completion_tokens", cfg.LLM.MaxCompletionTokens),
		zap.Int("token_budget", cfg.TokenBudget()),
		zap.String("device", eng.Device()),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(ctx) })
	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error { return transport.Listen(ctx, r.Handler()) })

	if *watch && *configFile != "" {
		w, err := config.NewConfigWatcher(*configFile, logger)
		if err != nil {
			logger.Warn("Config watching disabled", zap.Error(err))
		} else {
			defer w.Close()
			g.Go(func() error {
				r.WatchConfig(ctx, w)
				return nil
			})
		}
	}

	return g.Wait()
}
