// Package server is the relay's operational HTTP surface: health, metrics,
// the dispatch queue snapshot, and mention intake for push-based platforms.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/teilomillet/relay/config"
	"github.com/teilomillet/relay/errors"
	"github.com/teilomillet/relay/server/chat"
	"github.com/teilomillet/relay/server/dispatch"
	"github.com/teilomillet/relay/server/metrics"
	"github.com/teilomillet/relay/server/middleware"
	"go.uber.org/zap"
)

// maxBodyBytes bounds intake request bodies.
const maxBodyBytes = 1 << 20

// Intake accepts mention events.
type Intake interface {
	HandleMention(ctx context.Context, ev chat.MentionEvent) (string, error)
}

// ChannelLister reports per-channel dispatch state.
type ChannelLister interface {
	Snapshot() []dispatch.ChannelStatus
}

// HistoryRecorder stores messages that later serve as channel history.
type HistoryRecorder interface {
	Record(channel chat.ChannelID, authorName, content string)
}

// Options configures a Server. Recorder may be nil when the transport has
// its own history.
type Options struct {
	Config    config.ServerConfig
	RateLimit config.RateLimitConfig
	Intake    Intake
	Channels  ChannelLister
	Recorder  HistoryRecorder
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Server represents the HTTP server
type Server struct {
	httpServer      *http.Server
	router          chi.Router
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

// MessageEvent is a channel message that does not mention the bot.
type MessageEvent struct {
	ChannelID  chat.ChannelID `json:"channel_id" validate:"required"`
	AuthorName string         `json:"author_name"`
	Content    string         `json:"content"`
}

// NewServer builds the router and the http.Server.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = errors.DefaultLogger
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics()
	}

	s := &Server{
		shutdownTimeout: opts.Config.ShutdownTimeout,
		logger:          opts.Logger,
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = 5 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(opts.Logger))
	r.Use(middleware.Logging(opts.Logger))
	r.Use(middleware.PrometheusMetrics(opts.Metrics))

	r.Get("/health", s.health(opts.Channels))
	r.Handle("/metrics", opts.Metrics.Handler())
	r.Get("/v1/channels", s.channels(opts.Channels))

	r.Group(func(r chi.Router) {
		if opts.RateLimit.Enabled {
			r.Use(middleware.NewRateLimiter(opts.RateLimit.Every, opts.RateLimit.Burst, opts.Metrics).Handler)
		}
		r.Use(middleware.Authentication(opts.Config.IntakeToken))
		r.Post("/v1/mentions", s.mentions(opts.Intake, opts.Recorder))
		r.Post("/v1/messages", s.messages(opts.Recorder))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrorWithType(w, "Not found", errors.NotFoundError, http.StatusNotFound)
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", opts.Config.Port),
		Handler:        r,
		ReadTimeout:    opts.Config.ReadTimeout,
		WriteTimeout:   opts.Config.WriteTimeout,
		MaxHeaderBytes: opts.Config.MaxHeaderBytes,
	}
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("Server started", zap.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		s.logger.Info("Shutting down server")
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error during server shutdown: %w", err)
		}
		return nil

	case err := <-errChan:
		return err
	}
}

func (s *Server) health(channels ChannelLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{"status": "ok"}
		if channels != nil {
			resp["active_channels"] = len(channels.Snapshot())
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) channels(channels ChannelLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := []dispatch.ChannelStatus{}
		if channels != nil {
			list = append(list, channels.Snapshot()...)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Channel < list[j].Channel })
		writeJSON(w, http.StatusOK, map[string]interface{}{"channels": list})
	}
}

func (s *Server) mentions(intake Intake, recorder HistoryRecorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if intake == nil {
			errors.ErrorWithType(w, "Mention intake is disabled", errors.NotFoundError, http.StatusNotFound)
			return
		}
		var ev chat.MentionEvent
		if !decodeJSON(w, r, &ev) {
			return
		}

		// The mention itself is part of the channel's history.
		if recorder != nil && ev.ChannelID != "" {
			recorder.Record(ev.ChannelID, ev.AuthorName, ev.Text)
		}

		id, err := intake.HandleMention(r.Context(), ev)
		if err != nil {
			var relayErr *errors.RelayError
			if errors.As(err, &relayErr) {
				if relayErr.Type == errors.InternalError {
					relayErr.Code = http.StatusServiceUnavailable
				}
				errors.WriteError(w, relayErr)
				return
			}
			errors.Error(w, "Failed to accept mention", http.StatusInternalServerError)
			return
		}
		if id == "" {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "request_id": id})
	}
}

func (s *Server) messages(recorder HistoryRecorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if recorder == nil {
			errors.ErrorWithType(w, "Transport keeps its own history", errors.NotFoundError, http.StatusNotFound)
			return
		}
		var msg MessageEvent
		if !decodeJSON(w, r, &msg) {
			return
		}
		if msg.ChannelID == "" {
			errors.WriteError(w, errors.NewValidationError(middleware.GetRequestID(r.Context()), "Invalid message event",
				map[string]interface{}{"channel_id": "required"}))
			return
		}
		recorder.Record(msg.ChannelID, msg.AuthorName, msg.Content)
		w.WriteHeader(http.StatusNoContent)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		errors.ErrorWithType(w, "Invalid or missing Content-Type header", errors.ValidationError, http.StatusUnsupportedMediaType)
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		errors.ErrorWithType(w, "Invalid request body", errors.ValidationError, http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
