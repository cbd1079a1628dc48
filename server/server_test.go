package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teilomillet/relay/config"
	"github.com/teilomillet/relay/errors"
	"github.com/teilomillet/relay/server/chat"
	"github.com/teilomillet/relay/server/dispatch"
	"github.com/teilomillet/relay/server/engine"
	"github.com/teilomillet/relay/server/metrics"
	"github.com/teilomillet/relay/server/middleware"
	"github.com/teilomillet/relay/server/mocks"
	"github.com/teilomillet/relay/server/prompt"
	"github.com/teilomillet/relay/server/relay"
	"github.com/teilomillet/relay/server/tokenizer"
	"go.uber.org/zap/zaptest"
)

type fakeIntake struct {
	mu     sync.Mutex
	events []chat.MentionEvent
	id     string
	err    error
}

func (f *fakeIntake) HandleMention(ctx context.Context, ev chat.MentionEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.id, f.err
}

type fakeChannels []dispatch.ChannelStatus

func (f fakeChannels) Snapshot() []dispatch.ChannelStatus { return f }

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t)
	opts.Metrics = metrics.NewMetrics()
	return NewServer(opts)
}

func postJSON(t *testing.T, s http.Handler, path string, body interface{}, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func validMention() chat.MentionEvent {
	return chat.MentionEvent{MessageID: "m1", ChannelID: "c1", AuthorName: "ann", Text: "<@bot> hello"}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, Options{Channels: fakeChannels{{Channel: "a", Processing: true}}})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["active_channels"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relay_mentions_total")
}

func TestChannelsSorted(t *testing.T) {
	s := newTestServer(t, Options{Channels: fakeChannels{
		{Channel: "b", Processing: true, Backlog: 2},
		{Channel: "a", Processing: true},
	}})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/channels", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Channels []dispatch.ChannelStatus `json:"channels"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Channels, 2)
	assert.Equal(t, chat.ChannelID("a"), body.Channels[0].Channel)
	assert.Equal(t, 2, body.Channels[1].Backlog)
}

func TestChannelsEmpty(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/channels", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"channels":[]}`, rec.Body.String())
}

func TestMentionIntake(t *testing.T) {
	tests := []struct {
		name       string
		intake     *fakeIntake
		body       interface{}
		wantStatus int
		wantType   errors.ErrorType
	}{
		{
			name:       "queued",
			intake:     &fakeIntake{id: "req-1"},
			body:       validMention(),
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "own message ignored",
			intake:     &fakeIntake{},
			body:       validMention(),
			wantStatus: http.StatusOK,
		},
		{
			name: "invalid event",
			intake: &fakeIntake{err: errors.NewValidationError("req-2", "Invalid mention event",
				map[string]interface{}{"channel_id": "required"})},
			body:       chat.MentionEvent{MessageID: "m1"},
			wantStatus: http.StatusBadRequest,
			wantType:   errors.ValidationError,
		},
		{
			name:       "queue stopped",
			intake:     &fakeIntake{err: errors.NewInternalError("req-3", dispatch.ErrStopped)},
			body:       validMention(),
			wantStatus: http.StatusServiceUnavailable,
			wantType:   errors.InternalError,
		},
		{
			name:       "malformed body",
			intake:     &fakeIntake{},
			body:       "not an event",
			wantStatus: http.StatusBadRequest,
			wantType:   errors.ValidationError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Options{Intake: tt.intake})
			rec := postJSON(t, s, "/v1/mentions", tt.body, nil)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantType != "" {
				var e errors.RelayError
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
				assert.Equal(t, tt.wantType, e.Type)
				return
			}
			if tt.wantStatus == http.StatusAccepted {
				var body map[string]string
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
				assert.Equal(t, "queued", body["status"])
				assert.Equal(t, "req-1", body["request_id"])
			}
		})
	}
}

func TestMentionRequiresJSON(t *testing.T) {
	intake := &fakeIntake{id: "x"}
	s := newTestServer(t, Options{Intake: intake})

	req := httptest.NewRequest(http.MethodPost, "/v1/mentions", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Empty(t, intake.events)
}

func TestMentionIntakeDisabled(t *testing.T) {
	s := newTestServer(t, Options{})
	rec := postJSON(t, s, "/v1/mentions", validMention(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMentionRecordsHistory(t *testing.T) {
	transcript := chat.NewTranscript(10)
	s := newTestServer(t, Options{Intake: &fakeIntake{id: "r"}, Recorder: transcript})

	rec := postJSON(t, s, "/v1/mentions", validMention(), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	msgs, err := transcript.Fetch(context.Background(), "c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ann", msgs[0].AuthorName)
	assert.Equal(t, "<@bot> hello", msgs[0].Content)
}

func TestMessages(t *testing.T) {
	t.Run("recorded", func(t *testing.T) {
		transcript := chat.NewTranscript(10)
		s := newTestServer(t, Options{Recorder: transcript})

		rec := postJSON(t, s, "/v1/messages", MessageEvent{ChannelID: "c1", AuthorName: "bob", Content: "hi"}, nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, 1, transcript.Len("c1"))
	})

	t.Run("channel required", func(t *testing.T) {
		s := newTestServer(t, Options{Recorder: chat.NewTranscript(10)})
		rec := postJSON(t, s, "/v1/messages", MessageEvent{Content: "hi"}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("no recorder", func(t *testing.T) {
		s := newTestServer(t, Options{})
		rec := postJSON(t, s, "/v1/messages", MessageEvent{ChannelID: "c1"}, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestIntakeAuthentication(t *testing.T) {
	s := newTestServer(t, Options{
		Config: config.ServerConfig{IntakeToken: "secret"},
		Intake: &fakeIntake{id: "r"},
	})

	rec := postJSON(t, s, "/v1/mentions", validMention(), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, s, "/v1/mentions", validMention(), map[string]string{middleware.IntakeTokenHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, s, "/v1/mentions", validMention(), map[string]string{middleware.IntakeTokenHeader: "secret"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// Ops endpoints stay open.
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIntakeRateLimit(t *testing.T) {
	s := newTestServer(t, Options{
		RateLimit: config.RateLimitConfig{Enabled: true, Burst: 1, Every: time.Hour},
		Intake:    &fakeIntake{id: "r"},
	})

	rec := postJSON(t, s, "/v1/mentions", validMention(), nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = postJSON(t, s, "/v1/mentions", validMention(), nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))
}

func TestNotFound(t *testing.T) {
	s := newTestServer(t, Options{})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var e errors.RelayError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	assert.Equal(t, errors.NotFoundError, e.Type)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s := newTestServer(t, Options{Config: config.ServerConfig{ShutdownTimeout: time.Second}})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := fmt.Sprintf("http://%s/health", ln.Addr())
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}

// TestWebhookRoundTrip pushes a mention through the HTTP intake into a running
// relay and waits for the reply on the transport.
func TestWebhookRoundTrip(t *testing.T) {
	logger := zaptest.NewLogger(t)
	m := metrics.NewMetrics()
	transport := mocks.NewMockTransport()
	transcript := chat.NewTranscript(50)

	llm := mocks.NewMockLLM(mocks.Echo(" world"))
	eng := engine.NewWithLLM(llm, engine.Options{Logger: logger, Metrics: m})
	asm, err := prompt.NewAssembler(tokenizer.Bytes{}, 200, logger)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	r, err := relay.New(relay.Options{
		Transport:           transport,
		Engine:              eng,
		Assembler:           asm,
		Config:              cfg.Relay,
		MaxCompletionTokens: 16,
		Markers:             chat.MentionMarkers("bot"),
		Metrics:             m,
		Logger:              logger,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	s := NewServer(Options{Intake: r, Channels: r.Queue(), Recorder: transcript, Metrics: m, Logger: logger})
	rec := postJSON(t, s, "/v1/mentions", validMention(), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool { return len(transport.Replies()) == 1 }, 2*time.Second, 10*time.Millisecond)
	reply := transport.Replies()[0]
	assert.Equal(t, " world", reply.Text)
	assert.Equal(t, []string{"hello"}, llm.Prompts())
}
