// Package dispatch serializes mention processing per channel.
//
// A single loop goroutine owns all per-channel state. Mentions reach it over
// an intake channel; each admitted mention runs on its own worker goroutine
// and reports back over a completion channel when it is done, successful or
// not. Within a channel requests run one at a time in arrival order; across
// channels they run in parallel.
//
// Backlogs are unbounded. Their total length is exported as a gauge.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue/v2"
	relayerrors "github.com/teilomillet/relay/errors"
	"github.com/teilomillet/relay/server/chat"
	"github.com/teilomillet/relay/server/metrics"
	"go.uber.org/zap"
)

// ErrStopped is returned by Submit once the queue has shut down.
var ErrStopped = errors.New("dispatch queue stopped")

// Request is one mention waiting for or undergoing processing.
type Request struct {
	ID         string
	Channel    chat.ChannelID
	Event      chat.MentionEvent
	EnqueuedAt time.Time
}

// Handler processes one request. It must honor ctx: the queue releases the
// channel only when Process returns.
type Handler interface {
	Process(ctx context.Context, req Request) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) error

func (f HandlerFunc) Process(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// ChannelStatus is the externally visible state of one channel.
type ChannelStatus struct {
	Channel    chat.ChannelID `json:"channel_id"`
	Processing bool           `json:"processing"`
	Backlog    int            `json:"backlog"`
}

// Config defines the operational parameters of the queue.
type Config struct {
	// IntakeBuffer is the capacity of the intake channel
	IntakeBuffer int
	// RequestTimeout bounds each request; zero means no timeout
	RequestTimeout time.Duration
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

// Queue is the per-channel dispatch queue.
type Queue struct {
	handler Handler
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger

	intake      chan Request
	completions chan chat.ChannelID
	quit        chan struct{}
	running     atomic.Bool

	// owned by the loop goroutine
	channels channels

	// published copy for Snapshot
	mu       sync.RWMutex
	statuses map[chat.ChannelID]ChannelStatus
}

// New returns a queue that hands requests to h. Run must be called to start it.
func New(h Handler, cfg Config) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.IntakeBuffer < 0 {
		cfg.IntakeBuffer = 0
	}
	return &Queue{
		handler:     h,
		timeout:     cfg.RequestTimeout,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		intake:      make(chan Request, cfg.IntakeBuffer),
		completions: make(chan chat.ChannelID),
		quit:        make(chan struct{}),
		channels:    make(channels),
		statuses:    make(map[chat.ChannelID]ChannelStatus),
	}
}

// Submit hands req to the dispatcher. It blocks only while the intake buffer
// is full, never on an in-flight generation.
func (q *Queue) Submit(ctx context.Context, req Request) error {
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now()
	}
	select {
	case <-q.quit:
		return ErrStopped
	default:
	}
	select {
	case q.intake <- req:
		return nil
	case <-q.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the state of every active channel. Channels with nothing
// in flight have no entry.
func (q *Queue) Snapshot() []ChannelStatus {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]ChannelStatus, 0, len(q.statuses))
	for _, s := range q.statuses {
		out = append(out, s)
	}
	return out
}

// Run is the dispatcher loop. It returns after ctx is done and every
// in-flight request has finished; requests still in a backlog are dropped.
func (q *Queue) Run(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return fmt.Errorf("dispatch queue already running")
	}

	// In-flight work is not cut short by shutdown; it is bounded by the
	// per-request timeout instead.
	workCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup

	for {
		select {
		case req := <-q.intake:
			if q.channels.submit(req) {
				q.count("started")
				q.start(workCtx, &wg, req)
			} else {
				q.count("queued")
				q.logger.Info("Channel busy, mention queued",
					zap.String("channel_id", string(req.Channel)),
					zap.String("request_id", req.ID),
					zap.Int("backlog", q.channels[req.Channel].backlog.Length()),
				)
			}
			q.publish(req.Channel)

		case ch := <-q.completions:
			if next, ok := q.channels.complete(ch); ok {
				q.logger.Debug("Starting next queued mention",
					zap.String("channel_id", string(ch)),
					zap.String("request_id", next.ID),
					zap.Int("backlog", q.channels[ch].backlog.Length()),
				)
				q.start(workCtx, &wg, next)
			}
			q.publish(ch)

		case <-ctx.Done():
			close(q.quit)
			wg.Wait()
			q.shutdown()
			return nil
		}
	}
}

// start runs req on a worker goroutine. The completion report is deferred so
// it fires however Process exits.
func (q *Queue) start(ctx context.Context, wg *sync.WaitGroup, req Request) {
	if q.metrics != nil {
		q.metrics.QueueWait.Observe(time.Since(req.EnqueuedAt).Seconds())
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			select {
			case q.completions <- req.Channel:
			case <-q.quit:
			}
		}()
		q.process(ctx, req)
	}()
}

func (q *Queue) process(ctx context.Context, req Request) {
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err := relayerrors.NewInternalError(req.ID, fmt.Errorf("panic: %v", r))
			relayerrors.LogError(q.logger, err, req.ID)
			if q.metrics != nil {
				q.metrics.ErrorsTotal.WithLabelValues("dispatch_panic").Inc()
			}
		}
	}()

	if err := q.handler.Process(ctx, req); err != nil {
		relayerrors.LogError(q.logger, err, req.ID)
		if errors.Is(err, context.DeadlineExceeded) {
			q.logger.Warn("Request timed out",
				zap.String("channel_id", string(req.Channel)),
				zap.String("request_id", req.ID),
				zap.Duration("timeout", q.timeout),
			)
		}
	}
}

// publish refreshes the Snapshot copy and gauges for one channel.
func (q *Queue) publish(ch chat.ChannelID) {
	q.mu.Lock()
	if st, ok := q.channels[ch]; ok {
		q.statuses[ch] = ChannelStatus{Channel: ch, Processing: true, Backlog: st.backlog.Length()}
	} else {
		delete(q.statuses, ch)
	}
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.ChannelsProcessing.Set(float64(len(q.channels)))
		q.metrics.BacklogLength.Set(float64(q.channels.backlogTotal()))
	}
}

func (q *Queue) shutdown() {
	dropped := q.channels.backlogTotal()
	if dropped > 0 {
		q.logger.Warn("Dropping queued mentions at shutdown", zap.Int("dropped", dropped))
	}
	if q.metrics != nil {
		q.metrics.BacklogDropped.Add(float64(dropped))
		q.metrics.ChannelsProcessing.Set(0)
		q.metrics.BacklogLength.Set(0)
	}
	q.channels = make(channels)
	q.mu.Lock()
	q.statuses = make(map[chat.ChannelID]ChannelStatus)
	q.mu.Unlock()
}

func (q *Queue) count(admission string) {
	if q.metrics != nil {
		q.metrics.MentionsTotal.WithLabelValues(admission).Inc()
	}
}

// channelState exists only while a request for the channel is in flight.
type channelState struct {
	backlog *queue.Queue[Request]
}

// channels is the per-channel state machine. It is not safe for concurrent
// use; the dispatcher loop is its only caller.
type channels map[chat.ChannelID]*channelState

// submit admits req. It reports true when req should start now, false when
// it was appended to the channel's backlog.
func (c channels) submit(req Request) bool {
	st, ok := c[req.Channel]
	if !ok {
		c[req.Channel] = &channelState{backlog: queue.New[Request]()}
		return true
	}
	st.backlog.Add(req)
	return false
}

// complete records that the in-flight request of ch finished. It returns the
// next request to start, or false after removing the channel's entry.
func (c channels) complete(ch chat.ChannelID) (Request, bool) {
	st, ok := c[ch]
	if !ok {
		return Request{}, false
	}
	if st.backlog.Length() == 0 {
		delete(c, ch)
		return Request{}, false
	}
	return st.backlog.Remove(), true
}

func (c channels) backlogTotal() int {
	n := 0
	for _, st := range c {
		n += st.backlog.Length()
	}
	return n
}
