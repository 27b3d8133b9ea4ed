package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pithecene-io/refinewatch/log"
	"github.com/pithecene-io/refinewatch/metrics"
	"github.com/pithecene-io/refinewatch/sse"
	"github.com/pithecene-io/refinewatch/tracker"
	"github.com/pithecene-io/refinewatch/types"
)

// Tier is the delivery tier currently responsible for fallback decisions.
type Tier string

const (
	TierSSE        Tier = "sse_only"
	TierSocket     Tier = "ws_upgraded"
	TierPolling    Tier = "polling"
	TierTerminated Tier = "terminated"
)

// Sink applies events in delivery order. tracker.Tracker satisfies it; the
// session runtime wraps it to record history.
type Sink interface {
	Apply(ev types.Event) (tracker.State, tracker.Change)
}

// API is the client surface the channel needs.
type API interface {
	StatusFetcher
	SocketURL(jobID string) string
}

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	// PollInterval is the spacing between status polls (default 2s).
	PollInterval time.Duration
	// MaxPollFailures is the consecutive poll failures tolerated (default 5).
	MaxPollFailures int
	// InactivityTimeout closes a silent stream and bounds silence across
	// all tiers (default 30m).
	InactivityTimeout time.Duration
	// HandshakeTimeout bounds the socket handshake (default 10m).
	HandshakeTimeout time.Duration
	// DisableSocket skips the push-socket upgrade.
	DisableSocket bool
	// SocketHeaders returns the handshake headers.
	SocketHeaders func() http.Header
	Logger        *log.Logger
	Metrics       *metrics.Collector
}

// Result summarizes a finished channel.
type Result struct {
	// Tier is the last active tier before the channel stopped.
	Tier Tier
	// State is the sink state after the last applied event.
	State tracker.State
	// Decoder holds the stream decoder counters.
	Decoder sse.Stats
	// SocketUsed is true if a socket upgrade was attempted.
	SocketUsed bool
	// Polled is true if polling was started.
	Polled bool
}

type tierKind int

const (
	kindSSE tierKind = iota
	kindSocket
	kindPoll
)

// delivery carries either an event or a tier's exit. A tier's exit is
// queued behind the events it delivered.
type delivery struct {
	ev   types.Event
	done *tierDone
}

type tierDone struct {
	kind   tierKind
	err    error
	socket socketResult
}

// Channel reconciles the stream, socket and poll tiers of one job into one
// ordered sink. A Channel is single-use.
type Channel struct {
	api  API
	sink Sink
	cfg  ChannelConfig

	deliveries chan delivery
	done       chan struct{}
	doneOnce   sync.Once

	mu   sync.Mutex
	tier Tier
}

// NewChannel creates a channel delivering into sink.
func NewChannel(api API, sink Sink, cfg ChannelConfig) *Channel {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultConnectTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	return &Channel{
		api:        api,
		sink:       sink,
		cfg:        cfg,
		deliveries: make(chan delivery, 64),
		done:       make(chan struct{}),
		tier:       TierSSE,
	}
}

// Tier returns the current tier.
func (c *Channel) Tier() Tier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tier
}

func (c *Channel) setTier(t Tier) {
	c.mu.Lock()
	c.tier = t
	c.mu.Unlock()
}

// Inject delivers a synthesized event through the channel's sink, in order
// with transport events. It is dropped once the channel has finished.
func (c *Channel) Inject(ev types.Event) bool {
	return c.send(ev)
}

func (c *Channel) send(ev types.Event) bool {
	return c.enqueue(delivery{ev: ev})
}

func (c *Channel) signal(td tierDone) {
	c.enqueue(delivery{done: &td})
}

func (c *Channel) enqueue(d delivery) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.deliveries <- d:
		return true
	case <-c.done:
		return false
	}
}

// run state owned by the Run goroutine.
type runState struct {
	body      *idleReader
	decoder   *sse.Decoder
	sseOpen   bool
	socket    *socket
	pollStop  context.CancelFunc
	workers   sync.WaitGroup
	jobID     string
	socketOn  bool
	pollingOn bool
	result    Result
	logger    *log.Logger
	idle      *time.Timer
}

// Run consumes body until the job reaches a terminal status, every tier is
// exhausted, or ctx is canceled. It closes body before returning.
//
// Errors:
//   - ErrTransportExhausted (IsExhausted): no tier can deliver further
//   - IsCanceled: ctx ended; the sink state is left as-is
//   - ErrorStream: the stream ended before any job id was known
func (c *Channel) Run(ctx context.Context, body io.ReadCloser) (Result, error) {
	defer c.doneOnce.Do(func() { close(c.done) })

	tierCtx, cancelTiers := context.WithCancel(ctx)
	defer cancelTiers()

	rs := &runState{
		body:    newIdleReader(body, c.cfg.InactivityTimeout),
		sseOpen: true,
		logger:  c.cfg.Logger,
	}
	rs.decoder = sse.NewDecoder(rs.body)

	rs.workers.Add(1)
	go func() {
		defer rs.workers.Done()
		c.readStream(rs.decoder)
	}()

	inactivity := time.NewTimer(c.cfg.InactivityTimeout)
	defer inactivity.Stop()
	rs.idle = inactivity

	for {
		select {
		case d := <-c.deliveries:
			if d.done != nil {
				if err := c.handleTierDone(tierCtx, rs, *d.done); err != nil {
					c.shutdown(rs, cancelTiers)
					return rs.result, err
				}
				continue
			}
			resetTimer(inactivity, c.cfg.InactivityTimeout)
			state, ch := c.apply(d.ev)
			rs.result.State = state

			if ch.NewJob && state.JobID() != "" && rs.jobID == "" {
				rs.jobID = state.JobID()
				rs.logger = rs.logger.WithJob(rs.jobID)
				c.upgrade(tierCtx, rs)
			}
			if state.Terminal() {
				return c.terminate(rs, cancelTiers), nil
			}

		case <-inactivity.C:
			c.cfg.Metrics.IncInactivityTimeout()
			rs.logger.Warn("no events within inactivity timeout", map[string]any{
				"timeout": c.cfg.InactivityTimeout.String(),
				"tier":    string(c.Tier()),
			})
			if rs.jobID != "" && !rs.pollingOn {
				c.closeSocket(rs)
				c.startPolling(tierCtx, rs)
				continue
			}
			c.shutdown(rs, cancelTiers)
			return rs.result, newError(ErrorExhausted, "watch",
				fmt.Errorf("%w: no events for %s", ErrTransportExhausted, c.cfg.InactivityTimeout))

		case <-ctx.Done():
			c.cfg.Metrics.IncSessionCanceled()
			c.shutdown(rs, cancelTiers)
			return rs.result, newError(ErrorCanceled, "watch", ctx.Err())
		}
	}
}

func (c *Channel) apply(ev types.Event) (tracker.State, tracker.Change) {
	c.cfg.Metrics.IncEvent(string(ev.Source))
	state, ch := c.sink.Apply(ev)
	if ch.Noop {
		c.cfg.Metrics.IncEventNoop()
	}
	return state, ch
}

// readStream pumps decoded stream events until the stream ends.
func (c *Channel) readStream(dec *sse.Decoder) {
	for {
		ev, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			c.signal(tierDone{kind: kindSSE, err: err})
			return
		}
		if !c.send(ev) {
			return
		}
	}
}

// upgrade opens the push-socket once the job id is known.
func (c *Channel) upgrade(ctx context.Context, rs *runState) {
	if c.cfg.DisableSocket {
		return
	}
	url := c.api.SocketURL(rs.jobID)
	var header http.Header
	if c.cfg.SocketHeaders != nil {
		header = c.cfg.SocketHeaders()
	}
	rs.socket = newSocket(url, header, c.cfg.HandshakeTimeout, c.send)
	rs.socketOn = true
	rs.result.SocketUsed = true
	c.setTier(TierSocket)
	c.cfg.Metrics.IncSocketUpgrade()
	rs.logger.Info("upgrading to push-socket", map[string]any{"url": url})

	sock := rs.socket
	rs.workers.Add(1)
	go func() {
		defer rs.workers.Done()
		c.signal(tierDone{kind: kindSocket, socket: sock.run(ctx)})
	}()
}

func (c *Channel) startPolling(ctx context.Context, rs *runState) {
	if rs.pollingOn || rs.jobID == "" {
		return
	}
	pollCtx, stop := context.WithCancel(ctx)
	rs.pollStop = stop
	rs.pollingOn = true
	rs.result.Polled = true
	c.setTier(TierPolling)
	// Polling gets a full inactivity window of its own.
	resetTimer(rs.idle, c.cfg.InactivityTimeout)
	rs.logger.Info("falling back to status polling", nil)

	p := newPoller(c.api, rs.jobID, c.cfg.PollInterval, c.cfg.MaxPollFailures, c.send)
	p.onAttempt = func(err error) {
		c.cfg.Metrics.IncPollRequest()
		if err != nil {
			c.cfg.Metrics.IncPollFailure()
			rs.logger.Warn("status poll failed", map[string]any{"error": err.Error()})
		}
	}
	rs.workers.Add(1)
	go func() {
		defer rs.workers.Done()
		c.signal(tierDone{kind: kindPoll, err: p.run(pollCtx)})
	}()
}

func (c *Channel) handleTierDone(ctx context.Context, rs *runState, sig tierDone) error {
	switch sig.kind {
	case kindSSE:
		rs.sseOpen = false
		if sig.err != nil {
			rs.logger.Warn("event stream failed", map[string]any{"error": sig.err.Error()})
		} else {
			rs.logger.Debug("event stream ended", nil)
		}
		if rs.socketOn || rs.pollingOn {
			return nil
		}
		if rs.jobID == "" {
			cause := sig.err
			if cause == nil {
				cause = errors.New("stream ended before a job id was announced")
			}
			return newError(ErrorStream, "stream", cause)
		}
		c.startPolling(ctx, rs)
		return nil

	case kindSocket:
		rs.socketOn = false
		res := sig.socket
		if res.Normal {
			// A normal closure never falls back, even with the stream gone.
			// Silence after it is left to the inactivity watchdog.
			rs.logger.Info("push-socket closed normally", map[string]any{"code": res.Code})
			return nil
		}
		fields := map[string]any{"code": res.Code}
		if res.Err != nil {
			fields["error"] = res.Err.Error()
		}
		rs.logger.Warn("push-socket failed", fields)
		c.cfg.Metrics.IncSocketFallback()
		c.startPolling(ctx, rs)
		return nil

	case kindPoll:
		rs.pollingOn = false
		if sig.err != nil {
			return sig.err
		}
		if ctx.Err() != nil {
			return nil
		}
		return newError(ErrorExhausted, "poll", ErrTransportExhausted)
	}
	return nil
}

// terminate drains what is already buffered after a terminal event and
// stops every tier.
func (c *Channel) terminate(rs *runState, cancelTiers context.CancelFunc) Result {
	rs.result.Tier = c.Tier()
	c.setTier(TierTerminated)
	c.closeSocket(rs)
	if rs.pollStop != nil {
		rs.pollStop()
	}
	_ = rs.body.Close()
	cancelTiers()

	// Complete lines read before the close are still delivered by the stream
	// goroutine; keep applying until every worker exits.
	c.waitWorkers(rs, true)

	// An unterminated final line is only visible once the reader stopped.
	for _, ev := range rs.decoder.Drain() {
		state, _ := c.apply(ev)
		rs.result.State = state
	}

	c.finish(rs)
	return rs.result
}

// shutdown stops every tier without applying anything further.
func (c *Channel) shutdown(rs *runState, cancelTiers context.CancelFunc) {
	rs.result.Tier = c.Tier()
	c.closeSocket(rs)
	if rs.pollStop != nil {
		rs.pollStop()
	}
	_ = rs.body.Close()
	cancelTiers()
	c.waitWorkers(rs, false)
	c.setTier(TierTerminated)
	c.finish(rs)
}

func (c *Channel) waitWorkers(rs *runState, apply bool) {
	idle := make(chan struct{})
	go func() {
		rs.workers.Wait()
		close(idle)
	}()
	take := func(d delivery) {
		if apply && d.done == nil {
			state, _ := c.apply(d.ev)
			rs.result.State = state
		}
	}
	for {
		select {
		case d := <-c.deliveries:
			take(d)
		case <-idle:
			// Drain anything sent between the last receive and exit.
			for {
				select {
				case d := <-c.deliveries:
					take(d)
				default:
					return
				}
			}
		}
	}
}

func (c *Channel) closeSocket(rs *runState) {
	if rs.socket != nil {
		rs.socket.Close()
	}
}

func (c *Channel) finish(rs *runState) {
	st := rs.decoder.Stats()
	rs.result.Decoder = st
	c.cfg.Metrics.AbsorbDecoderStats(st.Malformed+st.Ignored+st.Oversized, st.Heartbeats)
	c.doneOnce.Do(func() { close(c.done) })
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
