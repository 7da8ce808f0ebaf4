package stt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-recorder/internal/observability"
	"github.com/lexiqai/meeting-recorder/internal/resilience"
)

// AfterFunc schedules f after d and returns a func that cancels it
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func timeAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// ClientOptions configures a Client
type ClientOptions struct {
	Live      LiveOptions
	Reconnect *resilience.ReconnectConfig
	Speaker   Speaker
	// DialTimeout bounds each connect attempt started by a reconnect
	DialTimeout time.Duration
	// AfterFunc replaces time.AfterFunc in tests
	AfterFunc AfterFunc
	// Now replaces time.Now in tests
	Now func() time.Time
}

type envelope struct {
	gen   uint64
	event Event
}

// Client owns exactly one logical provider connection at a time. Transport
// callbacks are funnelled through one ordered channel and handled by a
// single loop goroutine.
type Client struct {
	dialer    Dialer
	keys      KeyProvider
	opts      ClientOptions
	logger    zerolog.Logger
	afterFunc AfterFunc
	now       func() time.Time

	events chan envelope
	errs   chan *StreamingError
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	gen        uint64
	conn       Conn
	connecting bool
	connected  bool
	streaming  bool
	attempts   int
	timerStop  func() bool
	timerSeq   uint64
	pending    [][]byte
	quality    ConnectionQuality
	lastErr    *StreamingError
	segments   *SegmentStream
	segReady   chan struct{}
}

// NewClient creates a client and starts its event loop
func NewClient(dialer Dialer, keys KeyProvider, opts ClientOptions) *Client {
	if opts.Reconnect == nil {
		opts.Reconnect = resilience.DefaultReconnectConfig()
	}
	if opts.Speaker == "" {
		opts.Speaker = SpeakerMe
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Live.Model == "" {
		opts.Live = DefaultLiveOptions()
	}
	opts.Live = opts.Live.Normalize()

	c := &Client{
		dialer:    dialer,
		keys:      keys,
		opts:      opts,
		logger:    observability.Component("stt-client"),
		afterFunc: opts.AfterFunc,
		now:       opts.Now,
		events:    make(chan envelope, 256),
		errs:      make(chan *StreamingError, 16),
		done:      make(chan struct{}),
		quality:   ConnectionQuality{Status: QualityDisconnected},
		segReady:  make(chan struct{}),
	}
	if c.afterFunc == nil {
		c.afterFunc = timeAfterFunc
	}
	if c.now == nil {
		c.now = time.Now
	}
	go c.run()
	return c
}

// Connect opens a connection. It is a no-op when already connected or
// connecting. Dial failures are reported as CONNECTION_FAILED and schedule
// a reconnect; credential failures are INIT_ERROR and do not.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected || c.connecting || c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.streaming = true
	c.cancelTimerLocked()
	c.gen++
	gen := c.gen
	// The stream exists before the dial so no transcript of this
	// generation can arrive ahead of it
	segments := NewSegmentStream()
	c.segments = segments
	close(c.segReady)
	c.segReady = make(chan struct{})
	c.mu.Unlock()

	key, err := c.keys.APIKey(ctx)
	if err != nil {
		c.mu.Lock()
		if gen == c.gen {
			c.connecting = false
			c.streaming = false
			c.segments = nil
		}
		serr := NewStreamingError(ErrInitError, "failed to resolve provider credentials", err)
		serr.Retryable = false
		c.raiseLocked(serr)
		c.mu.Unlock()
		segments.Complete()
		return serr
	}

	conn, err := c.dialer.Dial(ctx, key, c.opts.Live, c.emitter(gen))
	observability.RecordSTTConnect(err == nil)

	c.mu.Lock()
	if gen != c.gen {
		// Disconnected while dialing
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}
	c.connecting = false

	if err != nil {
		c.segments = nil
		defer segments.Complete()
		defer c.mu.Unlock()
		if errors.Is(err, ErrUnauthorized) {
			c.streaming = false
			serr := NewStreamingError(ErrAuthFailed, "provider rejected credentials", err)
			c.raiseLocked(serr)
			if inv, ok := c.keys.(interface{ Invalidate() }); ok {
				inv.Invalidate()
			}
			return serr
		}
		serr := NewStreamingError(ErrConnectionFailed, "failed to open transcription connection", err)
		c.raiseLocked(serr)
		c.scheduleReconnectLocked()
		return serr
	}

	c.conn = conn
	c.mu.Unlock()

	c.logger.Info().Uint64("generation", gen).Msg("Transcription connection dialed")

	// Open is delivered through the loop so it is ordered with every
	// transport event of this generation
	c.emitter(gen)(Opened{})
	return nil
}

// emitter tags events with their connection generation
func (c *Client) emitter(gen uint64) Emit {
	return func(ev Event) {
		select {
		case c.events <- envelope{gen: gen, event: ev}:
		case <-c.done:
		}
	}
}

func (c *Client) run() {
	for {
		select {
		case env := <-c.events:
			c.handle(env)
		case <-c.done:
			return
		}
	}
}

func (c *Client) handle(env envelope) {
	c.mu.Lock()
	after := c.handleLocked(env)
	c.mu.Unlock()

	for _, f := range after {
		f()
	}
}

// handleLocked applies one event and returns work to run after unlocking
func (c *Client) handleLocked(env envelope) []func() {
	if env.gen != c.gen {
		return nil
	}

	switch ev := env.event.(type) {
	case Opened:
		if c.conn == nil {
			return nil
		}
		c.connected = true
		c.attempts = 0
		c.cancelTimerLocked()
		c.setQualityLocked(QualityExcellent)
		c.flushLocked()
		c.logger.Info().Msg("Transcription connection open")

	case Closed:
		c.logger.Info().Int("code", ev.Code).Str("reason", ev.Reason).Msg("Transcription connection closed")
		after := c.releaseConnLocked()
		c.setQualityLocked(QualityDisconnected)
		c.scheduleReconnectLocked()
		return after

	case Errored:
		if ev.Auth {
			c.streaming = false
			c.cancelTimerLocked()
			c.raiseLocked(NewStreamingError(ErrAuthFailed, ev.Message, nil))
		} else {
			c.raiseLocked(NewStreamingError(ErrConnectionFailed, ev.Message, nil))
		}
		c.setQualityLocked(QualityPoor)

	case SpeechStarted:
		c.setQualityLocked(QualityGood)

	case UtteranceEnded:
		c.logger.Debug().Msg("Utterance ended")

	case Transcript:
		text := strings.TrimSpace(ev.Text)
		segments := c.segments
		if text == "" || segments == nil {
			return nil
		}
		seg := TranscriptSegment{
			Text:       text,
			Confidence: ev.Confidence,
			IsFinal:    ev.IsFinal,
			Timestamp:  c.now(),
			Speaker:    c.opts.Speaker,
			Start:      ev.Start,
			Duration:   ev.Duration,
		}
		observability.RecordSegment(seg.IsFinal)
		// Published outside the lock so a slow subscriber cannot stall audio
		return []func(){func() { segments.Publish(seg) }}
	}
	return nil
}

// releaseConnLocked detaches the connection and its segment stream. The
// returned funcs close them and must run without the lock held.
func (c *Client) releaseConnLocked() []func() {
	var after []func()
	if conn := c.conn; conn != nil {
		after = append(after, conn.Close)
	}
	if segments := c.segments; segments != nil {
		after = append(after, segments.Complete)
	}
	c.conn = nil
	c.segments = nil
	c.connected = false
	return after
}

// flushLocked writes queued audio in FIFO order. Buffers that fail to send
// stay queued for the next open.
func (c *Client) flushLocked() {
	for len(c.pending) > 0 {
		buf := c.pending[0]
		if err := c.conn.Write(buf); err != nil {
			c.logger.Warn().Err(err).Int("pending", len(c.pending)).Msg("Flushing queued audio failed")
			c.connected = false
			break
		}
		observability.RecordAudioBytes(len(buf))
		c.pending[0] = nil
		c.pending = c.pending[1:]
	}
	if len(c.pending) == 0 {
		c.pending = nil
	}
	observability.SetPendingAudio(len(c.pending))
}

// scheduleReconnectLocked arms the owned reconnect timer while streaming is
// still intended
func (c *Client) scheduleReconnectLocked() {
	if !c.streaming || c.timerStop != nil {
		return
	}
	if c.opts.Reconnect.Exhausted(c.attempts) {
		c.streaming = false
		serr := NewStreamingError(ErrConnectionFailed, "reconnect attempts exhausted", nil)
		serr.Retryable = false
		c.raiseLocked(serr)
		return
	}

	delay := c.opts.Reconnect.Delay(c.attempts)
	c.attempts++
	c.timerSeq++
	seq := c.timerSeq
	c.timerStop = c.afterFunc(delay, func() { c.fireReconnect(seq) })

	observability.RecordReconnectScheduled()
	c.logger.Info().
		Int("attempt", c.attempts).
		Dur("delay", delay).
		Msg("Reconnect scheduled")
}

func (c *Client) fireReconnect(seq uint64) {
	c.mu.Lock()
	if seq != c.timerSeq || c.timerStop == nil || !c.streaming {
		c.mu.Unlock()
		return
	}
	c.timerStop = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Reconnect attempt failed")
	}
}

func (c *Client) cancelTimerLocked() {
	if c.timerStop != nil {
		c.timerStop()
		c.timerStop = nil
	}
	c.timerSeq++
}

func (c *Client) setQualityLocked(status QualityStatus) {
	c.quality = ConnectionQuality{Status: status}
	observability.SetConnectionQuality(status.Level())
}

func (c *Client) raiseLocked(err *StreamingError) {
	c.lastErr = err
	observability.RecordSTTError(string(err.Kind))
	c.logger.Warn().
		Str("kind", string(err.Kind)).
		Bool("retryable", err.Retryable).
		Str("message", err.Message).
		Msg("Streaming error")
	select {
	case c.errs <- err:
	default:
		c.logger.Warn().Msg("Streaming error channel full, dropping error")
	}
}

// Disconnect cancels any pending reconnect before tearing the connection
// down, so a stale timer can never reopen it
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.cancelTimerLocked()
	c.streaming = false
	c.gen++

	after := c.releaseConnLocked()
	c.connecting = false
	c.attempts = 0
	c.pending = nil
	observability.SetPendingAudio(0)
	c.setQualityLocked(QualityDisconnected)
	c.mu.Unlock()

	for _, f := range after {
		f()
	}
}

// Close disconnects and stops the event loop
func (c *Client) Close() {
	c.Disconnect()
	c.once.Do(func() { close(c.done) })
}

// SendAudio writes buf when open, otherwise queues it
func (c *Client) SendAudio(buf []byte) {
	if len(buf) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		c.pending = append(c.pending, buf)
		observability.SetPendingAudio(len(c.pending))
		return
	}
	if err := c.conn.Write(buf); err != nil {
		// Keep the buffer; the close event will drive a reconnect
		c.logger.Warn().Err(err).Msg("Audio write failed, queueing")
		c.connected = false
		c.pending = append(c.pending, buf)
		observability.SetPendingAudio(len(c.pending))
		c.setQualityLocked(QualityPoor)
		return
	}
	observability.RecordAudioBytes(len(buf))
}

// FinishStream asks the provider to flush final results
func (c *Client) FinishStream() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.connected {
		return nil
	}
	return c.conn.Finish()
}

// ClearPending drops queued audio
func (c *Client) ClearPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
	observability.SetPendingAudio(0)
}

// SetStreaming records whether the caller still wants to stream. Clearing
// it cancels any pending reconnect.
func (c *Client) SetStreaming(streaming bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streaming = streaming
	if !streaming {
		c.cancelTimerLocked()
	}
}

// HasConnection reports whether a connection object exists, open or not
func (c *Client) HasConnection() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// IsConnected reports whether the connection is open
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Quality returns the current connection quality
func (c *Client) Quality() ConnectionQuality {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

// LastError returns the most recent streaming error, if any
func (c *Client) LastError() *StreamingError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Errors delivers streaming errors as they are raised
func (c *Client) Errors() <-chan *StreamingError {
	return c.errs
}

// Segments returns the current connection's segment stream, or nil
func (c *Client) Segments() *SegmentStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.segments
}

// WaitSegments blocks until a live segment stream exists
func (c *Client) WaitSegments(ctx context.Context) (*SegmentStream, error) {
	for {
		c.mu.Lock()
		segments := c.segments
		ready := c.segReady
		c.mu.Unlock()

		if segments != nil && !segments.Completed() {
			return segments, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, errors.New("stt client closed")
		}
	}
}

// PendingAudio returns the number of queued buffers
func (c *Client) PendingAudio() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ReconnectAttempts returns the current attempt counter
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}
