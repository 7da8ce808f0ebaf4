package recorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-recorder/internal/audio"
	"github.com/lexiqai/meeting-recorder/internal/observability"
	"github.com/lexiqai/meeting-recorder/internal/resilience"
	"github.com/lexiqai/meeting-recorder/internal/session"
	"github.com/lexiqai/meeting-recorder/internal/store"
	"github.com/lexiqai/meeting-recorder/internal/stt"
	"github.com/lexiqai/meeting-recorder/internal/summary"
)

// ErrMicrophoneDenied is the user-visible start failure for a refused device
var ErrMicrophoneDenied = errors.New("Microphone access denied")

const (
	attachPoll = 100 * time.Millisecond

	// DefaultFlushTimeout bounds the wait for results flushed after end-of-stream
	DefaultFlushTimeout = 3 * time.Second
)

// Transcriber is the streaming transcription client as the recorder uses it
type Transcriber interface {
	Connect(ctx context.Context) error
	Disconnect()
	HasConnection() bool
	WaitSegments(ctx context.Context) (*stt.SegmentStream, error)
}

// Streamer is the audio encoder pipeline
type Streamer interface {
	StartStreaming(ctx context.Context, stream audio.Stream) error
	StopStreaming()
	IsStreaming() bool
}

// Store is the session-persistence collaborator
type Store interface {
	MarkActive(ctx context.Context, id, conversationType, title string, startedAt time.Time) error
	AppendSegments(ctx context.Context, id string, from int, segs []stt.TranscriptSegment) error
	Finalize(ctx context.Context, id string, rec store.FinalizeRecord) error
}

// Machine is the slice of the session machine the recorder reports to
type Machine interface {
	Send(ev session.Event) bool
	Snapshot() session.Context
	MarkTranscriptSaved(index int)
}

// Options wires a Recorder
type Options struct {
	Source     audio.Acquirer
	STT        Transcriber
	Pipeline   Streamer
	Store      Store
	Summarizer summary.Summarizer
	Retry      *resilience.RetryConfig
	Now        func() time.Time

	// FlushTimeout defaults to DefaultFlushTimeout
	FlushTimeout time.Duration
}

// Recorder implements the session machine's start-recording and finalize
// services and its halt hook
type Recorder struct {
	source     audio.Acquirer
	stt        Transcriber
	pipeline   Streamer
	store      Store
	summarizer summary.Summarizer
	retry      *resilience.RetryConfig
	now        func() time.Time
	flush      time.Duration
	logger     zerolog.Logger

	mu      sync.Mutex
	machine Machine
	run     *run
}

// run is the set of goroutines serving one started recording
type run struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// ended receives after each segment stream the pump consumed completes
	ended chan struct{}
}

func (rn *run) stop() {
	rn.cancel()
	rn.wg.Wait()
}

// New creates a Recorder. Store and Summarizer may be nil.
func New(opts Options) *Recorder {
	if opts.Retry == nil {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = DefaultFlushTimeout
	}
	return &Recorder{
		source:     opts.Source,
		stt:        opts.STT,
		pipeline:   opts.Pipeline,
		store:      opts.Store,
		summarizer: opts.Summarizer,
		retry:      opts.Retry,
		now:        opts.Now,
		flush:      opts.FlushTimeout,
		logger:     observability.Component("recorder"),
	}
}

// Bind sets the machine that receives transcript updates
func (r *Recorder) Bind(m Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.machine = m
}

// Start acquires the microphone, activates the persisted session, connects
// the transcription client and starts streaming. Transport failures that
// will be retried do not fail the start.
func (r *Recorder) Start(ctx context.Context, snap session.Context) (session.StartResult, error) {
	stream, err := r.source.Acquire(ctx)
	if err != nil {
		if errors.Is(err, audio.ErrPermissionDenied) {
			return session.StartResult{}, ErrMicrophoneDenied
		}
		return session.StartResult{}, fmt.Errorf("acquire microphone: %w", err)
	}

	id := snap.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	logger := r.logger.With().Str("session_id", id).Logger()

	fail := func(err error) (session.StartResult, error) {
		r.teardown()
		if stopErr := stream.Stop(); stopErr != nil {
			logger.Warn().Err(stopErr).Msg("Releasing microphone failed")
		}
		return session.StartResult{}, err
	}

	if r.store != nil {
		err := resilience.Retry(ctx, func(ctx context.Context) error {
			return r.store.MarkActive(ctx, id, snap.ConversationType, snap.Title, snap.RecordingStartTime)
		}, r.retry, resilience.IsRetryableNetworkError)
		observability.RecordCollaborator("store", err == nil)
		if err != nil {
			return fail(fmt.Errorf("mark session active: %w", err))
		}
	}

	if err := r.stt.Connect(ctx); err != nil {
		var serr *stt.StreamingError
		if !errors.As(err, &serr) || !serr.Retryable {
			return fail(err)
		}
		logger.Warn().Err(err).Msg("Transcription connect failed, reconnect scheduled")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rn := &run{cancel: cancel, ended: make(chan struct{}, 1)}
	rn.wg.Add(2)
	r.mu.Lock()
	prev := r.run
	r.run = rn
	r.mu.Unlock()
	if prev != nil {
		prev.stop()
	}

	go r.pump(runCtx, rn, finalsOf(snap.Transcript))
	go r.attach(runCtx, &rn.wg, stream)

	if ctx.Err() != nil {
		return fail(ctx.Err())
	}

	logger.Info().Str("stream_id", stream.ID()).Msg("Recording session started")
	return session.StartResult{SessionID: id, Stream: stream}, nil
}

// attach starts the pipeline once the client holds a connection
func (r *Recorder) attach(ctx context.Context, wg *sync.WaitGroup, stream audio.Stream) {
	defer wg.Done()

	ticker := time.NewTicker(attachPoll)
	defer ticker.Stop()
	for {
		if r.pipeline.IsStreaming() {
			return
		}
		if r.stt.HasConnection() {
			if err := r.pipeline.StartStreaming(ctx, stream); err != nil {
				r.logger.Error().Err(err).Msg("Failed to start audio streaming")
				// Sent outside the run group: halting waits on it
				go r.report(session.Event{Type: session.EventError, Message: err.Error()})
				return
			}
			if r.pipeline.IsStreaming() {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pump turns segments into transcript updates. Finals are appended; the
// latest interim is kept as a trailing caption and replaced on each update.
// It resubscribes whenever the client opens a new connection.
func (r *Recorder) pump(ctx context.Context, rn *run, initial []stt.TranscriptSegment) {
	defer rn.wg.Done()

	finals := initial
	var interim *stt.TranscriptSegment

	for {
		segments, err := r.stt.WaitSegments(ctx)
		if err != nil {
			return
		}
		ch, cancel := segments.Subscribe()

	consume:
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case seg, ok := <-ch:
				if !ok {
					break consume
				}
				if seg.IsFinal {
					finals = append(finals, seg)
					interim = nil
				} else {
					s := seg
					interim = &s
				}

				transcript := make([]stt.TranscriptSegment, len(finals), len(finals)+1)
				copy(transcript, finals)
				if interim != nil {
					transcript = append(transcript, *interim)
				}
				r.report(session.Event{Type: session.EventUpdateTranscript, Transcript: transcript})
			}
		}
		cancel()

		// A dropped connection orphans the caption it was refining
		interim = nil
		select {
		case rn.ended <- struct{}{}:
		default:
		}
	}
}

// WatchErrors turns unrecoverable transcription errors into ERROR events.
// Retryable errors are left to the client's reconnect loop.
func (r *Recorder) WatchErrors(ctx context.Context, errs <-chan *stt.StreamingError) {
	for {
		select {
		case <-ctx.Done():
			return
		case serr, ok := <-errs:
			if !ok {
				return
			}
			if serr.Retryable {
				continue
			}
			r.report(session.Event{Type: session.EventError, Message: serr.Message})
		}
	}
}

func (r *Recorder) report(ev session.Event) {
	r.mu.Lock()
	m := r.machine
	r.mu.Unlock()
	if m != nil {
		m.Send(ev)
	}
}

// teardown stops the background goroutines, the pipeline and the
// connection. It is idempotent.
func (r *Recorder) teardown() {
	r.mu.Lock()
	rn := r.run
	r.run = nil
	r.mu.Unlock()

	if rn != nil {
		rn.stop()
	}
	r.pipeline.StopStreaming()
	r.stt.Disconnect()
}

// drain ends the audio stream with the pump still running and waits up to
// the flush timeout for the provider to deliver its last results
func (r *Recorder) drain(ctx context.Context) {
	r.mu.Lock()
	rn := r.run
	r.mu.Unlock()

	if rn == nil || !r.pipeline.IsStreaming() || !r.stt.HasConnection() {
		r.pipeline.StopStreaming()
		return
	}
	select {
	case <-rn.ended:
	default:
	}
	r.pipeline.StopStreaming()

	timer := time.NewTimer(r.flush)
	defer timer.Stop()
	select {
	case <-rn.ended:
	case <-timer.C:
		r.logger.Warn().Dur("timeout", r.flush).Msg("Transcription did not flush before finalize")
	case <-ctx.Done():
	}
}

// Halt abandons a live recording without finalizing it
func (r *Recorder) Halt(snap session.Context) {
	r.logger.Warn().Str("session_id", snap.SessionID).Msg("Recording halted")
	r.teardown()
}

// Finalize stops capture, summarizes when no summary exists yet and
// persists the remaining transcript and the session totals
func (r *Recorder) Finalize(ctx context.Context, snap session.Context) (session.FinalizeResult, error) {
	r.drain(ctx)
	r.teardown()
	snap = r.refresh(snap)
	finals := finalsOf(snap.Transcript)

	logger := r.logger.With().Str("session_id", snap.SessionID).Logger()
	result := session.FinalizeResult{Summary: snap.Summary}

	if result.Summary == "" && r.summarizer != nil {
		text, err := r.summarizer.Summarize(ctx, summary.Request{
			SessionID:        snap.SessionID,
			ConversationType: snap.ConversationType,
			Title:            snap.Title,
			PersonalContext:  snap.PersonalContext,
			Transcript:       finals,
		})
		if err != nil {
			return result, fmt.Errorf("summarize session: %w", err)
		}
		result.Summary = strings.TrimSpace(text)
	}

	if r.store == nil || snap.SessionID == "" {
		return result, nil
	}

	segs, next := snap.TranscriptDelta()
	if len(segs) > 0 {
		from := next - len(segs)
		err := resilience.Retry(ctx, func(ctx context.Context) error {
			return r.store.AppendSegments(ctx, snap.SessionID, from, segs)
		}, r.retry, resilience.IsRetryableNetworkError)
		observability.RecordCollaborator("store", err == nil)
		if err != nil {
			return result, fmt.Errorf("persist transcript: %w", err)
		}
		r.markSaved(next)
	}

	stats := session.ComputeTalkStats(finals)
	err := resilience.Retry(ctx, func(ctx context.Context) error {
		return r.store.Finalize(ctx, snap.SessionID, store.FinalizeRecord{
			EndedAt:   r.now(),
			Duration:  snap.CumulativeDuration,
			MeWords:   stats.MeWords,
			ThemWords: stats.ThemWords,
			Summary:   result.Summary,
		})
	}, r.retry, resilience.IsRetryableNetworkError)
	observability.RecordCollaborator("store", err == nil)
	if err != nil {
		return result, fmt.Errorf("finalize session: %w", err)
	}

	logger.Info().
		Dur("duration", snap.CumulativeDuration).
		Int("me_words", stats.MeWords).
		Int("them_words", stats.ThemWords).
		Msg("Recording session finalized")
	return result, nil
}

// refresh picks up transcript changes made after the finalize snapshot was
// taken, such as results flushed at end-of-stream
func (r *Recorder) refresh(snap session.Context) session.Context {
	r.mu.Lock()
	m := r.machine
	r.mu.Unlock()
	if m == nil {
		return snap
	}
	cur := m.Snapshot()
	if cur.SessionID == "" || cur.SessionID != snap.SessionID {
		return snap
	}
	snap.Transcript = cur.Transcript
	snap.LastSavedTranscriptIndex = cur.LastSavedTranscriptIndex
	return snap
}

// finalsOf returns the leading run of final segments
func finalsOf(transcript []stt.TranscriptSegment) []stt.TranscriptSegment {
	var finals []stt.TranscriptSegment
	for _, seg := range transcript {
		if !seg.IsFinal {
			break
		}
		finals = append(finals, seg)
	}
	return finals
}

func (r *Recorder) markSaved(index int) {
	r.mu.Lock()
	m := r.machine
	r.mu.Unlock()
	if m != nil {
		m.MarkTranscriptSaved(index)
	}
}
