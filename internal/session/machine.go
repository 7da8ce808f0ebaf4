package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-recorder/internal/audio"
	"github.com/lexiqai/meeting-recorder/internal/observability"
	"github.com/lexiqai/meeting-recorder/internal/stt"
)

// StartResult is produced by the start-recording service
type StartResult struct {
	SessionID string
	Stream    audio.Stream
}

// StartRecordingService acquires the microphone and activates the session.
// ctx is cancelled when the recording is abandoned.
type StartRecordingService interface {
	Start(ctx context.Context, snapshot Context) (StartResult, error)
}

// StartFunc adapts a function to StartRecordingService
type StartFunc func(ctx context.Context, snapshot Context) (StartResult, error)

func (f StartFunc) Start(ctx context.Context, snapshot Context) (StartResult, error) {
	return f(ctx, snapshot)
}

// FinalizeResult is produced by the finalize service
type FinalizeResult struct {
	Summary string
}

// FinalizeService summarizes and persists a stopped recording
type FinalizeService interface {
	Finalize(ctx context.Context, snapshot Context) (FinalizeResult, error)
}

// FinalizeFunc adapts a function to FinalizeService
type FinalizeFunc func(ctx context.Context, snapshot Context) (FinalizeResult, error)

func (f FinalizeFunc) Finalize(ctx context.Context, snapshot Context) (FinalizeResult, error) {
	return f(ctx, snapshot)
}

// HaltFunc is called when a live recording is abandoned in the error state
type HaltFunc func(snapshot Context)

// Options configures a Machine
type Options struct {
	Start       StartRecordingService
	Finalize    FinalizeService
	Halt        HaltFunc
	AuthSession string
	Usage       UsageUpdate
	Now         func() time.Time
	Logger      *zerolog.Logger
}

// Change is published to subscribers after every accepted event
type Change struct {
	From    State     `json:"from"`
	To      State     `json:"to"`
	Event   EventType `json:"event"`
	Context Context   `json:"context"`
}

const changeBuffer = 64

// Machine is the recording session state machine. Every event, external or
// from an invoked service, is applied under one lock so the machine behaves
// as a single actor.
type Machine struct {
	mu    sync.Mutex
	state State
	ctx   Context

	start    StartRecordingService
	finalize FinalizeService
	halt     HaltFunc
	now      func() time.Time
	logger   zerolog.Logger

	// invocation identifies the running service; results carrying an older
	// token are stale and dropped
	invocation      uint64
	cancelInvoke    context.CancelFunc
	finalizeStarted time.Time

	subs    map[int]chan Change
	nextSub int
	stopped bool
	wg      sync.WaitGroup
}

// New creates a machine in the setup state
func New(opts Options) *Machine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Start == nil {
		opts.Start = StartFunc(func(context.Context, Context) (StartResult, error) {
			return StartResult{}, nil
		})
	}
	if opts.Finalize == nil {
		opts.Finalize = FinalizeFunc(func(_ context.Context, snap Context) (FinalizeResult, error) {
			return FinalizeResult{Summary: snap.Summary}, nil
		})
	}
	logger := observability.Component("session")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Machine{
		state: StateSetup,
		ctx: Context{
			AuthSession:           opts.AuthSession,
			CanRecord:             opts.Usage.CanRecord,
			MinutesRemaining:      opts.Usage.MinutesRemaining,
			CurrentSessionMinutes: opts.Usage.CurrentSessionMinutes,
			IsTabVisible:          true,
		},
		start:    opts.Start,
		finalize: opts.Finalize,
		halt:     opts.Halt,
		now:      opts.Now,
		logger:   logger,
		subs:     make(map[int]chan Change),
	}
}

// Send applies an external event and reports whether it was accepted.
// Events not valid in the current state, or whose guard fails, are no-ops.
func (m *Machine) Send(ev Event) bool {
	if !ev.Type.IsExternal() {
		return false
	}
	return m.dispatch(ev, 0)
}

type internalEvent struct {
	start    StartResult
	finalize FinalizeResult
	err      error
}

func (m *Machine) dispatch(ev Event, token uint64, payload ...internalEvent) bool {
	var p internalEvent
	if len(payload) > 0 {
		p = payload[0]
	}

	m.mu.Lock()
	if m.stopped || (token != 0 && token != m.invocation) {
		m.mu.Unlock()
		if ev.Type == eventStartDone && p.start.Stream != nil {
			m.logger.Debug().Msg("Releasing stream from abandoned start")
			m.stopStream(p.start.Stream)
		}
		return false
	}

	from := m.state
	accepted, after := m.applyLocked(ev, p)
	if accepted {
		m.publishLocked(Change{From: from, To: m.state, Event: ev.Type, Context: m.ctx.clone()})
	}
	m.mu.Unlock()

	for _, fn := range after {
		fn()
	}
	return accepted
}

func (m *Machine) applyLocked(ev Event, p internalEvent) (bool, []func()) {
	if m.state.Terminal() {
		return false, nil
	}

	// Valid in every non-terminal state
	switch ev.Type {
	case EventTabVisibilityChanged:
		m.ctx.IsTabVisible = ev.Visible
		return true, nil
	case EventUpdateMinuteTracking:
		if ev.Usage == nil {
			return false, nil
		}
		m.ctx.CanRecord = ev.Usage.CanRecord
		m.ctx.MinutesRemaining = ev.Usage.MinutesRemaining
		m.ctx.CurrentSessionMinutes = ev.Usage.CurrentSessionMinutes
		return true, nil
	case EventApproachingUsageLimit:
		m.ctx.UsageWarning = ev.Message
		if m.ctx.UsageWarning == "" {
			m.ctx.UsageWarning = "Approaching usage limit"
		}
		return true, nil
	}

	switch m.state {
	case StateSetup:
		if ev.Type == EventSetupComplete {
			return true, m.gotoLocked(StateReady)
		}
		return m.applyDetailsLocked(ev), nil

	case StateReady:
		if ev.Type == EventStartRecording {
			if !m.canStartLocked() {
				m.logger.Info().
					Bool("can_record", m.ctx.CanRecord).
					Bool("authenticated", m.ctx.AuthSession != "").
					Float64("minutes_remaining", m.ctx.MinutesRemaining).
					Msg("Start recording rejected by guard")
				return false, nil
			}
			m.ctx.RecordingStartTime = m.now()
			m.ctx.Error = nil
			after := m.gotoLocked(StateRecording)
			m.invokeStartLocked()
			return true, after
		}
		return m.applyDetailsLocked(ev), nil

	case StateRecording:
		switch ev.Type {
		case EventPauseRecording:
			m.foldLocked()
			return true, m.gotoLocked(StatePaused)
		case EventStopRecording, EventUsageLimitReached:
			m.foldLocked()
			return true, m.gotoLocked(StateFinalizing)
		case EventError:
			m.foldLocked()
			return true, m.failLocked(ev.Message)
		}
		return m.applyRecordingLocked(ev, p)

	case StatePaused:
		switch ev.Type {
		case EventResumeRecording:
			m.ctx.RecordingStartTime = m.now()
			return true, m.gotoLocked(StateRecording)
		case EventStopRecording:
			return true, m.gotoLocked(StateFinalizing)
		}
		return m.applyRecordingLocked(ev, p)

	case StateFinalizing:
		switch ev.Type {
		case EventUpdateTranscript:
			// Results flushed by the provider after end-of-stream
			m.setTranscriptLocked(ev.Transcript)
			return true, nil
		case eventFinalizeDone:
			m.ctx.IsFinalized = true
			if p.finalize.Summary != "" {
				m.ctx.Summary = p.finalize.Summary
			}
			observability.RecordFinalize(true, m.now().Sub(m.finalizeStarted), m.ctx.CumulativeDuration)
			return true, m.gotoLocked(StateCompleted)
		case eventFinalizeFailed:
			observability.RecordFinalize(false, m.now().Sub(m.finalizeStarted), m.ctx.CumulativeDuration)
			return true, m.failLocked(errMessage(p.err))
		}
		return false, nil

	case StateError:
		switch ev.Type {
		case EventSetupComplete, EventClearError:
			m.ctx.Error = nil
			return true, m.gotoLocked(StateReady)
		}
		return m.applyDetailsLocked(ev), nil
	}

	return false, nil
}

// applyRecordingLocked handles events shared by recording and paused
func (m *Machine) applyRecordingLocked(ev Event, p internalEvent) (bool, []func()) {
	switch ev.Type {
	case EventUpdateTranscript:
		m.setTranscriptLocked(ev.Transcript)
		return true, nil
	case eventStartDone:
		var after []func()
		if old := m.ctx.Stream; old != nil && old != p.start.Stream {
			after = append(after, func() { m.stopStream(old) })
		}
		if p.start.SessionID != "" {
			m.ctx.SessionID = p.start.SessionID
		}
		m.ctx.Stream = p.start.Stream
		m.logger.Info().Str("session_id", m.ctx.SessionID).Msg("Recording started")
		return true, after
	case eventStartFailed:
		m.foldLocked()
		return true, m.failLocked(errMessage(p.err))
	}
	return false, nil
}

// applyDetailsLocked handles conversation setup edits
func (m *Machine) applyDetailsLocked(ev Event) bool {
	switch ev.Type {
	case EventSetConversationType:
		m.ctx.ConversationType = ev.ConversationType
	case EventSetConversationTitle:
		m.ctx.Title = ev.Title
	case EventUpdateContext:
		if m.ctx.Fields == nil {
			m.ctx.Fields = make(map[string]string, len(ev.Fields))
		}
		for k, v := range ev.Fields {
			m.ctx.Fields[k] = v
		}
	case EventUpdatePersonalContext:
		m.ctx.PersonalContext = ev.PersonalContext
	case EventUploadFiles:
		m.ctx.Files = append(m.ctx.Files, ev.Files...)
	default:
		return false
	}
	return true
}

func (m *Machine) canStartLocked() bool {
	return m.ctx.CanRecord && m.ctx.AuthSession != "" && m.ctx.MinutesRemaining > 0
}

// foldLocked moves the running segment into the cumulative duration
func (m *Machine) foldLocked() {
	if m.state != StateRecording || m.ctx.RecordingStartTime.IsZero() {
		return
	}
	elapsed := m.now().Sub(m.ctx.RecordingStartTime)
	if elapsed < 0 {
		elapsed = 0
	}
	m.ctx.CumulativeDuration += elapsed
	m.ctx.SessionDuration = m.ctx.CumulativeDuration
}

func (m *Machine) setTranscriptLocked(transcript []stt.TranscriptSegment) {
	m.ctx.Transcript = append([]stt.TranscriptSegment(nil), transcript...)
	m.ctx.TalkStats = ComputeTalkStats(m.ctx.Transcript)
	if m.ctx.LastSavedTranscriptIndex > len(m.ctx.Transcript) {
		m.ctx.LastSavedTranscriptIndex = len(m.ctx.Transcript)
	}
}

func (m *Machine) failLocked(message string) []func() {
	m.ctx.Error = &Error{Message: message, Timestamp: m.now()}
	m.logger.Error().Str("error", message).Str("from", string(m.state)).Msg("Session entered error state")

	live := m.state == StateRecording || m.state == StatePaused
	after := m.gotoLocked(StateError)
	if live && m.halt != nil {
		snap := m.ctx.clone()
		after = append(after, func() { m.halt(snap) })
	}
	return after
}

// gotoLocked runs exit and entry actions around the state change
func (m *Machine) gotoLocked(to State) []func() {
	from := m.state
	active := func(s State) bool { return s == StateRecording || s == StatePaused }

	if active(from) && !active(to) {
		m.cancelInvokeLocked()
	}
	if from == StateFinalizing {
		m.cancelInvokeLocked()
	}

	m.state = to
	observability.RecordStateTransition(string(from), string(to))
	m.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("State transition")

	var after []func()
	switch to {
	case StateFinalizing:
		m.invokeFinalizeLocked()
	case StateCompleted:
		after = append(after, m.releaseStreamLocked()...)
	case StateError:
		if active(from) || from == StateFinalizing {
			after = append(after, m.releaseStreamLocked()...)
		}
	}
	return after
}

func (m *Machine) invokeStartLocked() {
	svc := m.start
	m.invokeLocked(func(ctx context.Context, snap Context) (Event, internalEvent) {
		res, err := svc.Start(ctx, snap)
		if err != nil {
			return Event{Type: eventStartFailed}, internalEvent{err: err}
		}
		return Event{Type: eventStartDone}, internalEvent{start: res}
	})
}

func (m *Machine) invokeFinalizeLocked() {
	svc := m.finalize
	m.finalizeStarted = m.now()
	m.invokeLocked(func(ctx context.Context, snap Context) (Event, internalEvent) {
		res, err := svc.Finalize(ctx, snap)
		if err != nil {
			return Event{Type: eventFinalizeFailed}, internalEvent{err: err}
		}
		return Event{Type: eventFinalizeDone}, internalEvent{finalize: res}
	})
}

func (m *Machine) invokeLocked(run func(context.Context, Context) (Event, internalEvent)) {
	m.cancelInvokeLocked()
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelInvoke = cancel
	token := m.invocation
	snap := m.ctx.clone()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		ev, payload := run(ctx, snap)
		m.dispatch(ev, token, payload)
	}()
}

// cancelInvokeLocked cancels the running service and invalidates its token
func (m *Machine) cancelInvokeLocked() {
	if m.cancelInvoke != nil {
		m.cancelInvoke()
		m.cancelInvoke = nil
	}
	m.invocation++
}

func (m *Machine) releaseStreamLocked() []func() {
	stream := m.ctx.Stream
	m.ctx.Stream = nil
	if stream == nil {
		return nil
	}
	return []func(){func() { m.stopStream(stream) }}
}

func (m *Machine) stopStream(stream audio.Stream) {
	if err := stream.Stop(); err != nil {
		m.logger.Warn().Err(err).Str("stream_id", stream.ID()).Msg("Failed to release audio stream")
	}
}

func (m *Machine) publishLocked(change Change) {
	for id, ch := range m.subs {
		select {
		case ch <- change:
		default:
			m.logger.Warn().Int("subscriber", id).Msg("Dropping state change for slow subscriber")
		}
	}
}

// Subscribe returns a channel of changes and a cancel func. The channel is
// closed when the machine stops.
func (m *Machine) Subscribe() (<-chan Change, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Change, changeBuffer)
	if m.stopped {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a copy of the context
func (m *Machine) Snapshot() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.clone()
}

// Elapsed is the active recording time so far, including the running segment
func (m *Machine) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.Elapsed(m.now(), m.state == StateRecording)
}

// TranscriptDelta returns the final segments not yet persisted and the
// watermark to pass to MarkTranscriptSaved once they are.
func (m *Machine) TranscriptDelta() ([]stt.TranscriptSegment, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.TranscriptDelta()
}

// MarkTranscriptSaved advances the persisted watermark. It never moves backwards.
func (m *Machine) MarkTranscriptSaved(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index > len(m.ctx.Transcript) {
		index = len(m.ctx.Transcript)
	}
	if index > m.ctx.LastSavedTranscriptIndex {
		m.ctx.LastSavedTranscriptIndex = index
	}
}

// Stop cancels running services, releases the owned stream and closes
// subscriber channels. It waits for service goroutines to return.
func (m *Machine) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.cancelInvokeLocked()
	after := m.releaseStreamLocked()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.mu.Unlock()

	for _, fn := range after {
		fn()
	}
	m.wg.Wait()
}

func errMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
