package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrPermissionDenied is returned when the capture device refuses access
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// Acquirer opens a live capture stream from a microphone
type Acquirer interface {
	Acquire(ctx context.Context) (Stream, error)
}

// Stream is an owned live capture. Frames carries interleaved float samples
// and is closed once every track has stopped.
type Stream interface {
	ID() string
	Frames() <-chan []float32
	SampleRate() int
	Channels() int
	Tracks() []Track
	Active() bool
	Stop() error
}

// Track is one capture device feeding a stream
type Track interface {
	Label() string
	Stop() error
	Stopped() bool
}

// CaptureTrack stops its device exactly once
type CaptureTrack struct {
	label   string
	stop    func() error
	once    sync.Once
	err     error
	stopped atomic.Bool
}

// NewCaptureTrack wraps a device stop function
func NewCaptureTrack(label string, stop func() error) *CaptureTrack {
	return &CaptureTrack{label: label, stop: stop}
}

func (t *CaptureTrack) Label() string { return t.label }

// Stop stops the device. Repeated calls return the first result.
func (t *CaptureTrack) Stop() error {
	t.once.Do(func() {
		if t.stop != nil {
			t.err = t.stop()
		}
		t.stopped.Store(true)
	})
	return t.err
}

func (t *CaptureTrack) Stopped() bool { return t.stopped.Load() }

// LiveStream is the Stream implementation shared by capture backends
type LiveStream struct {
	id         string
	sampleRate int
	channels   int
	frames     chan []float32
	done       chan struct{}
	doneOnce   sync.Once

	mu     sync.RWMutex
	tracks []Track
	closed bool
}

// NewLiveStream creates an open stream. Backends push frames with Push.
func NewLiveStream(sampleRate, channels int, tracks ...Track) *LiveStream {
	if channels <= 0 {
		channels = 1
	}
	return &LiveStream{
		id:         uuid.NewString(),
		sampleRate: sampleRate,
		channels:   channels,
		frames:     make(chan []float32, 32),
		done:       make(chan struct{}),
		tracks:     tracks,
	}
}

// AddTrack attaches a track created after the stream
func (s *LiveStream) AddTrack(t Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

// Push delivers a frame, blocking until it is consumed or the stream stops.
// It returns false once the stream has stopped.
func (s *LiveStream) Push(frame []float32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- frame:
		return true
	case <-s.done:
		return false
	}
}

// Stop stops every track and closes the frame channel. Safe to call twice.
func (s *LiveStream) Stop() error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil
	}

	// Unblock pending Push calls before taking the write lock
	s.doneOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tracks := append([]Track(nil), s.tracks...)
	close(s.frames)
	s.mu.Unlock()

	var errs []error
	for _, t := range tracks {
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *LiveStream) ID() string               { return s.id }
func (s *LiveStream) Frames() <-chan []float32 { return s.frames }
func (s *LiveStream) SampleRate() int          { return s.sampleRate }
func (s *LiveStream) Channels() int            { return s.channels }

func (s *LiveStream) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Track(nil), s.tracks...)
}

// Active reports whether any track is still live
func (s *LiveStream) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	for _, t := range s.tracks {
		if !t.Stopped() {
			return true
		}
	}
	return len(s.tracks) == 0
}
