package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-recorder/internal/observability"
)

// EngineState mirrors the lifecycle of the shared audio graph
type EngineState string

const (
	EngineSuspended EngineState = "suspended"
	EngineRunning   EngineState = "running"
	EngineClosed    EngineState = "closed"
)

var (
	// ErrProcessorUnsupported is returned when the preferred processor
	// cannot be loaded and the caller should fall back
	ErrProcessorUnsupported = errors.New("audio: processor unsupported")
	// ErrEngineClosed is returned when resuming an engine that was torn down
	ErrEngineClosed = errors.New("audio: engine closed")
)

// Engine is the process-wide audio context shared by every pipeline. It is
// reference counted and never closed on release: only Close tears it down,
// and a closed engine is recreated by the next Acquire.
type Engine struct {
	mu             sync.Mutex
	sampleRate     int
	workletEnabled bool
	state          EngineState
	refs           int
	creations      int
	logger         zerolog.Logger
}

// NewEngine creates a suspended engine running at sampleRate
func NewEngine(sampleRate int, workletEnabled bool) *Engine {
	if sampleRate <= 0 {
		sampleRate = TargetSampleRate
	}
	return &Engine{
		sampleRate:     sampleRate,
		workletEnabled: workletEnabled,
		state:          EngineSuspended,
		creations:      1,
		logger:         observability.Component("audio-engine"),
	}
}

// Acquire takes a reference, recreating the engine if it was closed
func (e *Engine) Acquire() *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == EngineClosed {
		e.state = EngineSuspended
		e.creations++
		e.logger.Info().Int("creations", e.creations).Msg("Recreated closed audio engine")
	}
	e.refs++
	return e
}

// Release drops a reference. The engine stays alive at zero references.
func (e *Engine) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.refs > 0 {
		e.refs--
	}
}

// Resume moves a suspended engine to running
func (e *Engine) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case EngineRunning:
		return nil
	case EngineClosed:
		return ErrEngineClosed
	}
	e.state = EngineRunning
	e.logger.Debug().Int("sample_rate", e.sampleRate).Msg("Audio engine resumed")
	return nil
}

// Close tears the engine down; used at process shutdown only
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = EngineClosed
}

// State returns the current lifecycle state
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Refs returns the number of outstanding references
func (e *Engine) Refs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refs
}

// Creations reports how many times the engine has been (re)created
func (e *Engine) Creations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.creations
}

// SampleRate returns the rate processors run at
func (e *Engine) SampleRate() int {
	return e.sampleRate
}

// NewProcessor loads a processor of the given kind. Loading a worklet on an
// engine without worklet support returns ErrProcessorUnsupported.
func (e *Engine) NewProcessor(kind ProcessorKind, blockSize int, out func([]byte)) (Processor, error) {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()

	if state != EngineRunning {
		return nil, fmt.Errorf("load %s processor: engine is %s", kind, state)
	}

	switch kind {
	case ProcessorWorklet:
		if !e.workletEnabled {
			return nil, ErrProcessorUnsupported
		}
		return NewWorkletProcessor(out), nil
	case ProcessorBlock:
		return NewBlockProcessor(blockSize, out), nil
	default:
		return nil, fmt.Errorf("load processor %q: %w", kind, ErrProcessorUnsupported)
	}
}
