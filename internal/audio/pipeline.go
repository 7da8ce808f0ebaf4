package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-recorder/internal/observability"
)

// Sink receives encoded PCM16 buffers. It owns the transport and its
// pending queue; the pipeline never writes to the connection directly.
type Sink interface {
	HasConnection() bool
	SendAudio(buf []byte)
	FinishStream() error
	ClearPending()
}

// PipelineOptions tunes the encoder pipeline
type PipelineOptions struct {
	BlockSize int
	VAD       *VADConfig
}

// Pipeline wires a capture stream through a processor into a Sink
type Pipeline struct {
	engine *Engine
	sink   Sink
	opts   PipelineOptions
	logger zerolog.Logger

	mu        sync.Mutex
	streaming bool
	stream    Stream
	processor Processor
	stopPump  chan struct{}
	pumpDone  chan struct{}

	vadMu    sync.Mutex
	vad      *VADDetector
	speaking atomic.Bool
}

// NewPipeline creates an idle pipeline
func NewPipeline(engine *Engine, sink Sink, opts PipelineOptions) *Pipeline {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	return &Pipeline{
		engine: engine,
		sink:   sink,
		opts:   opts,
		vad:    NewVADDetector(opts.VAD),
		logger: observability.Component("audio-pipeline"),
	}
}

// StartStreaming builds the graph stream -> processor -> sink. It is a
// no-op when already streaming or when the sink has no connection.
func (p *Pipeline) StartStreaming(ctx context.Context, stream Stream) error {
	if stream == nil {
		return errors.New("start streaming: nil stream")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.streaming {
		return nil
	}
	if !p.sink.HasConnection() {
		p.logger.Warn().Msg("Start streaming skipped: no transcription connection")
		return nil
	}

	engine := p.engine.Acquire()
	if err := engine.Resume(ctx); err != nil {
		engine.Release()
		return fmt.Errorf("resume audio engine: %w", err)
	}

	processor, err := engine.NewProcessor(ProcessorWorklet, p.opts.BlockSize, p.emit)
	if errors.Is(err, ErrProcessorUnsupported) {
		p.logger.Info().Msg("Worklet processor unsupported, falling back to block processing")
		processor, err = engine.NewProcessor(ProcessorBlock, p.opts.BlockSize, p.emit)
	}
	if err != nil {
		engine.Release()
		return fmt.Errorf("load audio processor: %w", err)
	}
	observability.RecordProcessor(string(processor.Kind()))

	p.vadMu.Lock()
	p.vad.Reset()
	p.vadMu.Unlock()
	p.speaking.Store(false)

	p.stream = stream
	p.processor = processor
	p.stopPump = make(chan struct{})
	p.pumpDone = make(chan struct{})
	p.streaming = true

	go p.pump(stream, processor, p.stopPump, p.pumpDone)

	p.logger.Info().
		Str("stream_id", stream.ID()).
		Str("processor", string(processor.Kind())).
		Int("capture_rate", stream.SampleRate()).
		Msg("Streaming started")
	return nil
}

func (p *Pipeline) pump(stream Stream, processor Processor, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	target := p.engine.SampleRate()
	for {
		select {
		case <-stop:
			return
		case frame, ok := <-stream.Frames():
			if !ok {
				return
			}
			frame = Downmix(frame, stream.Channels())
			frame = Resample(frame, stream.SampleRate(), target)
			processor.Process(frame)
		}
	}
}

// emit is the processor output callback
func (p *Pipeline) emit(buf []byte) {
	if samples, err := DecodePCM16(buf); err == nil {
		p.vadMu.Lock()
		events, speech := p.vad.Feed(samples)
		p.vadMu.Unlock()
		for i := 0; i < speech; i++ {
			observability.RecordSpeechFrame()
		}
		for _, ev := range events {
			p.speaking.Store(ev == SpeechStarted)
		}
	}
	p.sink.SendAudio(buf)
}

// StopStreaming tears the graph down, stops the owned stream's tracks and
// signals end-of-stream best-effort. Safe before start and when repeated.
func (p *Pipeline) StopStreaming() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.streaming {
		return
	}
	p.streaming = false

	close(p.stopPump)
	<-p.pumpDone
	p.processor.Close()

	if err := p.stream.Stop(); err != nil {
		p.logger.Warn().Err(err).Msg("Stopping capture tracks failed")
	}
	if err := p.sink.FinishStream(); err != nil {
		p.logger.Debug().Err(err).Msg("End-of-stream signal failed")
	}
	p.sink.ClearPending()
	p.engine.Release()

	p.logger.Info().Str("stream_id", p.stream.ID()).Msg("Streaming stopped")
	p.stream = nil
	p.processor = nil
	p.speaking.Store(false)
}

// IsStreaming reports whether the graph is live
func (p *Pipeline) IsStreaming() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streaming
}

// Speaking reports the local VAD state
func (p *Pipeline) Speaking() bool {
	return p.speaking.Load()
}
