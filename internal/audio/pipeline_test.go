package audio

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu        sync.Mutex
	connected bool
	bufs      [][]byte
	finishes  int
	clears    int
}

func (s *fakeSink) HasConnection() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSink) SendAudio(buf []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufs = append(s.bufs, buf)
}

func (s *fakeSink) FinishStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishes++
	return nil
}

func (s *fakeSink) ClearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
}

func (s *fakeSink) sampleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.bufs {
		n += len(b) / 2
	}
	return n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}

func TestPipeline_StopBeforeStart(t *testing.T) {
	sink := &fakeSink{connected: true}
	p := NewPipeline(NewEngine(16000, true), sink, PipelineOptions{})

	p.StopStreaming()
	p.StopStreaming()

	if sink.finishes != 0 {
		t.Errorf("Expected no end-of-stream signal, got %d", sink.finishes)
	}
	if p.IsStreaming() {
		t.Error("Expected pipeline to be idle")
	}
}

func TestPipeline_StartWithoutConnectionIsNoop(t *testing.T) {
	engine := NewEngine(16000, true)
	sink := &fakeSink{connected: false}
	p := NewPipeline(engine, sink, PipelineOptions{})

	if err := p.StartStreaming(context.Background(), NewLiveStream(16000, 1)); err != nil {
		t.Fatalf("StartStreaming failed: %v", err)
	}
	if p.IsStreaming() {
		t.Error("Expected no streaming without a connection")
	}
	if engine.Refs() != 0 {
		t.Errorf("Expected engine untouched, got %d refs", engine.Refs())
	}
}

func TestPipeline_StreamsInOrderAndStopsTwice(t *testing.T) {
	engine := NewEngine(16000, true)
	sink := &fakeSink{connected: true}
	p := NewPipeline(engine, sink, PipelineOptions{})

	trackStops := 0
	stream := NewLiveStream(16000, 1, NewCaptureTrack("mic", func() error {
		trackStops++
		return nil
	}))

	if err := p.StartStreaming(context.Background(), stream); err != nil {
		t.Fatalf("StartStreaming failed: %v", err)
	}
	// Second start is a no-op
	if err := p.StartStreaming(context.Background(), stream); err != nil {
		t.Fatalf("Second StartStreaming failed: %v", err)
	}
	if engine.Refs() != 1 {
		t.Errorf("Expected 1 engine ref, got %d", engine.Refs())
	}
	if engine.State() != EngineRunning {
		t.Errorf("Expected engine running, got %s", engine.State())
	}

	for i := 0; i < 5; i++ {
		stream.Push(ramp(320, i*320))
	}
	waitFor(t, func() bool { return sink.sampleCount() == 1600 })

	p.StopStreaming()
	p.StopStreaming()

	if sink.finishes != 1 {
		t.Errorf("Expected one end-of-stream signal, got %d", sink.finishes)
	}
	if sink.clears != 1 {
		t.Errorf("Expected pending audio cleared once, got %d", sink.clears)
	}
	if trackStops != 1 {
		t.Errorf("Expected track stopped once, got %d", trackStops)
	}
	if engine.Refs() != 0 {
		t.Errorf("Expected engine released, got %d refs", engine.Refs())
	}
	if engine.State() == EngineClosed {
		t.Error("Expected engine to remain open after stop")
	}

	var got []int16
	for _, b := range sink.bufs {
		s, _ := DecodePCM16(b)
		got = append(got, s...)
	}
	for i, s := range got {
		if int(s) != i {
			t.Fatalf("Expected sample %d at index %d, got %d", i, i, s)
		}
	}
}

func TestPipeline_FallsBackToBlockProcessor(t *testing.T) {
	sink := &fakeSink{connected: true}
	p := NewPipeline(NewEngine(16000, false), sink, PipelineOptions{BlockSize: 256})

	stream := NewLiveStream(16000, 1)
	if err := p.StartStreaming(context.Background(), stream); err != nil {
		t.Fatalf("StartStreaming failed: %v", err)
	}

	p.mu.Lock()
	kind := p.processor.Kind()
	p.mu.Unlock()
	if kind != ProcessorBlock {
		t.Errorf("Expected block processor fallback, got %s", kind)
	}

	stream.Push(ramp(300, 0))
	waitFor(t, func() bool { return sink.sampleCount() == 256 })

	// Remainder is flushed on stop
	p.StopStreaming()
	if sink.sampleCount() != 300 {
		t.Errorf("Expected 300 samples after stop, got %d", sink.sampleCount())
	}
}

func TestPipeline_ResamplesToEngineRate(t *testing.T) {
	sink := &fakeSink{connected: true}
	p := NewPipeline(NewEngine(16000, true), sink, PipelineOptions{})

	stream := NewLiveStream(48000, 1)
	if err := p.StartStreaming(context.Background(), stream); err != nil {
		t.Fatalf("StartStreaming failed: %v", err)
	}
	stream.Push(make([]float32, 960))
	waitFor(t, func() bool { return sink.sampleCount() == 320 })
	p.StopStreaming()
}

func TestPipeline_VADTracksSpeech(t *testing.T) {
	sink := &fakeSink{connected: true}
	p := NewPipeline(NewEngine(16000, true), sink, PipelineOptions{
		VAD: &VADConfig{EnergyThreshold: 500, SilenceFrames: 2, FrameSize: 320},
	})

	stream := NewLiveStream(16000, 1)
	if err := p.StartStreaming(context.Background(), stream); err != nil {
		t.Fatalf("StartStreaming failed: %v", err)
	}

	loud := make([]float32, 320)
	for i := range loud {
		loud[i] = 0.5
	}
	stream.Push(loud)
	waitFor(t, p.Speaking)

	stream.Push(make([]float32, 640))
	waitFor(t, func() bool { return !p.Speaking() })

	// Silent frames are still delivered
	waitFor(t, func() bool { return sink.sampleCount() == 960 })
	p.StopStreaming()
}
