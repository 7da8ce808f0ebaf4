package audio

import (
	"sync"
)

// ProcessorKind names a frame processing strategy
type ProcessorKind string

const (
	// ProcessorWorklet encodes each capture frame off the capture goroutine
	ProcessorWorklet ProcessorKind = "worklet"
	// ProcessorBlock accumulates fixed-size blocks synchronously
	ProcessorBlock ProcessorKind = "block"
)

// DefaultBlockSize is the fallback processor block in samples
const DefaultBlockSize = 4096

// Processor turns float frames into encoded PCM16 buffers passed to its
// output callback in capture order. After Close returns, the callback is
// never invoked again.
type Processor interface {
	Process(frame []float32)
	Close()
	Kind() ProcessorKind
}

// WorkletProcessor encodes frames on its own goroutine. Each frame is
// encoded with a fresh buffer.
type WorkletProcessor struct {
	out    func([]byte)
	frames chan []float32
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewWorkletProcessor starts a worklet processor
func NewWorkletProcessor(out func([]byte)) *WorkletProcessor {
	p := &WorkletProcessor{
		out:    out,
		frames: make(chan []float32, 64),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *WorkletProcessor) run() {
	defer close(p.done)
	for frame := range p.frames {
		p.out(EncodeFloat32(frame))
	}
}

// Process queues a frame. Frames queued before Close are still encoded.
func (p *WorkletProcessor) Process(frame []float32) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || len(frame) == 0 {
		return
	}
	p.frames <- frame
}

// Close drains queued frames and stops the processor
func (p *WorkletProcessor) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	close(p.frames)
	p.mu.Unlock()
	<-p.done
}

func (p *WorkletProcessor) Kind() ProcessorKind { return ProcessorWorklet }

// BlockProcessor accumulates samples in a ring buffer and emits one encoded
// buffer per full block. A partial block is flushed on Close.
type BlockProcessor struct {
	mu        sync.Mutex
	out       func([]byte)
	blockSize int
	ring      *RingBuffer[float32]
	scratch   []float32
	closed    bool
}

// NewBlockProcessor creates a block processor
func NewBlockProcessor(blockSize int, out func([]byte)) *BlockProcessor {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &BlockProcessor{
		out:       out,
		blockSize: blockSize,
		ring:      NewRingBuffer[float32](blockSize*2 + 1),
		scratch:   make([]float32, blockSize),
	}
}

// Process appends a frame and emits every completed block
func (p *BlockProcessor) Process(frame []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	for len(frame) > 0 {
		n := p.ring.Write(frame)
		frame = frame[n:]
		for p.ring.Available() >= p.blockSize {
			p.ring.Read(p.scratch)
			p.out(EncodeFloat32(p.scratch))
		}
	}
}

// Close flushes any partial block and stops the processor
func (p *BlockProcessor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true

	if n := p.ring.Read(p.scratch); n > 0 {
		p.out(EncodeFloat32(p.scratch[:n]))
	}
}

func (p *BlockProcessor) Kind() ProcessorKind { return ProcessorBlock }
