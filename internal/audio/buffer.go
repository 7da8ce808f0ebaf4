package audio

import (
	"sync"
)

// RingBuffer is a thread-safe ring buffer of audio samples. One slot is kept
// free to tell full from empty, so capacity is size-1.
type RingBuffer[T any] struct {
	buffer []T
	size   int
	read   int
	write  int
	mu     sync.RWMutex
}

// NewRingBuffer creates a new ring buffer with the specified size
func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size < 2 {
		size = 2
	}
	return &RingBuffer[T]{
		buffer: make([]T, size),
		size:   size,
	}
}

// Write writes data to the ring buffer
// Returns the number of samples written (may be less than len(data) if buffer is full)
func (rb *RingBuffer[T]) Write(data []T) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := 0
	for i := 0; i < len(data); i++ {
		if (rb.write+1)%rb.size == rb.read {
			break // Buffer full
		}

		rb.buffer[rb.write] = data[i]
		rb.write = (rb.write + 1) % rb.size
		written++
	}

	return written
}

// Read reads data from the ring buffer
// Returns the number of samples read
func (rb *RingBuffer[T]) Read(data []T) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	read := 0
	for i := 0; i < len(data); i++ {
		if rb.read == rb.write {
			break // Buffer empty
		}

		data[i] = rb.buffer[rb.read]
		rb.read = (rb.read + 1) % rb.size
		read++
	}

	return read
}

// Available returns the number of samples available to read
func (rb *RingBuffer[T]) Available() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.available()
}

func (rb *RingBuffer[T]) available() int {
	if rb.write >= rb.read {
		return rb.write - rb.read
	}
	return rb.size - rb.read + rb.write
}

// Space returns the number of samples that can still be written
func (rb *RingBuffer[T]) Space() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size - rb.available() - 1
}

// Clear clears the buffer
func (rb *RingBuffer[T]) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.read = 0
	rb.write = 0
}

// IsEmpty returns true if the buffer is empty
func (rb *RingBuffer[T]) IsEmpty() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.read == rb.write
}

// IsFull returns true if the buffer is full
func (rb *RingBuffer[T]) IsFull() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return (rb.write+1)%rb.size == rb.read
}
