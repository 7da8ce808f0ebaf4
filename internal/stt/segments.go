package stt

import (
	"sync"
)

const subscriberBuffer = 256

type subscriber struct {
	ch   chan TranscriptSegment
	done chan struct{}
}

// SegmentStream multicasts the segments of one connection to every live
// subscriber in provider order. It performs no buffering beyond each
// subscriber's channel and no deduplication. It completes when its
// connection closes; consumers resubscribe on the next stream.
type SegmentStream struct {
	pubMu sync.Mutex

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	done   bool
	doneCh chan struct{}
	count  int
}

// NewSegmentStream creates an open stream
func NewSegmentStream() *SegmentStream {
	return &SegmentStream{
		subs:   make(map[int]*subscriber),
		doneCh: make(chan struct{}),
	}
}

// Subscribe returns a channel of segments and a cancel func. The channel is
// closed when the stream completes. Subscribing to a completed stream
// returns a closed channel.
func (s *SegmentStream) Subscribe() (<-chan TranscriptSegment, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &subscriber{
		ch:   make(chan TranscriptSegment, subscriberBuffer),
		done: make(chan struct{}),
	}
	if s.done {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = sub

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.done)
		}
	}
	return sub.ch, cancel
}

// Publish delivers seg to every subscriber, waiting on slow ones. It
// returns false once the stream has completed.
func (s *SegmentStream) Publish(seg TranscriptSegment) bool {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return false
	}
	s.count++
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- seg:
		case <-sub.done:
		case <-s.doneCh:
			return false
		}
	}
	return true
}

// Complete ends the stream and closes every subscriber channel
func (s *SegmentStream) Complete() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	close(s.doneCh)
	s.mu.Unlock()

	// Wait out an in-flight Publish before closing channels
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		close(sub.ch)
		delete(s.subs, id)
	}
}

// Done is closed when the stream completes
func (s *SegmentStream) Done() <-chan struct{} {
	return s.doneCh
}

// Completed reports whether the stream has ended
func (s *SegmentStream) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Published returns how many segments the stream produced
func (s *SegmentStream) Published() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Subscribers returns the number of live subscribers
func (s *SegmentStream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
