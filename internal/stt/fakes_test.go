package stt

import (
	"context"
	"errors"
	"sync"
	"time"
)

type fakeConn struct {
	mu       sync.Mutex
	writes   [][]byte
	finishes int
	closed   bool
	writeErr error
}

func (c *fakeConn) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, p)
	return nil
}

func (c *fakeConn) Finish() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishes++
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu    sync.Mutex
	err   error
	dials int
	keys  []string
	opts  []LiveOptions
	conns []*fakeConn
	emits []Emit
}

func (d *fakeDialer) Dial(_ context.Context, apiKey string, opts LiveOptions, emit Emit) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.keys = append(d.keys, apiKey)
	d.opts = append(d.opts, opts)
	if d.err != nil {
		return nil, d.err
	}
	conn := &fakeConn{}
	d.conns = append(d.conns, conn)
	d.emits = append(d.emits, emit)
	return conn, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) emit(i int, ev Event) {
	d.mu.Lock()
	emit := d.emits[i]
	d.mu.Unlock()
	emit(ev)
}

// fakeTimers records scheduled reconnects instead of sleeping
type fakeTimers struct {
	mu        sync.Mutex
	delays    []time.Duration
	fns       []func()
	cancelled []bool
}

func (f *fakeTimers) after(d time.Duration, fn func()) func() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.fns)
	f.delays = append(f.delays, d)
	f.fns = append(f.fns, fn)
	f.cancelled = append(f.cancelled, false)
	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancelled[idx] = true
		return true
	}
}

func (f *fakeTimers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fns)
}

func (f *fakeTimers) fire(i int) {
	f.mu.Lock()
	fn := f.fns[i]
	f.mu.Unlock()
	fn()
}

func (f *fakeTimers) isCancelled(i int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[i]
}

type failingKeys struct{}

func (failingKeys) APIKey(context.Context) (string, error) {
	return "", errors.New("config endpoint unreachable")
}
