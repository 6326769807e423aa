package connector

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"nostr-relay-tray/nrt/core/relay"
)

/******** manual clock ********/

type fakeTimer struct {
	clock   *fakeClock
	due     time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
	delays []time.Duration
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, due: c.now + d, f: f}
	c.timers = append(c.timers, t)
	c.delays = append(c.delays, d)
	return t
}

// Advance fires every live timer due within d, in due order, outside the lock.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	now := c.now
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.due <= now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].due < due[j].due })
	for _, t := range due {
		t.f()
	}
}

// Live counts timers that are neither stopped nor fired.
func (c *fakeClock) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

/******** fake transport ********/

var errClosed = errors.New("closed")

type fakeConn struct {
	inbound chan []byte
	written chan []byte
	pings   chan struct{}

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	pong   func()
	// dropped fails reads without the transport being closed
	dropped chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		written: make(chan []byte, 16),
		pings:   make(chan struct{}, 16),
		done:    make(chan struct{}),
		dropped: make(chan struct{}),
	}
}

var errRemoteClosed = errors.New("remote closed")

// Drop makes the next read fail the way a remote close does.
func (c *fakeConn) Drop() { close(c.dropped) }

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.inbound:
		return b, nil
	case <-c.done:
		return nil, errClosed
	case <-c.dropped:
		return nil, errRemoteClosed
	}
}

func (c *fakeConn) WriteMessage(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	c.written <- b
	return nil
}

func (c *fakeConn) Ping() error {
	c.pings <- struct{}{}
	return nil
}

func (c *fakeConn) SetPongHandler(f func()) {
	c.mu.Lock()
	c.pong = f
	c.mu.Unlock()
}

func (c *fakeConn) Pong() {
	c.mu.Lock()
	f := c.pong
	c.mu.Unlock()
	if f != nil {
		f()
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	urls  []string
	conns []*fakeConn
	fail  error
	conn  chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conn: make(chan *fakeConn, 128)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	d.urls = append(d.urls, url)
	fail := d.fail
	d.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	d.conn <- c
	return c, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// gatedDialer holds every dial until release is closed, ignoring ctx.
type gatedDialer struct {
	started chan struct{}
	release chan struct{}
	conn    *fakeConn
}

func (d *gatedDialer) Dial(context.Context, string) (Conn, error) {
	d.started <- struct{}{}
	<-d.release
	return d.conn, nil
}

func (d *fakeDialer) SetFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

/******** persistence + handler ********/

type memPersist struct {
	mu      sync.Mutex
	enabled bool
	url     string
}

func (p *memPersist) SaveEnabled(v bool) error {
	p.mu.Lock()
	p.enabled = v
	p.mu.Unlock()
	return nil
}

func (p *memPersist) SaveURL(u string) error {
	p.mu.Lock()
	p.url = u
	p.mu.Unlock()
	return nil
}

type recordingHandler struct {
	got chan []byte
}

func (h *recordingHandler) HandleIncomingMessage(_ context.Context, client relay.Client, data []byte) {
	h.got <- data
	_ = client.Send([]byte(`["NOTICE","seen"]`))
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (s *stateLog) record(st State) {
	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()
}

func (s *stateLog) all() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.states...)
}
