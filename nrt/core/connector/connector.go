package connector

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"nostr-relay-tray/nrt/common/logx"
	"nostr-relay-tray/nrt/core/relay"
)

/******** transport ********/

// Conn is one outbound session. ReadMessage blocks; Close unblocks it.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	SetPongHandler(func())
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Persist stores the operator's intent for the link.
type Persist interface {
	SaveEnabled(enabled bool) error
	SaveURL(url string) error
}

/******** options ********/

type Options struct {
	Name string

	ConnectTimeout time.Duration
	PingInterval   time.Duration
	IdleTimeout    time.Duration
	// IdleOnTraffic resets the idle timer on every inbound frame, not only on pong.
	IdleOnTraffic bool

	Delay       DelayFunc
	MaxAttempts int // 0 = unlimited
	FailMessage string

	// Handshake builds a fresh strategy per attempt; nil means connected on open.
	Handshake func() Handshake

	Dialer  Dialer
	Clock   Clock
	Handler relay.Handler
	Persist Persist

	// OnState is called with the connector lock held, in transition order. It
	// must not block.
	OnState func(State)
}

func (o *Options) applyDefaults() {
	if o.Name == "" {
		o.Name = "link"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.Delay == nil {
		o.Delay = FixedDelay(5 * time.Second)
	}
	if o.FailMessage == "" {
		o.FailMessage = "Failed to connect."
	}
	if o.Clock == nil {
		o.Clock = SystemClock
	}
	if o.Dialer == nil {
		o.Dialer = WSDialer{}
	}
}

/******** state machine ********/

// Connector keeps one outbound session alive. Every callback carries the
// generation it was scheduled under and is ignored once that generation has
// been retired, so a disconnect or a finished attempt cannot be revived by a
// late timer or reader.
type Connector struct {
	opts Options
	log  *logx.Logger

	mu           sync.Mutex
	state        State
	url          string
	attemptURL   string
	gen          uint64
	canReconnect bool
	attempt      int
	established  bool
	conn         Conn
	cancelDial   context.CancelFunc
	publicAddr   string
	waiters      []chan Result

	connectTimer   Timer
	pingTimer      Timer
	idleTimer      Timer
	reconnectTimer Timer

	writeMu sync.Mutex
}

func New(opts Options) *Connector {
	opts.applyDefaults()
	return &Connector{
		opts: opts,
		log:  logx.New(logx.WithPrefix("connector." + opts.Name)),
	}
}

func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connector) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

func (c *Connector) PublicAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publicAddr
}

// Attempts is the number of reconnects scheduled since the last success.
func (c *Connector) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// SetURL records the target without connecting.
func (c *Connector) SetURL(url string) {
	c.mu.Lock()
	changed := c.url != url
	c.url = url
	c.mu.Unlock()
	if changed {
		c.saveURL(url)
	}
}

// Connect persists the intent and resolves when the current attempt succeeds
// or fails. It returns at once when already connected and joins the pending
// attempt while connecting. A different URL while connecting restarts the
// attempt against it.
func (c *Connector) Connect(ctx context.Context, url string) Result {
	c.saveEnabled(true)
	c.SetURL(url)

	var stale Conn
	c.mu.Lock()
	switch c.state {
	case Connected:
		res := Result{Success: true, PublicAddress: c.publicAddr}
		c.mu.Unlock()
		return res
	case Connecting:
		if c.attemptURL != c.url {
			c.log.Infof("url changed to %s, restarting attempt", c.url)
			stale = c.retireLocked()
			c.attempt = 0
			c.startAttemptLocked()
		}
	default:
		c.startAttemptLocked()
	}
	ch := make(chan Result, 1)
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}

	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		return failed(ctx.Err().Error())
	}
}

// Disconnect persists enabled=false, cancels every timer and closes the
// transport. Nothing scheduled before the call can start a new attempt.
func (c *Connector) Disconnect() {
	c.saveEnabled(false)
	c.Close()
	c.log.Infof("disconnected by operator")
}

// Close tears the link down like Disconnect but keeps the persisted intent,
// so the next start restores it.
func (c *Connector) Close() {
	c.mu.Lock()
	c.canReconnect = false
	conn := c.retireLocked()
	c.publicAddr = ""
	c.attempt = 0
	c.setStateLocked(Disconnected)
	c.resolveLocked(failed(c.opts.FailMessage))
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// retireLocked abandons the current generation: timers, dial and transport.
// The caller closes the returned transport outside the lock.
func (c *Connector) retireLocked() Conn {
	c.gen++
	c.stopTimersLocked()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	conn := c.conn
	c.conn = nil
	c.established = false
	return conn
}

func (c *Connector) startAttemptLocked() {
	c.gen++
	gen := c.gen
	c.attemptURL = c.url
	c.established = false
	c.setStateLocked(Connecting)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.connectTimer = c.opts.Clock.AfterFunc(c.opts.ConnectTimeout, func() { c.onConnectTimeout(gen) })

	var hs Handshake
	if c.opts.Handshake != nil {
		hs = c.opts.Handshake()
	}
	c.log.Debugf("attempt gen=%d url=%s", gen, c.url)
	go c.run(ctx, gen, c.url, hs)
}

func (c *Connector) run(ctx context.Context, gen uint64, url string, hs Handshake) {
	conn, err := c.opts.Dialer.Dial(ctx, url)
	if err != nil {
		c.log.Warnf("dial %s: %v", url, err)
		c.finish(gen, err.Error())
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	conn.SetPongHandler(func() { c.onPong(gen) })
	send := func(b []byte) error { return c.write(conn, b) }
	client := &linkClient{id: uuid.NewString(), source: c.opts.Name, send: send}

	if hs == nil {
		c.establish(gen, "")
	} else if err := hs.Open(send); err != nil {
		c.log.Warnf("handshake open: %v", err)
		_ = conn.Close()
		c.finish(gen, err.Error())
		return
	}

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.log.Debugf("read gen=%d: %v", gen, err)
			c.finish(gen, "")
			return
		}
		c.onInbound(ctx, gen, hs, client, data)
	}
}

func (c *Connector) onInbound(ctx context.Context, gen uint64, hs Handshake, client relay.Client, data []byte) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	established := c.established
	if established && c.opts.IdleOnTraffic {
		c.resetIdleLocked(gen)
	}
	c.mu.Unlock()

	if established || hs == nil {
		c.forward(ctx, client, data)
		return
	}

	step := hs.Handle(data)
	switch step.Kind {
	case StepForward:
		c.forward(ctx, client, data)
	case StepEstablished:
		c.establish(gen, step.Address)
	case StepRejected:
		c.reject(gen, step.Message)
	}
}

func (c *Connector) forward(ctx context.Context, client relay.Client, data []byte) {
	if c.opts.Handler == nil {
		return
	}
	c.opts.Handler.HandleIncomingMessage(ctx, client, data)
}

func (c *Connector) establish(gen uint64, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.established {
		return
	}
	c.established = true
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	c.attempt = 0
	c.canReconnect = true
	c.publicAddr = addr
	c.setStateLocked(Connected)
	c.armPingLocked(gen)
	c.resetIdleLocked(gen)
	c.resolveLocked(Result{Success: true, PublicAddress: addr})
	c.log.Infof("connected to %s", c.url)
}

// reject ends the attempt without a reconnect.
func (c *Connector) reject(gen uint64, msg string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if msg == "" {
		msg = MsgAuthFailed
	}
	c.canReconnect = false
	c.resolveLocked(failed(msg))
	conn := c.conn
	c.mu.Unlock()

	c.log.Warnf("rejected by remote: %s", msg)
	if conn != nil {
		_ = conn.Close()
	}
}

// finish tears an attempt down and decides whether to retry.
func (c *Connector) finish(gen uint64, cause string) {
	c.mu.Lock()
	conn := c.finishLocked(gen, cause)
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// finishLocked returns the transport of the finished attempt, to be closed
// outside the lock.
func (c *Connector) finishLocked(gen uint64, cause string) Conn {
	if gen != c.gen {
		return nil
	}
	conn := c.retireLocked()
	c.publicAddr = ""
	if cause != "" {
		c.resolveLocked(failed(cause))
	}

	if !c.canReconnect || (c.opts.MaxAttempts > 0 && c.attempt >= c.opts.MaxAttempts) {
		c.setStateLocked(Disconnected)
		c.attempt = 0
		c.resolveLocked(failed(c.opts.FailMessage))
		return conn
	}

	c.attempt++
	c.setStateLocked(Connecting)
	delay := c.opts.Delay(c.attempt)
	next := c.gen
	c.reconnectTimer = c.opts.Clock.AfterFunc(delay, func() { c.onReconnect(next) })
	c.log.Infof("reconnect #%d in %s", c.attempt, delay)
	return conn
}

/******** timers ********/

func (c *Connector) onConnectTimeout(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.established {
		c.mu.Unlock()
		return
	}
	c.connectTimer = nil
	conn := c.finishLocked(gen, MsgConnectionTimeout)
	c.mu.Unlock()

	c.log.Warnf("connect timeout after %s", c.opts.ConnectTimeout)
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Connector) onReconnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != Connecting {
		return
	}
	c.reconnectTimer = nil
	c.startAttemptLocked()
}

func (c *Connector) armPingLocked(gen uint64) {
	if c.opts.PingInterval <= 0 {
		return
	}
	c.pingTimer = c.opts.Clock.AfterFunc(c.opts.PingInterval, func() { c.onPing(gen) })
}

func (c *Connector) onPing(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.armPingLocked(gen)
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Ping(); err != nil {
			c.log.Debugf("ping: %v", err)
		}
	}
}

func (c *Connector) onPong(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || !c.established {
		return
	}
	c.resetIdleLocked(gen)
}

func (c *Connector) resetIdleLocked(gen uint64) {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	if c.opts.IdleTimeout <= 0 {
		return
	}
	c.idleTimer = c.opts.Clock.AfterFunc(c.opts.IdleTimeout, func() { c.onIdle(gen) })
}

// onIdle closes the transport; the reader then handles it like a remote close.
func (c *Connector) onIdle(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.idleTimer = nil
	conn := c.conn
	c.mu.Unlock()

	c.log.Infof("idle for %s, closing", c.opts.IdleTimeout)
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Connector) stopTimersLocked() {
	for _, t := range []*Timer{&c.connectTimer, &c.pingTimer, &c.idleTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

/******** helpers ********/

func (c *Connector) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

func (c *Connector) resolveLocked(res Result) {
	for _, ch := range c.waiters {
		ch <- res
	}
	c.waiters = nil
}

func (c *Connector) write(conn Conn, b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(b)
}

func (c *Connector) saveEnabled(v bool) {
	if c.opts.Persist == nil {
		return
	}
	if err := c.opts.Persist.SaveEnabled(v); err != nil {
		c.log.Warnf("persist enabled=%t: %v", v, err)
	}
}

func (c *Connector) saveURL(url string) {
	if c.opts.Persist == nil {
		return
	}
	if err := c.opts.Persist.SaveURL(url); err != nil {
		c.log.Warnf("persist url: %v", err)
	}
}

// linkClient is the reply channel for frames forwarded from the remote.
type linkClient struct {
	id     string
	source string
	send   func([]byte) error
}

func (l *linkClient) ID() string             { return l.id }
func (l *linkClient) Source() string         { return l.source }
func (l *linkClient) Send(data []byte) error { return l.send(data) }
