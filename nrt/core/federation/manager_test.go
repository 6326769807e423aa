package federation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-relay-tray/nrt/common/config"
	"nostr-relay-tray/nrt/core/connector"
	"nostr-relay-tray/nrt/core/notify"
	"nostr-relay-tray/nrt/core/relay"
	"nostr-relay-tray/nrt/model"
)

const wait = 2 * time.Second

/******** fakes ********/

type memSettings struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemSettings(kv ...string) *memSettings {
	s := &memSettings{m: map[string]string{}}
	for i := 0; i+1 < len(kv); i += 2 {
		s.m[kv[i]] = kv[i+1]
	}
	return s
}

func (s *memSettings) Get(_ context.Context, k string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[k]
	return v, ok, nil
}

func (s *memSettings) Set(_ context.Context, k, v string) error {
	s.mu.Lock()
	s.m[k] = v
	s.mu.Unlock()
	return nil
}

func (s *memSettings) val(k string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[k]
}

type pipeConn struct {
	in     chan []byte
	out    chan []byte
	once   sync.Once
	closed chan struct{}
}

func (c *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, context.Canceled
	}
}

func (c *pipeConn) WriteMessage(b []byte) error {
	select {
	case c.out <- b:
		return nil
	case <-c.closed:
		return context.Canceled
	}
}

func (c *pipeConn) Ping() error           { return nil }
func (c *pipeConn) SetPongHandler(func()) {}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type pipeDialer struct {
	mu    sync.Mutex
	urls  []string
	conns chan *pipeConn
}

func (d *pipeDialer) Dial(_ context.Context, u string) (connector.Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, u)
	d.mu.Unlock()
	c := &pipeConn{in: make(chan []byte, 8), out: make(chan []byte, 8), closed: make(chan struct{})}
	d.conns <- c
	return c, nil
}

func (d *pipeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

type fixture struct {
	m        *Manager
	settings *memSettings
	dialer   *pipeDialer
	status   *notify.Broadcaster[StatusEvent]
	info     relay.Info
}

func newFixture(kv ...string) *fixture {
	cfg := config.Config{}
	cfg.ApplyDefaults()
	f := &fixture{
		settings: newMemSettings(kv...),
		dialer:   &pipeDialer{conns: make(chan *pipeConn, 8)},
		status:   notify.NewBroadcaster[StatusEvent](),
		info:     relay.NewInfo(cfg.Relay),
	}
	f.m = New(Options{
		Cfg:      cfg.Federation,
		Info:     f.info,
		Settings: f.settings,
		Dialer:   f.dialer,
		Status:   f.status,
	})
	return f
}

func (f *fixture) nextConn(t *testing.T) *pipeConn {
	t.Helper()
	select {
	case c := <-f.dialer.conns:
		return c
	case <-time.After(wait):
		t.Fatal("no dial")
		return nil
	}
}

func readFrame(t *testing.T, c *pipeConn) (string, []json.RawMessage) {
	t.Helper()
	select {
	case b := <-c.out:
		typ, args, err := relay.DecodeFrame(b)
		require.NoError(t, err)
		return typ, args
	case <-time.After(wait):
		t.Fatal("nothing written")
		return "", nil
	}
}

/******** tests ********/

func TestHubConnectPublishesOrderedStatus(t *testing.T) {
	f := newFixture()
	events, cancel := f.status.Subscribe()
	defer cancel()

	done := make(chan connector.Result, 1)
	go func() { done <- f.m.HubConnect(context.Background(), "wss://hub.example") }()
	conn := f.nextConn(t)
	typ, _ := readFrame(t, conn)
	require.Equal(t, "JOIN", typ)
	conn.in <- []byte(`["JOINED"]`)

	res := <-done
	require.True(t, res.Success)
	assert.Equal(t, connector.Connected, f.m.HubStatus())
	assert.Equal(t, "true", f.settings.val(model.ConfigHubEnabled))
	assert.Equal(t, "wss://hub.example", f.settings.val(model.ConfigHubURL))

	f.m.HubDisconnect()
	assert.Equal(t, "false", f.settings.val(model.ConfigHubEnabled))

	var got []connector.State
	for len(got) < 3 {
		select {
		case ev := <-events:
			assert.Equal(t, LinkHub, ev.Link)
			got = append(got, ev.State)
		case <-time.After(wait):
			t.Fatalf("status events: %v", got)
		}
	}
	assert.Equal(t, []connector.State{connector.Connecting, connector.Connected, connector.Disconnected}, got)
}

func TestHubURLValidation(t *testing.T) {
	f := newFixture()
	assert.ErrorIs(t, f.m.SetHubURL("https://hub.example"), ErrInvalidURL)
	require.NoError(t, f.m.SetHubURL("ws://localhost:4000"))
	assert.Equal(t, "ws://localhost:4000", f.m.HubURL())
	assert.Equal(t, "ws://localhost:4000", f.settings.val(model.ConfigHubURL))

	res := newFixture().m.HubConnect(context.Background(), "")
	assert.False(t, res.Success)
	assert.Equal(t, MsgHubURLUnset, res.ErrorMessage)
}

func TestStartRestoresEnabledLinks(t *testing.T) {
	f := newFixture(model.ConfigHubEnabled, "true", model.ConfigHubURL, "wss://restored.example")
	f.m.Start(context.Background())
	defer f.m.Stop()

	f.nextConn(t)
	assert.Equal(t, []string{"wss://restored.example"}, f.dialer.dialed())
	assert.True(t, f.m.HubEnabled(context.Background()))
}

func TestStopKeepsIntent(t *testing.T) {
	f := newFixture(model.ConfigHubEnabled, "true", model.ConfigHubURL, "wss://restored.example")
	f.m.Start(context.Background())
	f.nextConn(t)
	f.m.Stop()
	assert.Equal(t, "true", f.settings.val(model.ConfigHubEnabled))
}

func TestStartWithNothingEnabled(t *testing.T) {
	f := newFixture(model.ConfigHubURL, "wss://idle.example")
	f.m.Start(context.Background())
	defer f.m.Stop()
	assert.Equal(t, "wss://idle.example", f.m.HubURL())
	select {
	case <-f.dialer.conns:
		t.Fatal("dialed without being enabled")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProxyRegistration(t *testing.T) {
	f := newFixture()
	done := make(chan connector.Result, 1)
	go func() { done <- f.m.ProxyConnect(context.Background()) }()

	conn := f.nextConn(t)
	sk := f.settings.val(model.ConfigPrivateKey)
	require.Len(t, sk, 64, "key is generated before dialing")
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)

	conn.in <- []byte(`["AUTH","challenge-1"]`)
	typ, args := readFrame(t, conn)
	require.Equal(t, "AUTH", typ)
	var ev nostr.Event
	require.NoError(t, json.Unmarshal(args[0], &ev))

	assert.Equal(t, KindRelayRegistration, ev.Kind)
	assert.Equal(t, pk, ev.PubKey)
	assert.Equal(t, nostr.Tag{"challenge", "challenge-1"}, ev.Tags[0])
	assert.Equal(t, nostr.Tag{"relay", config.DefaultProxyURL}, ev.Tags[1])
	var info relay.Info
	require.NoError(t, json.Unmarshal([]byte(ev.Content), &info))
	assert.Equal(t, f.info, info)
	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)

	conn.in <- []byte(`["OK","` + ev.ID + `",true,"wss://me.nostr-relay.app"]`)
	res := <-done
	require.True(t, res.Success)
	assert.Equal(t, "wss://me.nostr-relay.app", res.PublicAddress)
	assert.Equal(t, "wss://me.nostr-relay.app", f.m.PublicAddress())
	assert.True(t, f.m.ProxyEnabled(context.Background()))

	got, err := f.m.PublicKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pk, got)

	f.m.ProxyDisconnect()
	assert.Equal(t, connector.Disconnected, f.m.ProxyStatus())
	assert.Equal(t, "false", f.settings.val(model.ConfigProxyEnabled))
}

func TestSigningKeyIsReused(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	f := newFixture(model.ConfigPrivateKey, sk)
	pk, err := f.m.PublicKey(context.Background())
	require.NoError(t, err)
	want, _ := nostr.GetPublicKey(sk)
	assert.Equal(t, want, pk)
}

func TestRotateKey(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	f := newFixture(model.ConfigPrivateKey, sk)
	old, err := f.m.PublicKey(context.Background())
	require.NoError(t, err)

	pk, err := f.m.RotateKey(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, old, pk)
	assert.NotEqual(t, sk, f.settings.val(model.ConfigPrivateKey))

	again, err := f.m.PublicKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pk, again)
}
