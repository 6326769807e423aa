package federation

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"nostr-relay-tray/nrt/common/config"
	"nostr-relay-tray/nrt/common/logx"
	"nostr-relay-tray/nrt/core/connector"
	"nostr-relay-tray/nrt/core/metrics"
	"nostr-relay-tray/nrt/core/notify"
	"nostr-relay-tray/nrt/core/relay"
	"nostr-relay-tray/nrt/model"
)

var log = logx.New(logx.WithPrefix("federation"))

const (
	LinkHub   = "hub"
	LinkProxy = "proxy"

	MsgHubFailed   = "Failed to connect to the hub."
	MsgProxyFailed = "Failed to connect to the proxy."
	MsgHubURLUnset = "Hub URL is not set."
)

var ErrInvalidURL = errors.New("url must use ws:// or wss://")

// Settings is the key/value store the links persist their intent to.
type Settings interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// StatusEvent is published on every link state transition, in order.
type StatusEvent struct {
	Link  string          `json:"link"`
	State connector.State `json:"state"`
	At    time.Time       `json:"at"`
}

type Options struct {
	Cfg      config.FederationCfg
	Info     relay.Info
	Handler  relay.Handler
	Settings Settings
	Dialer   connector.Dialer
	Clock    connector.Clock
	Status   *notify.Broadcaster[StatusEvent]
	Metrics  *metrics.Recorder
}

// Manager owns the hub and proxy links.
type Manager struct {
	opts  Options
	hub   *connector.Connector
	proxy *connector.Connector
	keys  *keyStore
}

func New(opts Options) *Manager {
	m := &Manager{opts: opts, keys: &keyStore{settings: opts.Settings}}
	cfg := opts.Cfg

	m.hub = connector.New(connector.Options{
		Name:           LinkHub,
		ConnectTimeout: cfg.ConnectTimeout,
		PingInterval:   10 * time.Second,
		IdleTimeout:    30 * time.Second,
		Delay:          connector.FixedDelay(cfg.HubRetryDelay),
		MaxAttempts:    cfg.HubMaxAttempts,
		FailMessage:    MsgHubFailed,
		Handshake: func() connector.Handshake {
			return &connector.JoinHandshake{Info: connector.JoinInfo{Relay: opts.Info.Name, Version: opts.Info.Version}}
		},
		Dialer:  opts.Dialer,
		Clock:   opts.Clock,
		Handler: opts.Handler,
		Persist: &linkPersist{settings: opts.Settings, enabledKey: model.ConfigHubEnabled, urlKey: model.ConfigHubURL},
		OnState: m.onState(LinkHub),
	})

	m.proxy = connector.New(connector.Options{
		Name:           LinkProxy,
		ConnectTimeout: cfg.ConnectTimeout,
		PingInterval:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		IdleOnTraffic:  true,
		Delay:          connector.ExponentialBackoff(cfg.ProxyBaseDelay, 2, cfg.ProxyMaxDelay),
		FailMessage:    MsgProxyFailed,
		Handshake: func() connector.Handshake {
			return connector.NewAuthHandshake(m.attest)
		},
		Dialer:  opts.Dialer,
		Clock:   opts.Clock,
		Handler: opts.Handler,
		Persist: &linkPersist{settings: opts.Settings, enabledKey: model.ConfigProxyEnabled},
		OnState: m.onState(LinkProxy),
	})
	m.proxy.SetURL(cfg.ProxyURL)
	return m
}

// Start restores the persisted links. Connects run in the background.
func (m *Manager) Start(ctx context.Context) {
	if u, ok := m.get(ctx, model.ConfigHubURL); ok && u != "" {
		m.hub.SetURL(u)
		if m.enabled(ctx, model.ConfigHubEnabled) {
			log.Infof("restoring hub link to %s", u)
			go m.hub.Connect(context.Background(), u)
		}
	}
	if m.enabled(ctx, model.ConfigProxyEnabled) {
		log.Infof("restoring proxy link")
		go m.ProxyConnect(context.Background())
	}
}

// Stop closes both links but keeps their persisted intent.
func (m *Manager) Stop() {
	m.hub.Close()
	m.proxy.Close()
}

/******** hub ********/

// HubConnect connects to u, or to the stored URL when u is empty.
func (m *Manager) HubConnect(ctx context.Context, u string) connector.Result {
	if u == "" {
		u = m.hub.URL()
	}
	if u == "" {
		return connector.Result{ErrorMessage: MsgHubURLUnset}
	}
	if err := ValidateURL(u); err != nil {
		return connector.Result{ErrorMessage: err.Error()}
	}
	return m.hub.Connect(ctx, u)
}

func (m *Manager) HubDisconnect()             { m.hub.Disconnect() }
func (m *Manager) HubStatus() connector.State { return m.hub.State() }
func (m *Manager) HubURL() string             { return m.hub.URL() }
func (m *Manager) HubEnabled(ctx context.Context) bool {
	return m.enabled(ctx, model.ConfigHubEnabled)
}

// SetHubURL stores the URL for the next connect; it does not reconnect.
func (m *Manager) SetHubURL(u string) error {
	if err := ValidateURL(u); err != nil {
		return err
	}
	m.hub.SetURL(u)
	return nil
}

/******** proxy ********/

func (m *Manager) ProxyConnect(ctx context.Context) connector.Result {
	if _, err := m.keys.privateKey(ctx); err != nil {
		log.Errorf("load signing key: %v", err)
		return connector.Result{ErrorMessage: MsgProxyFailed}
	}
	return m.proxy.Connect(ctx, m.opts.Cfg.ProxyURL)
}

func (m *Manager) ProxyDisconnect()             { m.proxy.Disconnect() }
func (m *Manager) ProxyStatus() connector.State { return m.proxy.State() }
func (m *Manager) PublicAddress() string        { return m.proxy.PublicAddress() }
func (m *Manager) ProxyEnabled(ctx context.Context) bool {
	return m.enabled(ctx, model.ConfigProxyEnabled)
}

/******** helpers ********/

func (m *Manager) onState(link string) func(connector.State) {
	return func(s connector.State) {
		m.opts.Metrics.LinkState(link, int(s), s.String())
		if m.opts.Status != nil {
			m.opts.Status.Publish(StatusEvent{Link: link, State: s, At: time.Now()})
		}
	}
}

func (m *Manager) get(ctx context.Context, key string) (string, bool) {
	if m.opts.Settings == nil {
		return "", false
	}
	v, ok, err := m.opts.Settings.Get(ctx, key)
	if err != nil {
		log.Warnf("read %s: %v", key, err)
		return "", false
	}
	return v, ok
}

func (m *Manager) enabled(ctx context.Context, key string) bool {
	v, ok := m.get(ctx, key)
	if !ok {
		return false
	}
	b, _ := strconv.ParseBool(v)
	return b
}

func ValidateURL(u string) error {
	p, err := url.Parse(u)
	if err != nil || (p.Scheme != "ws" && p.Scheme != "wss") || p.Host == "" {
		return ErrInvalidURL
	}
	return nil
}

// linkPersist writes a link's enabled flag and URL to the settings table.
type linkPersist struct {
	settings   Settings
	enabledKey string
	urlKey     string
}

func (p *linkPersist) SaveEnabled(v bool) error {
	if p.settings == nil {
		return nil
	}
	return p.settings.Set(context.Background(), p.enabledKey, strconv.FormatBool(v))
}

func (p *linkPersist) SaveURL(u string) error {
	if p.settings == nil || p.urlKey == "" {
		return nil
	}
	return p.settings.Set(context.Background(), p.urlKey, u)
}
