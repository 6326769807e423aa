package wot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"

	"nostr-relay-tray/nrt/common/logx"
	"nostr-relay-tray/nrt/core/filter"
	"nostr-relay-tray/nrt/core/metrics"
	"nostr-relay-tray/nrt/core/policy"
	"nostr-relay-tray/nrt/model"
)

var log = logx.New(logx.WithPrefix("wot"))

var (
	ErrTrustAnchorNotSet      = errors.New("trust anchor is not set")
	ErrInvalidTrustDepth      = errors.New("trust depth must be 1 or 2")
	ErrInvalidRefreshInterval = errors.New("refresh interval must be at least 1 hour")
)

// Settings persists the trust configuration.
type Settings interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// GateSetter installs or removes (nil) the trust gate.
type GateSetter interface {
	SetTrustGate(g policy.AdmissionGate)
}

// TrustConfig is the persisted part of the web-of-trust state.
type TrustConfig struct {
	Enabled              bool   `json:"enabled"`
	TrustAnchor          string `json:"trustAnchor"` // hex
	TrustDepth           int    `json:"trustDepth"`
	RefreshIntervalHours int    `json:"refreshIntervalHours"`
}

type Options struct {
	Settings Settings
	Fetcher  FollowFetcher
	Gates    GateSetter
	Metrics  *metrics.Recorder
	Match    filter.MatchOptions
	// Watchdog force-releases a refresh that has not finished in time.
	Watchdog time.Duration
}

// Service keeps the trusted pubkey set fresh and answers membership queries.
type Service struct {
	opts Options
	// hour is the unit of RefreshIntervalHours.
	hour time.Duration

	mu          sync.RWMutex
	cfg         TrustConfig
	trusted     map[string]struct{}
	lastRefresh time.Time
	schedule    *time.Timer
	scheduleGen uint64

	// refresh try-lock: holder 0 means free
	lockMu   sync.Mutex
	holder   uint64
	lockSeq  uint64
	watchdog *time.Timer

	// the gate goes in after the first successful refresh while enabled
	gateMu sync.Mutex
	gated  bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewService(opts Options) *Service {
	if opts.Watchdog <= 0 {
		opts.Watchdog = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		opts:    opts,
		hour:    time.Hour,
		cfg:     TrustConfig{TrustDepth: 1, RefreshIntervalHours: 1},
		trusted: map[string]struct{}{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

/******** lifecycle ********/

// Start loads the persisted configuration and, when enabled with an anchor,
// kicks off the first refresh. The gate is installed once it succeeds.
func (s *Service) Start(ctx context.Context) error {
	get := func(key string) (string, bool) {
		v, ok, err := s.opts.Settings.Get(ctx, key)
		if err != nil {
			log.Warnf("read %s: %v", key, err)
			return "", false
		}
		return v, ok
	}

	s.mu.Lock()
	if v, ok := get(model.ConfigWotEnabled); ok {
		s.cfg.Enabled, _ = strconv.ParseBool(v)
	}
	if v, ok := get(model.ConfigWotTrustAnchor); ok {
		s.cfg.TrustAnchor = v
	}
	if v, ok := get(model.ConfigWotTrustDepth); ok {
		if n, err := strconv.Atoi(v); err == nil && validDepth(n) {
			s.cfg.TrustDepth = n
		}
	}
	if v, ok := get(model.ConfigWotRefreshInterval); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			s.cfg.RefreshIntervalHours = n
		}
	}
	if v, ok := get(model.ConfigWotLastRefreshedAt); ok {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil && sec > 0 {
			s.lastRefresh = time.Unix(sec, 0)
		}
	}
	active := s.cfg.Enabled && s.cfg.TrustAnchor != ""
	s.mu.Unlock()

	if active {
		s.activate()
	}
	return nil
}

func (s *Service) Stop() {
	s.cancel()
	s.mu.Lock()
	s.stopScheduleLocked()
	s.mu.Unlock()
}

func (s *Service) activate() {
	s.mu.Lock()
	s.rescheduleLocked()
	s.mu.Unlock()
	go s.refreshLogged()
}

func (s *Service) deactivate() {
	s.gateMu.Lock()
	s.gated = false
	s.opts.Gates.SetTrustGate(nil)
	s.gateMu.Unlock()

	s.mu.Lock()
	s.stopScheduleLocked()
	s.mu.Unlock()
}

// installGate puts the trust gate in place when enabled and not yet installed.
func (s *Service) installGate() {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	cfg := s.Config()
	if s.gated || !cfg.Enabled || cfg.TrustAnchor == "" {
		return
	}
	s.gated = true
	s.opts.Gates.SetTrustGate(policy.NewTrustGate(s, s.opts.Match))
	log.Infof("trust gate installed")
}

// GateInstalled reports whether events are currently checked against the
// trusted set.
func (s *Service) GateInstalled() bool {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	return s.gated
}

/******** configuration ********/

func (s *Service) Config() TrustConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Service) Enabled() bool { return s.Config().Enabled }

// SetEnabled requires a trust anchor to enable. Enabling starts a refresh in
// the background; the gate is installed when that refresh succeeds.
func (s *Service) SetEnabled(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	if s.cfg.Enabled == enabled {
		s.mu.Unlock()
		return nil
	}
	if enabled && s.cfg.TrustAnchor == "" {
		s.mu.Unlock()
		return ErrTrustAnchorNotSet
	}
	s.cfg.Enabled = enabled
	s.mu.Unlock()

	if err := s.opts.Settings.Set(ctx, model.ConfigWotEnabled, strconv.FormatBool(enabled)); err != nil {
		return fmt.Errorf("persist wot enabled: %w", err)
	}
	if enabled {
		s.activate()
	} else {
		s.deactivate()
	}
	log.Infof("web of trust enabled=%t", enabled)
	return nil
}

// TrustAnchor returns the anchor as npub, or "" when unset.
func (s *Service) TrustAnchor() string {
	hex := s.Config().TrustAnchor
	if hex == "" {
		return ""
	}
	npub, err := nip19.EncodePublicKey(hex)
	if err != nil {
		return ""
	}
	return npub
}

// SetTrustAnchor accepts npub, nprofile or hex; "" clears the anchor.
func (s *Service) SetTrustAnchor(ctx context.Context, anchor string) error {
	hex := ""
	if anchor != "" {
		var err error
		if hex, err = filter.ParsePubkey(anchor); err != nil {
			return fmt.Errorf("invalid trust anchor: %w", err)
		}
	}
	if err := s.opts.Settings.Set(ctx, model.ConfigWotTrustAnchor, hex); err != nil {
		return fmt.Errorf("persist trust anchor: %w", err)
	}
	s.mu.Lock()
	s.cfg.TrustAnchor = hex
	s.mu.Unlock()
	return nil
}

func (s *Service) TrustDepth() int { return s.Config().TrustDepth }

func (s *Service) SetTrustDepth(ctx context.Context, depth int) error {
	if !validDepth(depth) {
		return ErrInvalidTrustDepth
	}
	if err := s.opts.Settings.Set(ctx, model.ConfigWotTrustDepth, strconv.Itoa(depth)); err != nil {
		return fmt.Errorf("persist trust depth: %w", err)
	}
	s.mu.Lock()
	s.cfg.TrustDepth = depth
	s.mu.Unlock()
	return nil
}

func (s *Service) RefreshInterval() int { return s.Config().RefreshIntervalHours }

// SetRefreshInterval restarts the periodic refresh with the new interval.
func (s *Service) SetRefreshInterval(ctx context.Context, hours int) error {
	if hours < 1 {
		return ErrInvalidRefreshInterval
	}
	if err := s.opts.Settings.Set(ctx, model.ConfigWotRefreshInterval, strconv.Itoa(hours)); err != nil {
		return fmt.Errorf("persist refresh interval: %w", err)
	}
	s.mu.Lock()
	s.cfg.RefreshIntervalHours = hours
	if s.cfg.Enabled {
		s.rescheduleLocked()
	}
	s.mu.Unlock()
	return nil
}

/******** membership ********/

func (s *Service) IsTrusted(_ context.Context, pubkey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.trusted[pubkey]
	return ok, nil
}

// CheckMembership takes an npub (or hex) pubkey.
func (s *Service) CheckMembership(ctx context.Context, pubkey string) (bool, error) {
	hex, err := filter.ParsePubkey(pubkey)
	if err != nil {
		return false, err
	}
	return s.IsTrusted(ctx, hex)
}

func (s *Service) TrustedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trusted)
}

// LastRefreshedAt is zero until the first successful refresh.
func (s *Service) LastRefreshedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRefresh
}

func (s *Service) IsRefreshing() bool {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	return s.holder != 0
}

/******** refresh ********/

// Refresh recomputes the trusted set. It returns false without waiting when
// another refresh holds the lock.
func (s *Service) Refresh(ctx context.Context) (bool, error) {
	cfg := s.Config()
	if cfg.TrustAnchor == "" {
		return false, ErrTrustAnchorNotSet
	}
	token, ok := s.tryAcquire()
	if !ok {
		log.Debugf("refresh already running, dropped")
		s.opts.Metrics.WotRefresh("skipped", 0)
		return false, nil
	}
	defer s.release(token)

	ctx, cancel := context.WithTimeout(ctx, s.opts.Watchdog)
	defer cancel()
	start := time.Now()
	set, err := Expand(ctx, s.opts.Fetcher, cfg.TrustAnchor, cfg.TrustDepth)
	if err != nil {
		s.opts.Metrics.WotRefresh("error", 0)
		return true, fmt.Errorf("expand trust graph: %w", err)
	}

	if !s.holds(token) {
		log.Warnf("refresh finished after its watchdog fired, result discarded")
		return true, nil
	}
	now := time.Now()
	s.mu.Lock()
	s.trusted = set
	s.lastRefresh = now
	s.mu.Unlock()
	if err := s.opts.Settings.Set(ctx, model.ConfigWotLastRefreshedAt, strconv.FormatInt(now.Unix(), 10)); err != nil {
		log.Warnf("persist last refreshed at: %v", err)
	}
	s.installGate()
	s.opts.Metrics.WotRefresh("ok", len(set))
	log.Infof("trusted set refreshed: %d pubkeys in %s", len(set), time.Since(start).Round(time.Millisecond))
	return true, nil
}

func (s *Service) refreshLogged() {
	if _, err := s.Refresh(s.ctx); err != nil {
		log.Warnf("refresh: %v", err)
	}
}

func (s *Service) tryAcquire() (uint64, bool) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.holder != 0 {
		return 0, false
	}
	s.lockSeq++
	token := s.lockSeq
	s.holder = token
	s.watchdog = time.AfterFunc(s.opts.Watchdog, func() {
		log.Warnf("refresh watchdog fired after %s", s.opts.Watchdog)
		s.release(token)
	})
	return token, true
}

// release frees the lock only if token still holds it.
func (s *Service) release(token uint64) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.holder != token {
		return
	}
	s.holder = 0
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

func (s *Service) holds(token uint64) bool {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	return s.holder == token
}

/******** schedule ********/

func (s *Service) rescheduleLocked() {
	s.stopScheduleLocked()
	gen := s.scheduleGen
	every := time.Duration(s.cfg.RefreshIntervalHours) * s.hour
	var tick func()
	tick = func() {
		s.mu.Lock()
		if gen != s.scheduleGen {
			s.mu.Unlock()
			return
		}
		s.schedule = time.AfterFunc(every, tick)
		s.mu.Unlock()
		s.refreshLogged()
	}
	s.schedule = time.AfterFunc(every, tick)
}

func (s *Service) stopScheduleLocked() {
	s.scheduleGen++
	if s.schedule != nil {
		s.schedule.Stop()
		s.schedule = nil
	}
}

func validDepth(n int) bool { return n == 1 || n == 2 }
