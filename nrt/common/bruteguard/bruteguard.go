package bruteguard

import (
	"strings"
	"sync"
	"time"

	"nostr-relay-tray/nrt/common/logx"
)

/********** config **********/
type Config struct {
	// fails older than Window are forgotten; an active lock is kept
	Window time.Duration

	MaxFails    int
	Cooldown    time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	GCInterval time.Duration
	AliveFor   time.Duration
}

func defaultConfig() Config {
	return Config{
		Window:      15 * time.Minute,
		MaxFails:    10,
		Cooldown:    15 * time.Minute,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  30 * time.Second,
		GCInterval:  time.Minute,
		AliveFor:    24 * time.Hour,
	}
}

type entry struct {
	fails       int
	lastFail    time.Time
	lockedUntil time.Time
	lastSeen    time.Time
}

// Guard throttles dashboard logins per client address.
type Guard struct {
	cfg Config

	mu     sync.Mutex
	store  map[string]*entry
	lastGC time.Time
	now    func() time.Time

	log *logx.Logger
}

func New(cfg Config) *Guard {
	def := defaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxFails <= 0 {
		cfg.MaxFails = def.MaxFails
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = def.GCInterval
	}
	if cfg.AliveFor <= 0 {
		cfg.AliveFor = def.AliveFor
	}
	return &Guard{
		cfg:   cfg,
		store: make(map[string]*entry, 64),
		now:   time.Now,
		log:   logx.New(logx.WithPrefix("bruteguard")),
	}
}

// Allow reports whether ip may try again and, if not, for how long to wait.
func (g *Guard) Allow(ip string) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gcIfNeeded()

	now := g.now()
	e := g.get(key(ip), now)
	if e == nil || !e.lockedUntil.After(now) {
		return true, 0
	}
	wait := e.lockedUntil.Sub(now)
	g.log.Debugf("BLOCK ip=%q wait=%s", ip, wait)
	return false, wait
}

// Fail records a failed attempt. Below MaxFails the lock doubles from
// BaseBackoff up to MaxBackoff; at MaxFails it becomes Cooldown.
func (g *Guard) Fail(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	k := key(ip)
	e := g.get(k, now)
	if e == nil {
		e = &entry{}
		g.store[k] = e
	}
	e.fails++
	e.lastFail = now
	e.lastSeen = now

	if e.fails >= g.cfg.MaxFails {
		e.lockedUntil = now.Add(g.cfg.Cooldown)
		g.log.Infof("COOL-DOWN ip=%q fails=%d until=%s", ip, e.fails, e.lockedUntil.Format(time.RFC3339))
		return
	}
	backoff := g.cfg.BaseBackoff
	for i := 1; i < e.fails && backoff < g.cfg.MaxBackoff; i++ {
		backoff *= 2
	}
	if backoff > g.cfg.MaxBackoff {
		backoff = g.cfg.MaxBackoff
	}
	if until := now.Add(backoff); until.After(e.lockedUntil) {
		e.lockedUntil = until
	}
	g.log.Debugf("FAIL ip=%q fails=%d backoff=%s", ip, e.fails, backoff)
}

func (g *Guard) Success(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.store, key(ip))
}

func (g *Guard) get(k string, now time.Time) *entry {
	e := g.store[k]
	if e == nil {
		return nil
	}
	if !e.lastFail.IsZero() && now.Sub(e.lastFail) > g.cfg.Window {
		e.fails = 0
	}
	e.lastSeen = now
	return e
}

func (g *Guard) gcIfNeeded() {
	now := g.now()
	if now.Sub(g.lastGC) < g.cfg.GCInterval {
		return
	}
	g.lastGC = now
	for k, e := range g.store {
		if now.Sub(e.lastSeen) > g.cfg.AliveFor {
			delete(g.store, k)
		}
	}
}

func key(ip string) string { return "ip:" + strings.TrimSpace(ip) }
