package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nostr-relay-tray/nrt/common/bruteguard"
	"nostr-relay-tray/nrt/common/config"
	"nostr-relay-tray/nrt/common/logx"
	"nostr-relay-tray/nrt/core/connector"
	"nostr-relay-tray/nrt/core/federation"
	"nostr-relay-tray/nrt/core/filter"
	"nostr-relay-tray/nrt/core/limiter"
	"nostr-relay-tray/nrt/core/metrics"
	"nostr-relay-tray/nrt/core/notify"
	"nostr-relay-tray/nrt/core/policy"
	"nostr-relay-tray/nrt/core/relay"
	"nostr-relay-tray/nrt/core/wot"
	"nostr-relay-tray/nrt/db"
)

type App struct {
	Cfg      *config.Config
	CfgPath  string
	DB       *db.DB
	Settings *Settings

	Info       relay.Info
	Policy     *policy.Orchestrator
	Relay      *relay.Service
	Wot        *wot.Service
	Federation *federation.Manager
	Status     *notify.Broadcaster[federation.StatusEvent]
	Limits     *limiter.Store
	Metrics    *metrics.Recorder
	Guard      *bruteguard.Guard

	// serializes rule reloads so the newest rule set always wins
	rulesMu sync.Mutex

	Ctx    context.Context
	Cancel context.CancelFunc

	Log *logx.Logger
}

// Deps replaces the outbound collaborators; zero values use the real ones.
type Deps struct {
	Dialer  connector.Dialer
	Clock   connector.Clock
	Fetcher wot.FollowFetcher
}

var log = logx.New(logx.WithPrefix("app"))

func New(cfgPath string) (*App, error) {
	cfg, cfgP, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logx.SetLevelString(cfg.Logging.Level)
	log.Infof("config loaded from %s", cfgP)
	return NewWithConfig(cfg, cfgP, Deps{})
}

func NewWithConfig(cfg *config.Config, cfgPath string, deps Deps) (*App, error) {
	a := &App{
		Cfg:     cfg,
		CfgPath: cfgPath,
		Log:     log,
	}

	a.Log.Debugf("opening db: driver=%s", cfg.DB.Driver)
	d, err := db.OpenGorm(cfg.DB.Driver, cfg.DB.DSN, cfg.DB.Pool)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Migrate(d.GormDataSource, d.Driver); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.DB = d
	a.Settings = NewSettings(d.GormDataSource)
	a.Log.Infof("db connected (driver=%s)", d.Driver)

	a.Metrics = metrics.New(cfg.Metrics)
	a.Limits = limiter.NewStore(cfg.Relay.MessageRate, cfg.Relay.MessageBurst, 10*time.Minute)
	a.Info = relay.NewInfo(cfg.Relay)

	match := filter.MatchOptions{IgnoreDelegation: cfg.Admission.IgnoreDelegation}
	a.Policy = policy.NewOrchestrator(match)
	a.Relay = relay.NewService(relay.Options{
		Admitter:   a.Policy,
		Limits:     a.Limits,
		Metrics:    a.Metrics,
		MaxPayload: int(cfg.Relay.MaxPayload),
		SkipVerify: cfg.Admission.SkipVerify,
	})

	fetcher := deps.Fetcher
	if fetcher == nil {
		fetcher = &wot.RelayFetcher{URLs: cfg.Wot.RelayURLs, Timeout: cfg.Wot.QueryTimeout}
	}
	a.Wot = wot.NewService(wot.Options{
		Settings: a.Settings,
		Fetcher:  fetcher,
		Gates:    a.Policy,
		Metrics:  a.Metrics,
		Match:    match,
		Watchdog: cfg.Wot.Watchdog,
	})

	a.Status = notify.NewBroadcaster[federation.StatusEvent]()
	a.Federation = federation.New(federation.Options{
		Cfg:      cfg.Federation,
		Info:     a.Info,
		Handler:  a.Relay,
		Settings: a.Settings,
		Dialer:   deps.Dialer,
		Clock:    deps.Clock,
		Status:   a.Status,
		Metrics:  a.Metrics,
	})

	a.Guard = bruteguard.New(bruteguard.Config{
		Window:      10 * time.Minute,
		MaxFails:    5,
		Cooldown:    30 * time.Minute,
		BaseBackoff: 3 * time.Second,
		MaxBackoff:  time.Minute,
		GCInterval:  time.Minute,
		AliveFor:    12 * time.Hour,
	})
	return a, nil
}

/******** start & stop ********/

// Start loads the admission configuration and restores trust and federation
// state from the settings table.
func (a *App) Start() error {
	a.Ctx, a.Cancel = context.WithCancel(context.Background())
	ctx := a.Ctx

	if err := a.loadAdmission(ctx); err != nil {
		return err
	}
	if err := a.Wot.Start(ctx); err != nil {
		return fmt.Errorf("start wot: %w", err)
	}
	a.Federation.Start(ctx)
	a.Log.Infof("app started (default=%s, gates=%v)", a.Policy.DefaultAction(), a.Policy.GateNames())
	return nil
}

func (a *App) Stop() error {
	if a.Cancel != nil {
		a.Cancel()
	}
	if a.Federation != nil {
		a.Federation.Stop()
	}
	if a.Wot != nil {
		a.Wot.Stop()
	}
	if a.Status != nil {
		a.Status.Close()
	}
	a.Limits.Close()
	a.Metrics.Close()
	if err := a.DB.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	a.Log.Infof("app stopped")
	return nil
}

func (a *App) loadAdmission(ctx context.Context) error {
	action, err := a.DefaultAction(ctx)
	if err != nil {
		return err
	}
	n, err := a.PowDifficulty(ctx)
	if err != nil {
		return err
	}
	a.Policy.SetPowDifficulty(n)

	a.rulesMu.Lock()
	defer a.rulesMu.Unlock()
	return a.applyLocked(ctx, action, nil)
}
