package server

import (
	"context"
	"os/signal"
	"syscall"

	"nostr-relay-tray/nrt/api"
	"nostr-relay-tray/nrt/app"
	"nostr-relay-tray/nrt/common/config"
	"nostr-relay-tray/nrt/common/logx"
)

func Run(cfgPath string) error {
	cfg, cfgP, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	// 1) logs
	if cfg.Logging.Dir != "" {
		logx.SetDir(cfg.Logging.Dir)
	}
	logx.SetLevelString(cfg.Logging.Level)
	files := logx.MustInit()
	defer files.Close()
	info := logx.NewStdInfo(files.AppInfo)
	errL := logx.NewStdErr(files.AppErr)

	a, err := app.NewWithConfig(cfg, cfgP, app.Deps{})
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		_ = a.Stop()
		return err
	}
	info.Println("[boot] started")

	// 2) log level follows the config file
	if err := config.Watch(a.Ctx, a.CfgPath, func(c *config.Config) {
		if c.Logging.Level != logx.GetLevelString() {
			logx.SetLevelString(c.Logging.Level)
			info.Printf("[boot] log level set to %s", logx.GetLevelString())
		}
	}); err != nil {
		errL.Printf("[boot] config watch disabled: %v", err)
	}

	// 3) router
	s, err := api.New(a)
	if err != nil {
		_ = a.Stop()
		return err
	}
	r := s.Router()

	// 4) one server, TLS when configured
	srv, useTLS := buildHTTPServer(a, r, errL)
	printListenHints(srv.Addr, useTLS, info)
	startMainAsync(srv, useTLS, errL)

	// 5) wait
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	<-ctx.Done()
	stop()
	info.Println("[boot] stopping...")

	shutdownAll(srv, a, errL)
	info.Println("[boot] bye")
	return nil
}
