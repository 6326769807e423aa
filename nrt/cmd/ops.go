package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"

	"nostr-relay-tray/nrt/app"
	"nostr-relay-tray/nrt/common/logx"
)

var ops = logx.New(logx.WithPrefix("ops"))

/********** dashboard password **********/

// ResetAdmin stores newPass as the dashboard password.
func ResetAdmin(cfgPath, newPass string) error {
	if strings.TrimSpace(newPass) == "" {
		return fmt.Errorf("newPass required")
	}
	return withApp(cfgPath, func(ctx context.Context, a *app.App) error {
		return a.SetAdminPassword(ctx, newPass)
	})
}

/********** signing key **********/

// ShowKey prints the relay public key, creating the key on first use.
func ShowKey(cfgPath string) error {
	return withApp(cfgPath, func(ctx context.Context, a *app.App) error {
		pk, err := a.Federation.PublicKey(ctx)
		if err != nil {
			return err
		}
		return printKey(pk)
	})
}

// RotateKey replaces the relay signing key.
func RotateKey(cfgPath string) error {
	return withApp(cfgPath, func(ctx context.Context, a *app.App) error {
		pk, err := a.Federation.RotateKey(ctx)
		if err != nil {
			return err
		}
		ops.Infof("[newkey] signing key replaced")
		return printKey(pk)
	})
}

func printKey(pk string) error {
	npub, err := nip19.EncodePublicKey(pk)
	if err != nil {
		return err
	}
	fmt.Println(npub)
	return nil
}

func withApp(cfgPath string, fn func(context.Context, *app.App) error) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx, a)
}
