package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"nostr-relay-tray/nrt/model"
)

var (
	ErrPasswordNotSet = errors.New("admin password is not set, run `nrt newpass <password>`")
	ErrBadPassword    = errors.New("incorrect password")
)

const (
	minPasswordLen = 6
	maxPasswordLen = 64
)

// CheckAdminPassword compares p with the stored bcrypt hash.
func (a *App) CheckAdminPassword(ctx context.Context, p string) error {
	hash, ok, err := a.Settings.Get(ctx, model.ConfigAdminPasswordBcrypt)
	if err != nil {
		return fmt.Errorf("read admin password: %w", err)
	}
	if !ok || hash == "" {
		return ErrPasswordNotSet
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(p)) != nil {
		return ErrBadPassword
	}
	return nil
}

func (a *App) SetAdminPassword(ctx context.Context, p string) error {
	if strings.TrimSpace(p) != p {
		return invalid("password", "must not have leading or trailing spaces")
	}
	if len(p) < minPasswordLen || len(p) > maxPasswordLen {
		return invalid("password", "length must be between %d and %d", minPasswordLen, maxPasswordLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(p), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := a.Settings.Set(ctx, model.ConfigAdminPasswordBcrypt, string(hash)); err != nil {
		return fmt.Errorf("save admin password: %w", err)
	}
	log.Infof("admin password updated")
	return nil
}

// ChangeAdminPassword checks old before storing the new one.
func (a *App) ChangeAdminPassword(ctx context.Context, old, p string) error {
	if err := a.CheckAdminPassword(ctx, old); err != nil {
		return err
	}
	return a.SetAdminPassword(ctx, p)
}

// JWTSecret is admin.jwt_secret from the config file, or a random secret
// generated once and kept in the settings table.
func (a *App) JWTSecret(ctx context.Context) ([]byte, error) {
	if s := strings.TrimSpace(a.Cfg.Admin.JWTSecret); s != "" {
		return []byte(s), nil
	}
	v, ok, err := a.Settings.Get(ctx, model.ConfigJWTSecret)
	if err != nil {
		return nil, fmt.Errorf("read jwt secret: %w", err)
	}
	if ok && v != "" {
		return []byte(v), nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate jwt secret: %w", err)
	}
	v = hex.EncodeToString(buf)
	if err := a.Settings.Set(ctx, model.ConfigJWTSecret, v); err != nil {
		return nil, fmt.Errorf("save jwt secret: %w", err)
	}
	log.Infof("generated dashboard token secret")
	return []byte(v), nil
}
