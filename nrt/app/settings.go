package app

import (
	"context"

	"gorm.io/gorm"

	"nostr-relay-tray/nrt/db/dao"
)

// Settings is the config key/value table seen through the small interface
// the core services persist to.
type Settings struct {
	db *gorm.DB
}

func NewSettings(db *gorm.DB) *Settings { return &Settings{db: db} }

func (s *Settings) Get(ctx context.Context, key string) (string, bool, error) {
	return dao.GetConfig(ctx, s.db, key)
}

func (s *Settings) Set(ctx context.Context, key, value string) error {
	return dao.SetConfig(ctx, s.db, key, value)
}

func (s *Settings) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	return dao.GetConfigMany(ctx, s.db, keys...)
}
