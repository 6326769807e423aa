package model

import "nostr-relay-tray/nrt/common/ttime"

// Keys of the key/value config table.
const (
	ConfigDefaultEventAction  = "default_event_action"
	ConfigHubEnabled          = "hub_enabled"
	ConfigHubURL              = "hub_url"
	ConfigProxyEnabled        = "proxy_enabled"
	ConfigPrivateKey          = "private_key"
	ConfigPowDifficulty       = "pow_difficulty"
	ConfigWotEnabled          = "wot_enabled"
	ConfigWotTrustAnchor      = "wot_trust_anchor"
	ConfigWotTrustDepth       = "wot_trust_depth"
	ConfigWotRefreshInterval  = "wot_refresh_interval"
	ConfigWotLastRefreshedAt  = "wot_last_refreshed_at"
	ConfigAdminPasswordBcrypt = "admin_password_bcrypt"
	ConfigJWTSecret           = "jwt_secret"
)

type ConfigItem struct {
	Key            string            `gorm:"column:key;primaryKey"`
	Value          string            `gorm:"column:value"`
	UpdateDateTime *ttime.TimeFormat `gorm:"column:update_date_time"`
}

func (ConfigItem) TableName() string { return "config" }
