package dao

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nostr-relay-tray/nrt/common/ttime"
	"nostr-relay-tray/nrt/model"
)

// GetConfig returns the value for key; ok is false when the key was never set.
func GetConfig(ctx context.Context, db *gorm.DB, key string) (value string, ok bool, err error) {
	var it model.ConfigItem
	err = db.WithContext(ctx).Model(&model.ConfigItem{}).Where(clause.Eq{Column: clause.Column{Name: "key"}, Value: key}).Take(&it).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return it.Value, true, nil
}

func GetConfigMany(ctx context.Context, db *gorm.DB, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	var rows []model.ConfigItem
	err := db.WithContext(ctx).Model(&model.ConfigItem{}).
		Where(clause.IN{Column: clause.Column{Name: "key"}, Values: toAny(keys)}).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// SetConfig upserts key=value.
func SetConfig(ctx context.Context, db *gorm.DB, key, value string) error {
	it := model.ConfigItem{Key: key, Value: value, UpdateDateTime: ttime.Now()}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "update_date_time"}),
	}).Create(&it).Error
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
