package dao

import (
	"context"

	"gorm.io/gorm"

	"nostr-relay-tray/nrt/common/ttime"
	"nostr-relay-tray/nrt/model"
)

// RuleFilter narrows FindAllRules; zero values mean "any".
type RuleFilter struct {
	Action  string
	Enabled *bool
}

// FindRules pages rules newest first.
func FindRules(ctx context.Context, db *gorm.DB, page, size int) ([]model.Rule, int64, error) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 10
	}
	var total int64
	if err := db.WithContext(ctx).Model(&model.Rule{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var rows []model.Rule
	err := db.WithContext(ctx).Model(&model.Rule{}).
		Order("id DESC").
		Limit(size).
		Offset((page - 1) * size).
		Find(&rows).Error
	return rows, total, err
}

// GetRuleById returns (nil, gorm.ErrRecordNotFound) when absent.
func GetRuleById(ctx context.Context, db *gorm.DB, id int64) (*model.Rule, error) {
	var r model.Rule
	if err := db.WithContext(ctx).Model(&model.Rule{}).Where("id = ?", id).Take(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

func FindAllRules(ctx context.Context, db *gorm.DB, f RuleFilter) ([]model.Rule, error) {
	q := db.WithContext(ctx).Model(&model.Rule{})
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.Enabled != nil {
		q = q.Where("enabled = ?", *f.Enabled)
	}
	var rows []model.Rule
	err := q.Order("id ASC").Find(&rows).Error
	return rows, err
}

func CreateRule(ctx context.Context, db *gorm.DB, r *model.Rule) error {
	now := ttime.Now()
	r.CreateDateTime = now
	r.UpdateDateTime = now
	if r.Conditions == nil {
		r.Conditions = model.Conditions{}
	}
	return db.WithContext(ctx).Create(r).Error
}

// UpdateRule applies the non-nil fields of u and reports affected rows.
func UpdateRule(ctx context.Context, db *gorm.DB, id int64, u model.RuleUpdate) (int64, error) {
	set := map[string]any{"update_date_time": ttime.Now()}
	if u.Name != nil {
		set["name"] = *u.Name
	}
	if u.Description != nil {
		set["description"] = *u.Description
	}
	if u.Action != nil {
		set["action"] = *u.Action
	}
	if u.Enabled != nil {
		set["enabled"] = *u.Enabled
	}
	if u.Conditions != nil {
		set["conditions"] = model.Conditions(*u.Conditions)
	}
	tx := db.WithContext(ctx).Model(&model.Rule{}).Where("id = ?", id).Updates(set)
	return tx.RowsAffected, tx.Error
}

func DeleteRule(ctx context.Context, db *gorm.DB, id int64) (int64, error) {
	tx := db.WithContext(ctx).Where("id = ?", id).Delete(&model.Rule{})
	return tx.RowsAffected, tx.Error
}
