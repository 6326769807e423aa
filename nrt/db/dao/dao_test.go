package dao

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"nostr-relay-tray/nrt/common/config"
	"nostr-relay-tray/nrt/db"
	"nostr-relay-tray/nrt/model"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	d, err := db.OpenGorm("sqlite", dsn, config.DBPoolCfg{})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(d.GormDataSource, d.Driver))
	t.Cleanup(func() { _ = d.Close() })
	return d.GormDataSource
}

func TestRuleCRUD(t *testing.T) {
	g := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r := &model.Rule{
			Name:    fmt.Sprintf("r%d", i),
			Action:  model.ActionBlock,
			Enabled: i != 1,
			Conditions: model.Conditions{
				{FieldName: model.FieldKind, Operator: model.OperatorIn, Values: []any{float64(i)}},
			},
		}
		require.NoError(t, CreateRule(ctx, g, r))
		require.NotZero(t, r.Id)
	}

	rows, total, err := FindRules(ctx, g, 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, rows, 2)
	assert.Equal(t, "r2", rows[0].Name, "newest first")
	assert.Equal(t, "r1", rows[1].Name)

	got, err := GetRuleById(ctx, g, rows[0].Id)
	require.NoError(t, err)
	require.Len(t, got.Conditions, 1)
	assert.Equal(t, model.FieldKind, got.Conditions[0].FieldName)
	assert.Equal(t, []any{float64(2)}, got.Conditions[0].Values)

	enabled := true
	on, err := FindAllRules(ctx, g, RuleFilter{Action: model.ActionBlock, Enabled: &enabled})
	require.NoError(t, err)
	assert.Len(t, on, 2)

	name := "renamed"
	off := false
	n, err := UpdateRule(ctx, g, got.Id, model.RuleUpdate{Name: &name, Enabled: &off})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	got, err = GetRuleById(ctx, g, got.Id)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.False(t, got.Enabled)
	assert.Len(t, got.Conditions, 1, "conditions untouched by partial update")

	n, err = DeleteRule(ctx, g, got.Id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = GetRuleById(ctx, g, got.Id)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestConfigUpsert(t *testing.T) {
	g := openTestDB(t)
	ctx := context.Background()

	_, ok, err := GetConfig(ctx, g, model.ConfigHubURL)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, SetConfig(ctx, g, model.ConfigHubURL, "wss://a"))
	require.NoError(t, SetConfig(ctx, g, model.ConfigHubURL, "wss://b"))
	require.NoError(t, SetConfig(ctx, g, model.ConfigHubEnabled, "true"))

	v, ok, err := GetConfig(ctx, g, model.ConfigHubURL)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "wss://b", v)

	m, err := GetConfigMany(ctx, g, model.ConfigHubURL, model.ConfigHubEnabled, model.ConfigPowDifficulty)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{model.ConfigHubURL: "wss://b", model.ConfigHubEnabled: "true"}, m)
}
