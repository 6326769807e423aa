package app

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-relay-tray/nrt/common/config"
	"nostr-relay-tray/nrt/model"
)

type noFollows struct{}

func (noFollows) Follows(context.Context, []string) (map[string][]string, error) {
	return map[string][]string{}, nil
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := &config.Config{}
	cfg.DB.Driver = "sqlite"
	cfg.DB.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	cfg.ApplyDefaults()

	a, err := NewWithConfig(cfg, "", Deps{Fetcher: noFollows{}})
	require.NoError(t, err)
	require.NoError(t, a.Start())
	t.Cleanup(func() { _ = a.Stop() })
	return a
}

func pubkey(t *testing.T) string {
	t.Helper()
	pk, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	return pk
}

func admitted(a *App, kind int, author string) bool {
	return a.Policy.Admit(context.Background(), &nostr.Event{Kind: kind, PubKey: author}).CanHandle
}

func TestBlockRuleUnderDefaultAllow(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	pk := pubkey(t)

	_, err := a.CreateRule(ctx, model.NewRule{
		Name:    "no notes",
		Action:  model.ActionBlock,
		Enabled: true,
		Conditions: []model.RuleCondition{
			{FieldName: model.FieldKind, Operator: model.OperatorIn, Values: []any{float64(1)}},
		},
	})
	require.NoError(t, err)

	assert.False(t, admitted(a, 1, pk))
	assert.True(t, admitted(a, 0, pk))
}

func TestAllowRuleUnderDefaultBlock(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	alice, bob := pubkey(t), pubkey(t)

	_, err := a.CreateRule(ctx, model.NewRule{
		Name:    "kind 1 block",
		Action:  model.ActionBlock,
		Enabled: true,
		Conditions: []model.RuleCondition{
			{FieldName: model.FieldKind, Values: []any{float64(1)}},
		},
	})
	require.NoError(t, err)
	_, err = a.CreateRule(ctx, model.NewRule{
		Name:    "alice",
		Action:  model.ActionAllow,
		Enabled: true,
		Conditions: []model.RuleCondition{
			{FieldName: model.FieldAuthor, Operator: model.OperatorIn, Values: []any{alice}},
		},
	})
	require.NoError(t, err)

	require.NoError(t, a.SetDefaultAction(ctx, model.ActionBlock))
	got, err := a.DefaultAction(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.ActionBlock, got)

	// only the allow rules are loaded now, so alice's kind 1 passes
	assert.True(t, admitted(a, 1, alice))
	assert.False(t, admitted(a, 1, bob))
	assert.False(t, admitted(a, 0, bob))

	require.NoError(t, a.SetDefaultAction(ctx, model.ActionAllow))
	assert.False(t, admitted(a, 1, alice))
	assert.True(t, admitted(a, 0, bob))
}

func TestRuleValidationIsFieldScoped(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	_, err := a.CreateRule(ctx, model.NewRule{
		Name:    "bad",
		Action:  model.ActionBlock,
		Enabled: true,
		Conditions: []model.RuleCondition{
			{FieldName: model.FieldKind, Values: []any{float64(1)}},
			{FieldName: model.FieldAuthor, Values: []any{pubkey(t), "npub1nope"}},
			{FieldName: model.FieldContent, Values: []any{"("}},
		},
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	fields := map[string]bool{}
	for _, f := range ve.Fields {
		fields[f.Field] = true
	}
	assert.True(t, fields["conditions[1].values[1]"], "%v", ve.Fields)
	assert.True(t, fields["conditions[2].values[0]"], "%v", ve.Fields)

	_, total, err := a.FindRules(ctx, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)

	_, err = a.CreateRule(ctx, model.NewRule{Name: " ", Action: "maybe"})
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Fields, 2)
}

func TestUpdateAndDeleteRecompile(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	pk := pubkey(t)

	r, err := a.CreateRule(ctx, model.NewRule{
		Name:    "kinds",
		Action:  model.ActionBlock,
		Enabled: true,
		Conditions: []model.RuleCondition{
			{FieldName: model.FieldKind, Values: []any{float64(7)}},
		},
	})
	require.NoError(t, err)
	assert.False(t, admitted(a, 7, pk))

	off := false
	got, err := a.UpdateRule(ctx, r.Id, model.RuleUpdate{Enabled: &off})
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.True(t, admitted(a, 7, pk))

	on := true
	conds := []model.RuleCondition{{FieldName: model.FieldKind, Values: []any{float64(9)}}}
	_, err = a.UpdateRule(ctx, r.Id, model.RuleUpdate{Enabled: &on, Conditions: &conds})
	require.NoError(t, err)
	assert.True(t, admitted(a, 7, pk))
	assert.False(t, admitted(a, 9, pk))

	require.NoError(t, a.DeleteRule(ctx, r.Id))
	assert.True(t, admitted(a, 9, pk))

	assert.ErrorIs(t, a.DeleteRule(ctx, r.Id), ErrRuleNotFound)
	_, err = a.FindRuleById(ctx, r.Id)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	_, err = a.UpdateRule(ctx, r.Id, model.RuleUpdate{Enabled: &on})
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestPowDifficulty(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	n, err := a.PowDifficulty(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	var ve *ValidationError
	assert.ErrorAs(t, a.SetPowDifficulty(ctx, -1), &ve)

	require.NoError(t, a.SetPowDifficulty(ctx, 21))
	n, err = a.PowDifficulty(ctx)
	require.NoError(t, err)
	assert.Equal(t, 21, n)
	assert.Contains(t, a.Policy.GateNames(), "pow")

	d := a.Policy.Admit(ctx, &nostr.Event{Kind: 1, PubKey: pubkey(t), ID: "ff" + fmt.Sprintf("%062d", 0)})
	assert.False(t, d.CanHandle)
}

func TestWotValidation(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	var ve *ValidationError
	require.ErrorAs(t, a.SetWotEnabled(ctx, true), &ve)
	assert.Equal(t, "enabled", ve.Fields[0].Field)

	require.ErrorAs(t, a.SetWotTrustAnchor(ctx, "npub1bad"), &ve)
	require.ErrorAs(t, a.SetWotTrustDepth(ctx, 3), &ve)
	require.ErrorAs(t, a.SetWotRefreshInterval(ctx, 0), &ve)
	_, err := a.CheckMembership(ctx, "nope")
	require.ErrorAs(t, err, &ve)

	pk := pubkey(t)
	require.NoError(t, a.SetWotTrustAnchor(ctx, pk))
	require.NoError(t, a.SetWotTrustDepth(ctx, 1))
	st := a.WotStatus()
	assert.Equal(t, 1, st.TrustDepth)
	assert.NotEmpty(t, st.TrustAnchor)
	assert.False(t, st.Enabled)
}

func TestAdminPassword(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	assert.ErrorIs(t, a.CheckAdminPassword(ctx, "whatever"), ErrPasswordNotSet)

	var ve *ValidationError
	assert.ErrorAs(t, a.SetAdminPassword(ctx, "123"), &ve)
	assert.ErrorAs(t, a.SetAdminPassword(ctx, " padded "), &ve)

	require.NoError(t, a.SetAdminPassword(ctx, "correct horse"))
	assert.NoError(t, a.CheckAdminPassword(ctx, "correct horse"))
	assert.ErrorIs(t, a.CheckAdminPassword(ctx, "battery staple"), ErrBadPassword)

	assert.ErrorIs(t, a.ChangeAdminPassword(ctx, "wrong", "battery staple"), ErrBadPassword)
	require.NoError(t, a.ChangeAdminPassword(ctx, "correct horse", "battery staple"))
	assert.NoError(t, a.CheckAdminPassword(ctx, "battery staple"))

	v, _, err := a.Settings.Get(ctx, model.ConfigAdminPasswordBcrypt)
	require.NoError(t, err)
	assert.NotContains(t, v, "battery")
}

func TestJWTSecret(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	s1, err := a.JWTSecret(ctx)
	require.NoError(t, err)
	assert.Len(t, s1, 64)
	s2, err := a.JWTSecret(ctx)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)

	a.Cfg.Admin.JWTSecret = "from-config"
	s3, err := a.JWTSecret(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("from-config"), s3)
}

func TestHubURLValidation(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	var ve *ValidationError
	require.ErrorAs(t, a.SetHubURL("ftp://example.com"), &ve)
	assert.True(t, errors.As(a.SetHubURL("not a url"), &ve))

	require.NoError(t, a.SetHubURL("wss://hub.example.com"))
	st := a.HubStatus(ctx)
	assert.Equal(t, "wss://hub.example.com", st.URL)
	assert.False(t, st.Enabled)
}
