package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"nostr-relay-tray/nrt/core/connector"
	"nostr-relay-tray/nrt/core/filter"
	"nostr-relay-tray/nrt/core/wot"
	"nostr-relay-tray/nrt/db/dao"
	"nostr-relay-tray/nrt/model"
)

var ErrRuleNotFound = errors.New("rule not found")

const maxPowDifficulty = 256

// FieldError names the offending input path, e.g. "conditions[2].values[0]".
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned for rule and setting edits that cannot be
// applied as given. Nothing is persisted when it is returned.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func invalid(field, format string, args ...any) error {
	v := &ValidationError{}
	v.add(field, format, args...)
	return v
}

/******** rules ********/

func (a *App) CreateRule(ctx context.Context, in model.NewRule) (*model.Rule, error) {
	v := &ValidationError{}
	if strings.TrimSpace(in.Name) == "" {
		v.add("name", "must not be empty")
	}
	if !model.ValidAction(in.Action) {
		v.add("action", "must be %q or %q", model.ActionAllow, model.ActionBlock)
	}
	checkConditions(v, in.Conditions)
	if err := v.orNil(); err != nil {
		return nil, err
	}

	r := &model.Rule{
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Action:      in.Action,
		Enabled:     in.Enabled,
		Conditions:  model.Conditions(in.Conditions),
	}
	if err := dao.CreateRule(ctx, a.DB.GormDataSource, r); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	log.Infof("rule %d created (%s, %s)", r.Id, r.Name, r.Action)
	return r, a.reloadRules(ctx)
}

func (a *App) UpdateRule(ctx context.Context, id int64, in model.RuleUpdate) (*model.Rule, error) {
	v := &ValidationError{}
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		v.add("name", "must not be empty")
	}
	if in.Action != nil && !model.ValidAction(*in.Action) {
		v.add("action", "must be %q or %q", model.ActionAllow, model.ActionBlock)
	}
	if in.Conditions != nil {
		checkConditions(v, *in.Conditions)
	}
	if err := v.orNil(); err != nil {
		return nil, err
	}

	n, err := dao.UpdateRule(ctx, a.DB.GormDataSource, id, in)
	if err != nil {
		return nil, fmt.Errorf("update rule %d: %w", id, err)
	}
	if n == 0 {
		return nil, ErrRuleNotFound
	}
	if err := a.reloadRules(ctx); err != nil {
		return nil, err
	}
	return a.FindRuleById(ctx, id)
}

func (a *App) DeleteRule(ctx context.Context, id int64) error {
	n, err := dao.DeleteRule(ctx, a.DB.GormDataSource, id)
	if err != nil {
		return fmt.Errorf("delete rule %d: %w", id, err)
	}
	if n == 0 {
		return ErrRuleNotFound
	}
	log.Infof("rule %d deleted", id)
	return a.reloadRules(ctx)
}

func (a *App) FindRules(ctx context.Context, page, size int) ([]model.Rule, int64, error) {
	return dao.FindRules(ctx, a.DB.GormDataSource, page, size)
}

func (a *App) FindRuleById(ctx context.Context, id int64) (*model.Rule, error) {
	r, err := dao.GetRuleById(ctx, a.DB.GormDataSource, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule %d: %w", id, err)
	}
	return r, nil
}

// reloadRules fetches the enabled rules of the action opposite to the
// default and swaps them into the orchestrator.
func (a *App) reloadRules(ctx context.Context) error {
	a.rulesMu.Lock()
	defer a.rulesMu.Unlock()
	return a.applyLocked(ctx, a.Policy.DefaultAction(), nil)
}

// applyLocked loads the rules that count under defaultAction and installs
// both in one swap. commit runs after the load and before the swap; an error
// from either leaves the live policy untouched.
func (a *App) applyLocked(ctx context.Context, defaultAction string, commit func() error) error {
	enabled := true
	action := model.Inverse(defaultAction)
	rules, err := dao.FindAllRules(ctx, a.DB.GormDataSource, dao.RuleFilter{Action: action, Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	if commit != nil {
		if err := commit(); err != nil {
			return err
		}
	}
	for _, re := range a.Policy.Configure(defaultAction, rules) {
		for _, ce := range re.Errs {
			log.Warnf("rule %d: %v", re.RuleId, ce)
		}
	}
	log.Debugf("%d %s rule(s) active", len(rules), action)
	return nil
}

func checkConditions(v *ValidationError, conds []model.RuleCondition) {
	_, errs := filter.Compile(conds)
	for _, ce := range errs {
		field := fmt.Sprintf("conditions[%d]", ce.Index)
		if ce.Value != nil {
			if j := valueIndex(conds[ce.Index].Values, ce.Value); j >= 0 {
				field = fmt.Sprintf("%s.values[%d]", field, j)
			}
		}
		v.add(field, "%s: %v", ce.Field, ce.Err)
	}
}

func valueIndex(values []any, v any) int {
	for i, x := range values {
		if fmt.Sprint(x) == fmt.Sprint(v) {
			return i
		}
	}
	return -1
}

/******** default action & pow ********/

func (a *App) DefaultAction(ctx context.Context) (string, error) {
	v, ok, err := a.Settings.Get(ctx, model.ConfigDefaultEventAction)
	if err != nil {
		return "", fmt.Errorf("read default action: %w", err)
	}
	if !ok || !model.ValidAction(v) {
		return model.ActionAllow, nil
	}
	return v, nil
}

// SetDefaultAction persists the action and reloads the inverse rule set.
func (a *App) SetDefaultAction(ctx context.Context, action string) error {
	if !model.ValidAction(action) {
		return invalid("action", "must be %q or %q", model.ActionAllow, model.ActionBlock)
	}
	a.rulesMu.Lock()
	defer a.rulesMu.Unlock()
	err := a.applyLocked(ctx, action, func() error {
		if err := a.Settings.Set(ctx, model.ConfigDefaultEventAction, action); err != nil {
			return fmt.Errorf("save default action: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Infof("default action set to %s", action)
	return nil
}

func (a *App) PowDifficulty(ctx context.Context) (int, error) {
	v, ok, err := a.Settings.Get(ctx, model.ConfigPowDifficulty)
	if err != nil {
		return 0, fmt.Errorf("read pow difficulty: %w", err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		log.Warnf("ignoring stored pow difficulty %q", v)
		return 0, nil
	}
	return n, nil
}

func (a *App) SetPowDifficulty(ctx context.Context, n int) error {
	if n < 0 || n > maxPowDifficulty {
		return invalid("difficulty", "must be between 0 and %d", maxPowDifficulty)
	}
	if err := a.Settings.Set(ctx, model.ConfigPowDifficulty, strconv.Itoa(n)); err != nil {
		return fmt.Errorf("save pow difficulty: %w", err)
	}
	a.Policy.SetPowDifficulty(n)
	log.Infof("pow difficulty set to %d", n)
	return nil
}

/******** web of trust ********/

// WotStatus is the read side of the trust configuration.
type WotStatus struct {
	Enabled              bool   `json:"enabled"`
	TrustAnchor          string `json:"trustAnchor"`
	TrustDepth           int    `json:"trustDepth"`
	RefreshIntervalHours int    `json:"refreshInterval"`
	LastRefreshedAt      int64  `json:"lastRefreshedAt"`
	IsRefreshing         bool   `json:"isRefreshing"`
	TrustedCount         int    `json:"trustedCount"`
}

func (a *App) WotStatus() WotStatus {
	st := WotStatus{
		Enabled:              a.Wot.Enabled(),
		TrustAnchor:          a.Wot.TrustAnchor(),
		TrustDepth:           a.Wot.TrustDepth(),
		RefreshIntervalHours: a.Wot.RefreshInterval(),
		IsRefreshing:         a.Wot.IsRefreshing(),
		TrustedCount:         a.Wot.TrustedCount(),
	}
	if t := a.Wot.LastRefreshedAt(); !t.IsZero() {
		st.LastRefreshedAt = t.Unix()
	}
	return st
}

func (a *App) SetWotEnabled(ctx context.Context, enabled bool) error {
	return wotErr("enabled", a.Wot.SetEnabled(ctx, enabled))
}

func (a *App) SetWotTrustAnchor(ctx context.Context, anchor string) error {
	return wotErr("trustAnchor", a.Wot.SetTrustAnchor(ctx, anchor))
}

func (a *App) SetWotTrustDepth(ctx context.Context, depth int) error {
	return wotErr("trustDepth", a.Wot.SetTrustDepth(ctx, depth))
}

func (a *App) SetWotRefreshInterval(ctx context.Context, hours int) error {
	return wotErr("refreshInterval", a.Wot.SetRefreshInterval(ctx, hours))
}

// RefreshWot runs a refresh now; ran is false when one was already going.
func (a *App) RefreshWot(ctx context.Context) (ran bool, err error) {
	return a.Wot.Refresh(ctx)
}

func (a *App) CheckMembership(ctx context.Context, pubkey string) (bool, error) {
	ok, err := a.Wot.CheckMembership(ctx, pubkey)
	if err != nil {
		return false, invalid("pubkey", "%v", err)
	}
	return ok, nil
}

// wotErr turns the trust service's input errors into field errors.
func wotErr(field string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, wot.ErrTrustAnchorNotSet),
		errors.Is(err, wot.ErrInvalidTrustDepth),
		errors.Is(err, wot.ErrInvalidRefreshInterval),
		errors.Is(err, filter.ErrInvalidPubkey):
		return invalid(field, "%v", err)
	default:
		return err
	}
}

/******** hub & proxy ********/

// LinkStatus is one federation link as the dashboard shows it.
type LinkStatus struct {
	Status        connector.State `json:"status"`
	URL           string          `json:"url,omitempty"`
	Enabled       bool            `json:"enabled"`
	PublicAddress string          `json:"publicAddress,omitempty"`
}

func (a *App) HubConnect(ctx context.Context, u string) connector.Result {
	return a.Federation.HubConnect(ctx, u)
}

func (a *App) HubDisconnect() { a.Federation.HubDisconnect() }

func (a *App) HubStatus(ctx context.Context) LinkStatus {
	return LinkStatus{
		Status:  a.Federation.HubStatus(),
		URL:     a.Federation.HubURL(),
		Enabled: a.Federation.HubEnabled(ctx),
	}
}

func (a *App) SetHubURL(u string) error {
	if err := a.Federation.SetHubURL(u); err != nil {
		return invalid("url", "%v", err)
	}
	return nil
}

func (a *App) ProxyConnect(ctx context.Context) connector.Result {
	return a.Federation.ProxyConnect(ctx)
}

func (a *App) ProxyDisconnect() { a.Federation.ProxyDisconnect() }

func (a *App) ProxyStatus(ctx context.Context) LinkStatus {
	return LinkStatus{
		Status:        a.Federation.ProxyStatus(),
		Enabled:       a.Federation.ProxyEnabled(ctx),
		PublicAddress: a.Federation.PublicAddress(),
	}
}
