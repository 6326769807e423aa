package api

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-relay-tray/nrt/app"
	"nostr-relay-tray/nrt/common/config"
	"nostr-relay-tray/nrt/model"
)

const testPassword = "hunter22"

type noFollows struct{}

func (noFollows) Follows(context.Context, []string) (map[string][]string, error) {
	return map[string][]string{}, nil
}

type fixture struct {
	t     *testing.T
	app   *app.App
	h     http.Handler
	token string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{}
	cfg.DB.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	cfg.Metrics.Prometheus = true
	cfg.ApplyDefaults()
	a, err := app.NewWithConfig(cfg, "", app.Deps{Fetcher: noFollows{}})
	require.NoError(t, err)
	require.NoError(t, a.Start())
	t.Cleanup(func() { _ = a.Stop() })
	require.NoError(t, a.SetAdminPassword(context.Background(), testPassword))

	s, err := New(a)
	require.NoError(t, err)
	f := &fixture{t: t, app: a, h: s.Router()}

	rec := f.do(http.MethodPost, "/api/login", gin.H{"password": testPassword})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct{ Token string }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	f.token = out.Token
	return f
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(f.t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestLoginAndAuth(t *testing.T) {
	f := newFixture(t)
	assert.NotEmpty(t, f.token)

	f.token = ""
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/rule", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/api/login", gin.H{"password": "nope"}).Code)

	f.token = "garbage"
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/rule", nil).Code)
}

func TestLoginIsThrottled(t *testing.T) {
	f := newFixture(t)
	f.token = ""
	var last *httptest.ResponseRecorder
	for i := 0; i < 10; i++ {
		last = f.do(http.MethodPost, "/api/login", gin.H{"password": "wrong"})
		if last.Code == http.StatusTooManyRequests {
			break
		}
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
}

func TestRuleEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/rule", gin.H{
		"name":    "bad",
		"action":  "block",
		"enabled": true,
		"conditions": []gin.H{
			{"fieldName": "author", "operator": "IN", "values": []any{"npub1invalid"}},
		},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	bad := decode[struct {
		Fields []app.FieldError `json:"fields"`
	}](t, rec)
	require.Len(t, bad.Fields, 1)
	assert.Equal(t, "conditions[0].values[0]", bad.Fields[0].Field)

	rec = f.do(http.MethodPost, "/api/rule", gin.H{
		"name":    "no notes",
		"action":  "block",
		"enabled": true,
		"conditions": []gin.H{
			{"fieldName": "kind", "operator": "IN", "values": []any{1}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decode[struct{ Id int64 }](t, rec)
	require.NotZero(t, created.Id)

	list := decode[struct {
		Total int64
		List  []struct{ Name string }
	}](t, f.do(http.MethodGet, "/api/rule?page=1&size=10", nil))
	assert.EqualValues(t, 1, list.Total)
	assert.Equal(t, "no notes", list.List[0].Name)

	path := fmt.Sprintf("/api/rule/%d", created.Id)
	rec = f.do(http.MethodPut, path, gin.H{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, path, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodDelete, path, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, path, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/rule/abc", nil).Code)
}

func TestDefaultActionAndPow(t *testing.T) {
	f := newFixture(t)

	got := decode[struct{ Action string }](t, f.do(http.MethodGet, "/api/default-action", nil))
	assert.Equal(t, "allow", got.Action)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/default-action", gin.H{"action": "maybe"}).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPut, "/api/default-action", gin.H{"action": "block"}).Code)
	got = decode[struct{ Action string }](t, f.do(http.MethodGet, "/api/default-action", nil))
	assert.Equal(t, "block", got.Action)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/pow", gin.H{}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/pow", gin.H{"difficulty": -3}).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPut, "/api/pow", gin.H{"difficulty": 8}).Code)
	pow := decode[struct{ Difficulty int }](t, f.do(http.MethodGet, "/api/pow", nil))
	assert.Equal(t, 8, pow.Difficulty)
}

func TestWotEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPut, "/api/wot/enabled", gin.H{"enabled": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "trust anchor is not set")

	pk, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	rec = f.do(http.MethodPut, "/api/wot/trust-anchor", gin.H{"trustAnchor": pk})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decode[app.WotStatus](t, rec)
	assert.True(t, strings.HasPrefix(st.TrustAnchor, "npub1"))

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/wot/trust-depth", gin.H{"trustDepth": 5}).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPut, "/api/wot/trust-depth", gin.H{"trustDepth": 2}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/wot/refresh-interval", gin.H{"refreshInterval": 0}).Code)

	m := decode[struct{ Trusted bool }](t, f.do(http.MethodGet, "/api/wot/membership/"+pk, nil))
	assert.False(t, m.Trusted)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/wot/membership/zzz", nil).Code)
}

func TestHubEndpoints(t *testing.T) {
	f := newFixture(t)

	res := decode[struct {
		Success      bool
		ErrorMessage string
	}](t, f.do(http.MethodPost, "/api/hub/connect", nil))
	assert.False(t, res.Success)
	assert.Equal(t, "Hub URL is not set.", res.ErrorMessage)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/hub/url", gin.H{"url": "http://x"}).Code)
	rec := f.do(http.MethodPut, "/api/hub/url", gin.H{"url": "wss://hub.example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[struct{ Status, URL string }](t, f.do(http.MethodGet, "/api/hub", nil))
	assert.Equal(t, "disconnected", st.Status)
	assert.Equal(t, "wss://hub.example.com", st.URL)

	px := decode[struct{ Status string }](t, f.do(http.MethodGet, "/api/proxy", nil))
	assert.Equal(t, "disconnected", px.Status)
}

func TestRelayInformationDocument(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "application/nostr+json")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/nostr+json", rec.Header().Get("Content-Type"))
	info := decode[struct {
		Name          string
		SupportedNIPs []int `json:"supported_nips"`
	}](t, rec)
	assert.Equal(t, "nostr-relay-tray", info.Name)
	assert.Equal(t, []int{1, 50}, info.SupportedNIPs)

	rec = httptest.NewRecorder()
	f.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Contains(t, rec.Body.String(), "Nostr client")
}

func TestRelayWebsocketAdmission(t *testing.T) {
	f := newFixture(t)
	_, err := f.app.CreateRule(context.Background(), model.NewRule{
		Name:       "no notes",
		Action:     model.ActionBlock,
		Enabled:    true,
		Conditions: []model.RuleCondition{{FieldName: model.FieldKind, Values: []any{float64(1)}}},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(f.h)
	defer srv.Close()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	sk := nostr.GeneratePrivateKey()
	send := func(kind int) []any {
		ev := nostr.Event{Kind: kind, CreatedAt: nostr.Now(), Tags: nostr.Tags{}, Content: "hi"}
		require.NoError(t, ev.Sign(sk))
		b, err := json.Marshal([]any{"EVENT", ev})
		require.NoError(t, err)
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, b))
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := ws.ReadMessage()
		require.NoError(t, err)
		var out []any
		require.NoError(t, json.Unmarshal(msg, &out))
		return out
	}

	ok := send(0)
	assert.Equal(t, "OK", ok[0])
	assert.Equal(t, true, ok[2])

	rejected := send(1)
	assert.Equal(t, false, rejected[2])
	assert.True(t, strings.HasPrefix(rejected[3].(string), "blocked:"), rejected[3])
}

func TestStatusStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/status/stream?token="+f.token, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sc := bufio.NewScanner(resp.Body)
	var data []string
	for len(data) < 2 && sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "data:") {
			data = append(data, line)
		}
	}
	require.Len(t, data, 2)
	assert.Contains(t, data[0], `"link":"hub"`)
	assert.Contains(t, data[1], `"link":"proxy"`)
	assert.Contains(t, data[1], `"state":"disconnected"`)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
