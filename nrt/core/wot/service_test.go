package wot

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-relay-tray/nrt/core/policy"
	"nostr-relay-tray/nrt/model"
)

const wait = 2 * time.Second

func pk(c string) string { return strings.Repeat(c, 64) }

/******** fakes ********/

type memSettings struct {
	mu sync.Mutex
	m  map[string]string
}

func (s *memSettings) Get(_ context.Context, k string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[k]
	return v, ok, nil
}

func (s *memSettings) Set(_ context.Context, k, v string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[k] = v
	return nil
}

func (s *memSettings) val(k string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[k]
}

// graphFetcher serves a fixed follow graph. Call n (from 1) blocks until
// gates[n] is closed, when present.
type graphFetcher struct {
	graph map[string][]string
	calls atomic.Int32
	gates map[int32]chan struct{}
}

func blockingCalls(n int) map[int32]chan struct{} {
	m := map[int32]chan struct{}{}
	for i := 1; i <= n; i++ {
		m[int32(i)] = make(chan struct{})
	}
	return m
}

func (g *graphFetcher) Follows(_ context.Context, authors []string) (map[string][]string, error) {
	n := g.calls.Add(1)
	if ch, ok := g.gates[n]; ok {
		<-ch
	}
	out := map[string][]string{}
	for _, a := range authors {
		if f, ok := g.graph[a]; ok {
			out[a] = f
		}
	}
	return out, nil
}

type gateRecorder struct {
	mu   sync.Mutex
	gate policy.AdmissionGate
}

func (r *gateRecorder) SetTrustGate(g policy.AdmissionGate) {
	r.mu.Lock()
	r.gate = g
	r.mu.Unlock()
}

func (r *gateRecorder) current() policy.AdmissionGate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gate
}

// anchor A follows B and C; B follows D; D follows E.
func testGraph() map[string][]string {
	return map[string][]string{
		pk("a"): {pk("b"), pk("c")},
		pk("b"): {pk("d"), pk("a")},
		pk("d"): {pk("e")},
	}
}

func newTestService(f FollowFetcher, kv ...string) (*Service, *memSettings, *gateRecorder) {
	st := &memSettings{m: map[string]string{}}
	for i := 0; i+1 < len(kv); i += 2 {
		st.m[kv[i]] = kv[i+1]
	}
	gates := &gateRecorder{}
	s := NewService(Options{Settings: st, Fetcher: f, Gates: gates, Watchdog: time.Minute})
	return s, st, gates
}

/******** tests ********/

func TestExpandDepth(t *testing.T) {
	f := &graphFetcher{graph: testGraph()}
	one, err := Expand(context.Background(), f, pk("a"), 1)
	require.NoError(t, err)
	assert.Len(t, one, 3)

	two, err := Expand(context.Background(), f, pk("a"), 2)
	require.NoError(t, err)
	assert.Len(t, two, 4)
	assert.Contains(t, two, pk("d"))
	assert.NotContains(t, two, pk("e"))
}

func TestEnableRequiresAnchor(t *testing.T) {
	s, _, gates := newTestService(&graphFetcher{graph: testGraph()})
	defer s.Stop()
	assert.ErrorIs(t, s.SetEnabled(context.Background(), true), ErrTrustAnchorNotSet)
	assert.False(t, s.Enabled())
	assert.Nil(t, gates.current())

	_, err := s.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrTrustAnchorNotSet)
}

func TestAnchorIsStoredAsHexAndShownAsNpub(t *testing.T) {
	s, st, _ := newTestService(&graphFetcher{})
	defer s.Stop()
	npub, err := nip19.EncodePublicKey(pk("a"))
	require.NoError(t, err)

	require.NoError(t, s.SetTrustAnchor(context.Background(), npub))
	assert.Equal(t, pk("a"), st.val(model.ConfigWotTrustAnchor))
	assert.Equal(t, npub, s.TrustAnchor())

	assert.Error(t, s.SetTrustAnchor(context.Background(), "npub1nonsense"))
	assert.Equal(t, npub, s.TrustAnchor())

	require.NoError(t, s.SetTrustAnchor(context.Background(), ""))
	assert.Equal(t, "", s.TrustAnchor())
}

func TestDepthAndIntervalValidation(t *testing.T) {
	s, st, _ := newTestService(&graphFetcher{})
	defer s.Stop()
	assert.ErrorIs(t, s.SetTrustDepth(context.Background(), 3), ErrInvalidTrustDepth)
	require.NoError(t, s.SetTrustDepth(context.Background(), 2))
	assert.Equal(t, 2, s.TrustDepth())
	assert.Equal(t, "2", st.val(model.ConfigWotTrustDepth))

	assert.ErrorIs(t, s.SetRefreshInterval(context.Background(), 0), ErrInvalidRefreshInterval)
	require.NoError(t, s.SetRefreshInterval(context.Background(), 6))
	assert.Equal(t, 6, s.RefreshInterval())
}

func TestEnableRefreshesAndInstallsGate(t *testing.T) {
	s, st, gates := newTestService(&graphFetcher{graph: testGraph()})
	defer s.Stop()
	ctx := context.Background()
	require.NoError(t, s.SetTrustAnchor(ctx, pk("a")))
	require.NoError(t, s.SetEnabled(ctx, true))

	assert.Eventually(t, func() bool { return gates.current() != nil }, wait, 5*time.Millisecond)
	assert.Equal(t, "wot", gates.current().Name())
	assert.Equal(t, 3, s.TrustedCount())
	assert.False(t, s.LastRefreshedAt().IsZero())
	assert.NotEmpty(t, st.val(model.ConfigWotLastRefreshedAt))
	assert.Equal(t, "true", st.val(model.ConfigWotEnabled))

	npubB, _ := nip19.EncodePublicKey(pk("b"))
	ok, err := s.CheckMembership(ctx, npubB)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = s.CheckMembership(ctx, pk("e"))
	assert.False(t, ok)

	require.NoError(t, s.SetEnabled(ctx, false))
	assert.Nil(t, gates.current())
}

func TestConcurrentRefreshIsDropped(t *testing.T) {
	f := &graphFetcher{graph: testGraph(), gates: blockingCalls(1)}
	s, _, _ := newTestService(f, model.ConfigWotTrustAnchor, pk("a"))
	defer s.Stop()
	require.NoError(t, s.Start(context.Background()))

	first := make(chan bool, 1)
	go func() {
		ran, _ := s.Refresh(context.Background())
		first <- ran
	}()
	assert.Eventually(t, s.IsRefreshing, wait, time.Millisecond)

	ran, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, ran, "second refresh must not queue")

	close(f.gates[1])
	assert.True(t, <-first)
	assert.False(t, s.IsRefreshing())
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestWatchdogReleasesStuckRefresh(t *testing.T) {
	f := &graphFetcher{graph: testGraph(), gates: blockingCalls(2)}
	s, _, _ := newTestService(f, model.ConfigWotTrustAnchor, pk("a"))
	s.opts.Watchdog = 200 * time.Millisecond
	defer s.Stop()
	require.NoError(t, s.Start(context.Background()))

	stuck := make(chan struct{})
	go func() {
		_, _ = s.Refresh(context.Background())
		close(stuck)
	}()
	assert.Eventually(t, s.IsRefreshing, wait, time.Millisecond)
	assert.Eventually(t, func() bool { return !s.IsRefreshing() }, wait, time.Millisecond)

	// a new refresh takes the lock; the stuck one finishing late must not free it
	second := make(chan struct{})
	go func() {
		_, _ = s.Refresh(context.Background())
		close(second)
	}()
	assert.Eventually(t, func() bool { return f.calls.Load() == 2 }, wait, time.Millisecond)
	close(f.gates[1])
	<-stuck
	assert.True(t, s.IsRefreshing())
	assert.Equal(t, 0, s.TrustedCount(), "late result is discarded")

	close(f.gates[2])
	<-second
}

func TestStartRestoresActiveState(t *testing.T) {
	f := &graphFetcher{graph: testGraph()}
	s, _, gates := newTestService(f,
		model.ConfigWotEnabled, "true",
		model.ConfigWotTrustAnchor, pk("a"),
		model.ConfigWotTrustDepth, "2",
		model.ConfigWotRefreshInterval, "3",
		model.ConfigWotLastRefreshedAt, "1700000000",
	)
	defer s.Stop()
	require.NoError(t, s.Start(context.Background()))

	assert.Equal(t, 2, s.TrustDepth())
	assert.Equal(t, 3, s.RefreshInterval())
	assert.Eventually(t, func() bool { return gates.current() != nil }, wait, 5*time.Millisecond)
	assert.Equal(t, 4, s.TrustedCount())
}

func TestGateWaitsForFirstRefresh(t *testing.T) {
	f := &graphFetcher{graph: testGraph(), gates: blockingCalls(1)}
	s, _, gates := newTestService(f)
	defer s.Stop()
	ctx := context.Background()
	require.NoError(t, s.SetTrustAnchor(ctx, pk("b")))
	require.NoError(t, s.SetEnabled(ctx, true))

	assert.Eventually(t, s.IsRefreshing, wait, time.Millisecond)
	assert.Nil(t, gates.current(), "no gate while the trusted set is empty")
	assert.False(t, s.GateInstalled())

	close(f.gates[1])
	assert.Eventually(t, func() bool { return gates.current() != nil }, wait, time.Millisecond)
	d, err := gates.current().Evaluate(ctx, &nostr.Event{PubKey: pk("d")})
	require.NoError(t, err)
	assert.True(t, d.CanHandle)
}

func TestRefreshAfterDisableKeepsGateOut(t *testing.T) {
	f := &graphFetcher{graph: testGraph()}
	s, _, gates := newTestService(f, model.ConfigWotTrustAnchor, pk("a"))
	defer s.Stop()
	require.NoError(t, s.Start(context.Background()))

	ran, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Nil(t, gates.current(), "disabled service never installs the gate")
}

func TestPeriodicRefresh(t *testing.T) {
	f := &graphFetcher{graph: testGraph()}
	s, _, _ := newTestService(f, model.ConfigWotTrustAnchor, pk("a"))
	s.hour = 10 * time.Millisecond
	defer s.Stop()
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.SetEnabled(ctx, true))
	assert.Eventually(t, func() bool { return f.calls.Load() >= 3 }, wait, 5*time.Millisecond)

	require.NoError(t, s.SetEnabled(ctx, false))
	time.Sleep(30 * time.Millisecond)
	n := f.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, f.calls.Load())
}
