package tracker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ip-tracer/internal/ipify"
	"ip-tracer/internal/mapview"
	"ip-tracer/internal/state"
)

var usResolution = state.Resolution{
	Location: "US",
	Timezone: "-05:00",
	ISP:      "Example ISP",
	Lat:      38.0,
	Lng:      -97.0,
}

type result struct {
	res state.Resolution
	err error
}

// fakeLookup：按查询返回预设结果，可选择对某些查询阻塞直到放行
type fakeLookup struct {
	mu      sync.Mutex
	calls   []string
	results map[string]result
	gates   map[string]chan struct{}
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{results: make(map[string]result), gates: make(map[string]chan struct{})}
}

func (f *fakeLookup) set(q string, res state.Resolution, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[q] = result{res: res, err: err}
}

func (f *fakeLookup) gate(q string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[q] = ch
	return ch
}

func (f *fakeLookup) Lookup(ctx context.Context, q string) (state.Resolution, error) {
	f.mu.Lock()
	f.calls = append(f.calls, q)
	gate := f.gates[q]
	r, ok := f.results[q]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return state.Resolution{}, ctx.Err()
		}
	}
	if !ok {
		return state.Resolution{}, fmt.Errorf("no fixture for %q", q)
	}
	return r.res, r.err
}

func (f *fakeLookup) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type testSetup struct {
	lookup  *fakeLookup
	host    *mapview.Host
	tracker *Tracker
	logs    *syncBuffer
	cancel  context.CancelFunc
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestSetup(t *testing.T, opts ...Option) *testSetup {
	t.Helper()
	logs := &syncBuffer{}
	l := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	lookup := newFakeLookup()
	host := mapview.NewHost("", slog.New(slog.NewTextHandler(io.Discard, nil)))
	opts = append([]Option{WithLogger(l), WithInitialLookup(false)}, opts...)
	tr := New(lookup, host, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	tr.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-tr.Done()
	})
	return &testSetup{lookup: lookup, host: host, tracker: tr, logs: logs, cancel: cancel}
}

func (s *testSetup) waitStatus(t *testing.T, want state.Status) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = s.tracker.Snapshot()
		return snap.State.Status == want
	}, time.Second, 5*time.Millisecond)
	return snap
}

func TestTracker_StartMountsDefaultMap(t *testing.T) {
	s := newTestSetup(t)

	snap := s.tracker.Snapshot()
	assert.Equal(t, state.StatusIdle, snap.State.Status)
	assert.Equal(t, mapview.LatLng{Lat: state.DefaultLat, Lng: state.DefaultLng}, snap.Map.Center)
	assert.Equal(t, 1, s.host.Live())
	assert.Empty(t, s.lookup.Calls())
}

func TestTracker_InitialLookupUsesEmptyQuery(t *testing.T) {
	logs := &syncBuffer{}
	lookup := newFakeLookup()
	lookup.set("", usResolution, nil)
	host := mapview.NewHost("", slog.New(slog.NewTextHandler(io.Discard, nil)))
	tr := New(lookup, host,
		WithLogger(slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))),
		WithInitialLookup(true),
	)
	ctx, cancel := context.WithCancel(context.Background())
	tr.Start(ctx)
	defer func() {
		cancel()
		<-tr.Done()
	}()

	s := &testSetup{lookup: lookup, host: host, tracker: tr, logs: logs, cancel: cancel}
	snap := s.waitStatus(t, state.StatusResolved)
	assert.Equal(t, []string{""}, lookup.Calls())
	assert.Equal(t, usResolution, snap.State.Resolution)
	assert.Equal(t, "", snap.Panel.IPAddress)
	assert.Contains(t, logs.String(), "lookup_empty_query")
}

func TestTracker_SuccessfulLookup(t *testing.T) {
	s := newTestSetup(t)
	s.lookup.set("8.8.8.8", usResolution, nil)
	first := s.tracker.Snapshot().Map.ID

	require.NoError(t, s.tracker.SetQuery("8.8.8.8"))
	snap := s.waitStatus(t, state.StatusResolved)

	assert.Equal(t, []string{"8.8.8.8"}, s.lookup.Calls())
	assert.Equal(t, "8.8.8.8", snap.Panel.IPAddress)
	assert.Equal(t, "US", snap.Panel.Location)
	assert.Equal(t, "UTC-05:00", snap.Panel.TimeZone)
	assert.Equal(t, "Example ISP", snap.Panel.ISP)
	assert.Equal(t, mapview.LatLng{Lat: 38.0, Lng: -97.0}, snap.Map.Center)
	assert.NotEqual(t, first, snap.Map.ID)
	assert.Equal(t, 1, s.host.Live())

	cur, ok := s.host.Current()
	require.True(t, ok)
	assert.Equal(t, snap.Map.ID, cur.ID)
}

func TestTracker_SetQueryReturnsAfterApply(t *testing.T) {
	s := newTestSetup(t)
	release := s.lookup.gate("10.1.2.3")
	defer close(release)
	s.lookup.set("10.1.2.3", usResolution, nil)

	require.NoError(t, s.tracker.SetQuery("10.1.2.3"))
	snap := s.tracker.Snapshot()

	assert.Equal(t, "10.1.2.3", snap.State.Query)
	assert.Equal(t, "10.1.2.3", snap.Panel.IPAddress)
	assert.Equal(t, state.StatusPending, snap.State.Status)
	assert.Equal(t, uint64(1), snap.State.Generation)
}

func TestTracker_ForbiddenKeepsResolution(t *testing.T) {
	s := newTestSetup(t)
	s.lookup.set("8.8.8.8", usResolution, nil)
	s.lookup.set("9.9.9.9", state.Resolution{}, &ipify.StatusError{Code: 403})

	require.NoError(t, s.tracker.SetQuery("8.8.8.8"))
	resolved := s.waitStatus(t, state.StatusResolved)

	require.NoError(t, s.tracker.SetQuery("9.9.9.9"))
	failed := s.waitStatus(t, state.StatusFailed)

	assert.Equal(t, resolved.State.Resolution, failed.State.Resolution)
	assert.Equal(t, resolved.Map.ID, failed.Map.ID)
	assert.Contains(t, failed.State.LastError, "403")
	logs := s.logs.String()
	assert.Contains(t, logs, "lookup_failed")
	assert.Contains(t, logs, "reason=forbidden")
	assert.Contains(t, logs, "Access restricted. Check credits balance")
}

func TestTracker_MalformedResponseDoesNotBreakLoop(t *testing.T) {
	s := newTestSetup(t)
	s.lookup.set("bad", state.Resolution{}, fmt.Errorf("%w: missing location", ipify.ErrMalformed))
	s.lookup.set("8.8.8.8", usResolution, nil)

	require.NoError(t, s.tracker.SetQuery("bad"))
	failed := s.waitStatus(t, state.StatusFailed)
	assert.Equal(t, state.DefaultResolution(), failed.State.Resolution)
	assert.Contains(t, s.logs.String(), "reason=malformed")

	// 循环仍然可用
	require.NoError(t, s.tracker.SetQuery("8.8.8.8"))
	s.waitStatus(t, state.StatusResolved)
}

func TestTracker_NewQueryKeepsSingleSurface(t *testing.T) {
	s := newTestSetup(t)
	other := state.Resolution{Location: "AU", Timezone: "+10:00", ISP: "APNIC", Lat: -33.8, Lng: 151.2}
	s.lookup.set("8.8.8.8", usResolution, nil)
	s.lookup.set("1.1.1.1", other, nil)

	require.NoError(t, s.tracker.SetQuery("8.8.8.8"))
	s.waitStatus(t, state.StatusResolved)
	require.NoError(t, s.tracker.SetQuery("1.1.1.1"))
	require.Eventually(t, func() bool {
		return s.tracker.Snapshot().State.Resolution == other
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, s.host.Live())
	assert.Equal(t, mapview.LatLng{Lat: -33.8, Lng: 151.2}, s.tracker.Snapshot().Map.Center)
}

func TestTracker_SameQueryTwiceIsIdempotent(t *testing.T) {
	s := newTestSetup(t)
	s.lookup.set("8.8.8.8", usResolution, nil)

	require.NoError(t, s.tracker.SetQuery("8.8.8.8"))
	first := s.waitStatus(t, state.StatusResolved)

	require.NoError(t, s.tracker.SetQuery("8.8.8.8"))
	// 同一查询不会产生新的请求代号
	time.Sleep(50 * time.Millisecond)
	second := s.tracker.Snapshot()

	assert.Equal(t, first.State, second.State)
	assert.Equal(t, first.Map, second.Map)
	assert.Equal(t, []string{"8.8.8.8"}, s.lookup.Calls())
}

func TestTracker_StaleResponseDiscarded(t *testing.T) {
	s := newTestSetup(t)
	slow := state.Resolution{Location: "AU", Timezone: "+10:00", ISP: "Slow", Lat: -33.8, Lng: 151.2}
	s.lookup.set("1.1.1.1", slow, nil)
	s.lookup.set("8.8.8.8", usResolution, nil)
	release := s.lookup.gate("1.1.1.1")

	require.NoError(t, s.tracker.SetQuery("1.1.1.1"))
	require.Eventually(t, func() bool { return len(s.lookup.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.tracker.SetQuery("8.8.8.8"))
	s.waitStatus(t, state.StatusResolved)

	close(release)
	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(s.logs.String()), []byte("lookup_stale"))
	}, time.Second, 5*time.Millisecond)

	snap := s.tracker.Snapshot()
	assert.Equal(t, "8.8.8.8", snap.State.Query)
	assert.Equal(t, usResolution, snap.State.Resolution)
	assert.Equal(t, mapview.LatLng{Lat: 38.0, Lng: -97.0}, snap.Map.Center)
}

func TestTracker_EachQueryIssuesOneRequest(t *testing.T) {
	s := newTestSetup(t)
	queries := []string{"a.example", "b.example", "10.0.0.1"}
	for _, q := range queries {
		s.lookup.set(q, usResolution, nil)
	}
	for _, q := range queries {
		require.NoError(t, s.tracker.SetQuery(q))
	}
	require.Eventually(t, func() bool {
		return len(s.lookup.Calls()) == len(queries)
	}, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.ElementsMatch(t, queries, s.lookup.Calls())
}

func TestTracker_Subscribe(t *testing.T) {
	s := newTestSetup(t)
	s.lookup.set("8.8.8.8", usResolution, nil)

	ch, cancel := s.tracker.Subscribe()
	defer cancel()

	initial := <-ch
	assert.Equal(t, state.StatusIdle, initial.State.Status)

	require.NoError(t, s.tracker.SetQuery("8.8.8.8"))
	deadline := time.After(time.Second)
	for {
		select {
		case snap := <-ch:
			if snap.State.Status == state.StatusResolved {
				assert.Equal(t, "US", snap.Panel.Location)
				return
			}
		case <-deadline:
			t.Fatal("no resolved snapshot delivered")
		}
	}
}

func TestTracker_SubscribeCancelClosesChannel(t *testing.T) {
	s := newTestSetup(t)
	ch, cancel := s.tracker.Subscribe()
	<-ch
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestTracker_StopReleasesMap(t *testing.T) {
	s := newTestSetup(t)
	ch, _ := s.tracker.Subscribe()
	<-ch

	s.cancel()
	select {
	case <-s.tracker.Done():
	case <-time.After(time.Second):
		t.Fatal("tracker did not stop")
	}

	assert.Equal(t, 0, s.host.Live())
	_, ok := <-ch
	assert.False(t, ok)
	assert.ErrorIs(t, s.tracker.SetQuery("x"), ErrStopped)

	late, _ := s.tracker.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}
