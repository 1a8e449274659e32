package monitor_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderdash/internal/faults"
	"orderdash/internal/monitor"
)

// switchProber fails while down is set and counts every call.
type switchProber struct {
	down  atomic.Bool
	calls atomic.Int32
}

func (p *switchProber) Name() string { return "switch" }

func (p *switchProber) Check(context.Context) error {
	p.calls.Add(1)
	if p.down.Load() {
		return faults.NewUnreachable("/health", errors.New("connection refused"))
	}
	return nil
}

func newMonitor(t *testing.T, p monitor.Prober, opts monitor.Options) *monitor.Monitor {
	t.Helper()
	m := monitor.New(p, opts, prometheus.NewRegistry(), zerolog.Nop())
	t.Cleanup(m.Close)
	return m
}

func TestMonitor_StateMachine(t *testing.T) {
	p := &switchProber{}
	m := newMonitor(t, p, monitor.Options{})

	assert.Equal(t, monitor.StateUnknown, m.State())
	assert.Equal(t, monitor.Status{}, m.Status())

	p.down.Store(true)
	res := m.ForceSync(context.Background())
	assert.False(t, res.Success)
	assert.False(t, res.Status.IsOnline)
	assert.Equal(t, 1, res.Status.RetryCount)
	require.NotNil(t, res.Status.Error)
	assert.Contains(t, *res.Status.Error, "connection refused")
	require.NotNil(t, res.Status.LastCheck)
	assert.Equal(t, monitor.StateOffline, m.State())

	res = m.ForceSync(context.Background())
	assert.Equal(t, 2, res.Status.RetryCount)

	p.down.Store(false)
	res = m.ForceSync(context.Background())
	assert.True(t, res.Success)
	assert.True(t, res.Status.IsOnline)
	assert.Equal(t, 0, res.Status.RetryCount)
	assert.Nil(t, res.Status.Error)
	assert.Equal(t, monitor.StateOnline, m.State())
	assert.Equal(t, res.Status, m.Status())

	p.down.Store(true)
	res = m.ForceSync(context.Background())
	assert.Equal(t, 1, res.Status.RetryCount)
	assert.Equal(t, monitor.StateOffline, m.State())
}

func TestMonitor_ForceSyncCoalesces(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	p := monitor.ProberFunc(func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
		return nil
	})
	m := newMonitor(t, p, monitor.Options{Timeout: 5 * time.Second})

	const n = 10
	results := make([]monitor.SyncResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.ForceSync(context.Background())
		}(i)
	}

	<-entered
	// give every caller time to join the in-flight probe
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 1; i < n; i++ {
		assert.Equal(t, results[0], results[i])
	}
	assert.True(t, results[0].Success)
}

func TestMonitor_ForceSyncContextDone(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	p := monitor.ProberFunc(func(ctx context.Context) error {
		<-release
		return nil
	})
	m := newMonitor(t, p, monitor.Options{Timeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := m.ForceSync(ctx)
	assert.False(t, res.Success)
	assert.Nil(t, res.Status.LastCheck)
}

func TestMonitor_ProbeTimeout(t *testing.T) {
	p := monitor.ProberFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return faults.FromContext("/health", ctx.Err())
	})
	m := newMonitor(t, p, monitor.Options{Timeout: 30 * time.Millisecond})

	start := time.Now()
	res := m.ForceSync(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, res.Success)
	require.NotNil(t, res.Status.Error)
	assert.Contains(t, *res.Status.Error, "TIMEOUT")
}

func TestMonitor_Subscribe(t *testing.T) {
	p := &switchProber{}
	m := newMonitor(t, p, monitor.Options{})

	got := make(chan monitor.Status, 8)
	unsubscribe := m.Subscribe(func(s monitor.Status) { got <- s })

	select {
	case s := <-got:
		assert.Equal(t, monitor.Status{}, s, "current status is delivered first")
	case <-time.After(time.Second):
		t.Fatal("no initial status")
	}

	res := m.ForceSync(context.Background())
	select {
	case s := <-got:
		assert.Equal(t, res.Status, s)
	case <-time.After(time.Second):
		t.Fatal("no status after probe")
	}

	unsubscribe()
	unsubscribe()
	m.ForceSync(context.Background())
	select {
	case s := <-got:
		t.Fatalf("unexpected delivery after unsubscribe: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitor_SubscriberSeesLatest(t *testing.T) {
	p := &switchProber{}
	m := newMonitor(t, p, monitor.Options{})

	block := make(chan struct{})
	var mu sync.Mutex
	var last monitor.Status
	m.Subscribe(func(s monitor.Status) {
		<-block
		mu.Lock()
		last = s
		mu.Unlock()
	})

	p.down.Store(true)
	for i := 0; i < 5; i++ {
		m.ForceSync(context.Background())
	}
	close(block)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last.RetryCount == 5
	}, time.Second, 5*time.Millisecond)
}

func TestMonitor_NoSubscribers(t *testing.T) {
	m := newMonitor(t, &switchProber{}, monitor.Options{})
	assert.NotPanics(t, func() {
		m.ForceSync(context.Background())
		m.Subscribe(func(monitor.Status) {})()
		m.ForceSync(context.Background())
	})
}

func TestMonitor_PollLoop(t *testing.T) {
	p := &switchProber{}
	m := newMonitor(t, p, monitor.Options{Interval: 10 * time.Millisecond})

	m.Start()
	m.Start()
	require.Eventually(t, func() bool { return p.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()

	after := p.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, p.calls.Load())
	assert.Equal(t, monitor.StateOnline, m.State())
}

func TestMonitor_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := &switchProber{}
	m := monitor.New(p, monitor.Options{}, reg, zerolog.Nop())
	defer m.Close()

	m.ForceSync(context.Background())
	p.down.Store(true)
	m.ForceSync(context.Background())

	mfs, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range mfs {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetGauge() != nil:
				values[mf.GetName()] = metric.GetGauge().GetValue()
			case metric.GetCounter() != nil:
				values[mf.GetName()+"/"+metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, float64(0), values["orderdash_connection_online"])
	assert.Equal(t, float64(1), values["orderdash_connection_probes_total/online"])
	assert.Equal(t, float64(1), values["orderdash_connection_probes_total/offline"])
}

func TestHTTPProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusNoContent)
		case "/slow":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	assert.NoError(t, monitor.NewHTTPProber(srv.URL+"/health", nil).Check(ctx))

	err := monitor.NewHTTPProber(srv.URL+"/down", nil).Check(ctx)
	assert.True(t, faults.IsKind(err, faults.NonSuccessStatus))

	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = monitor.NewHTTPProber(srv.URL+"/slow", nil).Check(tctx)
	assert.True(t, faults.IsKind(err, faults.Timeout))

	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	err = monitor.NewHTTPProber(dead.URL+"/health", nil).Check(ctx)
	assert.True(t, faults.IsKind(err, faults.NetworkUnreachable))
}

func TestHandlers(t *testing.T) {
	p := &switchProber{}
	m := newMonitor(t, p, monitor.Options{})

	rec := httptest.NewRecorder()
	m.StatusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/__offline/connection", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"isOnline":false,"lastCheck":null,"retryCount":0,"error":null}`, rec.Body.String())

	rec = httptest.NewRecorder()
	m.SyncHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/__offline/connection/sync", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":true`)
	assert.Contains(t, rec.Body.String(), `"isOnline":true`)

	rec = httptest.NewRecorder()
	m.SyncHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/__offline/connection/sync", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
