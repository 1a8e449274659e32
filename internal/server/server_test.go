package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderdash/internal/control"
	"orderdash/internal/engine"
	"orderdash/internal/monitor"
	"orderdash/internal/server"
	"orderdash/internal/store"
)

// syncBuffer is a goroutine-safe log sink.
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

type stack struct {
	front  *httptest.Server
	srv    *server.Server
	eng    *engine.Engine
	down   *atomic.Bool
	logBuf *syncBuffer
}

// newStack wires the whole layer against a fake order API. While down is set
// the origin drops every connection.
func newStack(t *testing.T) *stack {
	t.Helper()
	down := &atomic.Bool{}
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		switch {
		case r.URL.Path == "/health":
			w.WriteHeader(http.StatusOK)
		case strings.HasPrefix(r.URL.Path, "/api/"):
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"success":true,"data":[{"id":1}]}`)
		case r.URL.Path == "/":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html>dashboard</html>")
		default:
			w.Header().Set("Content-Type", "application/javascript")
			_, _ = io.WriteString(w, "console.log(1)")
		}
	}))
	t.Cleanup(origin.Close)

	logBuf := &syncBuffer{}
	logger := zerolog.New(logBuf)

	st, err := store.OpenLevelDB(t.TempDir(), store.LevelDBOptions{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := prometheus.NewRegistry()
	n := engine.NewNotifier(logger)
	t.Cleanup(n.Close)
	eng := engine.New(st, engine.NewOriginFetcher(origin.URL, nil), n, engine.NewMetrics(reg), engine.Options{
		StaticPartition: "orderdash-static-v1",
		APIPartition:    "orderdash-api-v1",
		APITimeout:      2 * time.Second,
		NetworkTimeout:  2 * time.Second,
	}, logger)

	mon := monitor.New(monitor.NewHTTPProber(origin.URL+"/health", nil), monitor.Options{Timeout: time.Second}, reg, logger)
	t.Cleanup(mon.Close)

	srv := server.New(server.Deps{
		Notifier:   n,
		Control:    control.New(eng, st, logger),
		Monitor:    mon,
		Partitions: st,
		Stats:      eng,
		Gatherer:   reg,
	}, logger)
	eng.Attach(srv)
	t.Cleanup(srv.Close)

	front := httptest.NewServer(srv.Handler())
	t.Cleanup(front.Close)
	return &stack{front: front, srv: srv, eng: eng, down: down, logBuf: logBuf}
}

func (s *stack) get(t *testing.T, path string, header map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.front.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestIntercept_APIFallback(t *testing.T) {
	s := newStack(t)

	resp, body := s.get(t, "/api/orders", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "network", resp.Header.Get(engine.SourceHeader))
	assert.JSONEq(t, `{"success":true,"data":[{"id":1}]}`, body)

	s.down.Store(true)
	resp, body = s.get(t, "/api/orders", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stale-cache", resp.Header.Get(engine.SourceHeader))
	assert.JSONEq(t, `{"success":true,"data":[{"id":1}]}`, body)

	resp, body = s.get(t, "/api/customers", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "synthetic", resp.Header.Get(engine.SourceHeader))
	assert.Contains(t, body, `"synthetic":true`)
}

func TestIntercept_StaticAndNavigation(t *testing.T) {
	s := newStack(t)

	resp, _ := s.get(t, "/app.js", nil)
	assert.Equal(t, "network", resp.Header.Get(engine.SourceHeader))
	resp, _ = s.get(t, "/", map[string]string{"Accept": "text/html"})
	assert.Equal(t, "network", resp.Header.Get(engine.SourceHeader))

	s.down.Store(true)

	resp, body := s.get(t, "/app.js", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cache", resp.Header.Get(engine.SourceHeader))
	assert.Equal(t, "console.log(1)", body)

	resp, _ = s.get(t, "/missing.js", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, body = s.get(t, "/orders/42", map[string]string{"Sec-Fetch-Mode": "navigate"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stale-cache", resp.Header.Get(engine.SourceHeader))
	assert.Equal(t, "<html>dashboard</html>", body)
}

func TestIntercept_NotAttached(t *testing.T) {
	srv := server.New(server.Deps{}, zerolog.Nop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestControlEndpoint(t *testing.T) {
	s := newStack(t)
	s.get(t, "/api/orders", nil)

	resp, err := http.Post(s.front.URL+server.PathControl, "application/json", strings.NewReader(`{"type":"GET_CACHE_STATUS"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), out["apiCacheSize"])
	assert.NotEmpty(t, out["id"])
}

func TestConnectionEndpoints(t *testing.T) {
	s := newStack(t)

	_, body := s.get(t, server.PathConnection, nil)
	assert.JSONEq(t, `{"isOnline":false,"lastCheck":null,"retryCount":0,"error":null}`, body)

	resp, err := http.Post(s.front.URL+server.PathConnectionSync, "application/json", nil)
	require.NoError(t, err)
	var res monitor.SyncResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	_ = resp.Body.Close()
	assert.True(t, res.Success)
	assert.True(t, res.Status.IsOnline)

	s.down.Store(true)
	resp, err = http.Post(s.front.URL+server.PathConnectionSync, "application/json", nil)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	_ = resp.Body.Close()
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Status.RetryCount)
	require.NotNil(t, res.Status.Error)
}

// openStream connects to an SSE endpoint and returns a reader positioned
// after the connected comment.
func openStream(t *testing.T, url string) *bufio.Reader {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	line, err := rd.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)
	_, err = rd.ReadString('\n')
	require.NoError(t, err)
	return rd
}

// nextEvent reads lines until a complete event and returns its name and data.
func nextEvent(t *testing.T, rd *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := rd.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if name != "" {
				return name, data
			}
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventStream(t *testing.T) {
	s := newStack(t)
	rd := openStream(t, s.front.URL+server.PathEvents)

	s.get(t, "/api/orders", nil)
	name, data := nextEvent(t, rd)
	assert.Equal(t, "api-data-fresh", name)

	var ev engine.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "/api/orders", ev.Data.URL)
	assert.NotEmpty(t, ev.ID)

	s.down.Store(true)
	s.get(t, "/api/orders", nil)
	name, data = nextEvent(t, rd)
	assert.Equal(t, "api-data-cached", name)
	assert.Contains(t, data, `"error"`)
}

func TestConnectionStream(t *testing.T) {
	s := newStack(t)
	rd := openStream(t, s.front.URL+server.PathConnectionStream)

	name, data := nextEvent(t, rd)
	assert.Equal(t, "status", name)
	assert.JSONEq(t, `{"isOnline":false,"lastCheck":null,"retryCount":0,"error":null}`, data)

	resp, err := http.Post(s.front.URL+server.PathConnectionSync, "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	name, data = nextEvent(t, rd)
	assert.Equal(t, "status", name)
	assert.Contains(t, data, `"isOnline":true`)
}

func TestShutdownEndsOpenStreams(t *testing.T) {
	s := newStack(t)
	events := openStream(t, s.front.URL+server.PathEvents)
	conn := openStream(t, s.front.URL+server.PathConnectionStream)

	s.front.Config.RegisterOnShutdown(s.srv.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, s.front.Config.Shutdown(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)

	for _, rd := range []*bufio.Reader{events, conn} {
		_, err := io.ReadAll(rd)
		assert.NoError(t, err, "stream must end cleanly")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newStack(t)
	s.get(t, "/api/orders", nil)

	resp, body := s.get(t, server.PathMetrics, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `orderdash_cache_requests_total{class="api",outcome="network"} 1`)
	assert.Contains(t, body, "orderdash_cache_fetch_duration_seconds")
}

func TestStatsLog(t *testing.T) {
	s := newStack(t)
	s.get(t, "/api/orders", nil)

	s.srv.StartStats(10 * time.Millisecond)
	require.Eventually(t, func() bool {
		return strings.Contains(s.logBuf.String(), "Cache stats.")
	}, 2*time.Second, 10*time.Millisecond)
	s.srv.Close()

	out := s.logBuf.String()
	assert.Contains(t, out, `"orderdash-api-v1":1`)
	assert.Contains(t, out, `"responses":1`)
}
