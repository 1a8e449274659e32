// Package server is the HTTP host of the offline layer. It owns request
// interception for the dashboard and mounts the control, notification,
// connection and metrics endpoints next to it.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"orderdash/internal/config"
	"orderdash/internal/engine"
	"orderdash/internal/faults"
	"orderdash/internal/monitor"
	"orderdash/internal/store"
)

const (
	PathControl          = "/__offline/control"
	PathEvents           = "/__offline/events"
	PathConnection       = "/__offline/connection"
	PathConnectionSync   = "/__offline/connection/sync"
	PathConnectionStream = "/__offline/connection/stream"
	PathMetrics          = "/metrics"
)

// PartitionLister reports the live store partitions for the stats log.
type PartitionLister interface {
	Partitions(ctx context.Context) ([]store.PartitionInfo, error)
}

type StatsSource interface {
	Stats() engine.StatsSnapshot
}

type Deps struct {
	Notifier   *engine.Notifier
	Control    http.Handler
	Monitor    *monitor.Monitor
	Partitions PartitionLister
	Stats      StatsSource
	Gatherer   prometheus.Gatherer // nil disables /metrics
}

type Server struct {
	deps   Deps
	logger zerolog.Logger

	hookMu   sync.RWMutex
	classify engine.ClassifyFunc
	strategy engine.StrategyFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(d Deps, logger zerolog.Logger) *Server {
	return &Server{
		deps:   d,
		logger: logger.With().Str("component", "Server").Logger(),
		stopCh: make(chan struct{}),
	}
}

// Intercept installs the classifier and strategy every intercepted request
// runs through.
func (s *Server) Intercept(classify engine.ClassifyFunc, strategy engine.StrategyFunc) {
	s.hookMu.Lock()
	s.classify, s.strategy = classify, strategy
	s.hookMu.Unlock()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.deps.Control != nil {
		mux.Handle(PathControl, s.deps.Control)
	}
	if s.deps.Notifier != nil {
		mux.HandleFunc(PathEvents, s.serveEvents)
	}
	if s.deps.Monitor != nil {
		mux.Handle(PathConnection, s.deps.Monitor.StatusHandler())
		mux.Handle(PathConnectionSync, s.deps.Monitor.SyncHandler())
		mux.HandleFunc(PathConnectionStream, s.serveConnection)
	}
	if s.deps.Gatherer != nil {
		mux.Handle(PathMetrics, promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/", s.handle)
	return mux
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.hookMu.RLock()
	classify, strategy := s.classify, s.strategy
	s.hookMu.RUnlock()

	if classify == nil || strategy == nil {
		http.Error(w, "interception not attached", http.StatusServiceUnavailable)
		return
	}

	class := classify(r)
	resp, err := strategy(r.Context(), r, class)
	if faults.IsKind(err, faults.Canceled) {
		s.logger.Debug().Str("url", r.URL.RequestURI()).Msg("Client went away.")
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("url", r.URL.RequestURI()).Str("class", class.String()).Msg("Request failed without fallback.")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	engine.WriteResponse(w, resp)
}

// StartStats logs store and response statistics every interval until Close.
func (s *Server) StartStats(every time.Duration) {
	if every <= 0 || s.deps.Partitions == nil || s.deps.Stats == nil {
		return
	}
	s.wg.Add(1)
	go s.statsLoop(every)
}

func (s *Server) statsLoop(every time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Server) logStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	parts, err := s.deps.Partitions.Partitions(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list partitions for stats.")
		return
	}
	entries := zerolog.Dict()
	total := 0
	for _, p := range parts {
		entries.Int(p.Name, p.Entries)
		total += p.Entries
	}

	ss := s.deps.Stats.Stats()
	s.logger.Info().
		Dict("entries", entries).
		Int("total", total).
		Uint64("responses", ss.Responses).
		Uint64("network", ss.FromNetwork).
		Uint64("cache", ss.FromCache).
		Uint64("degraded", ss.Degraded).
		Str("resp_min", config.FormatBytes(ss.MinBytes)).
		Str("resp_avg", config.FormatBytes(ss.AvgBytes)).
		Str("resp_max", config.FormatBytes(ss.MaxBytes)).
		Msg("Cache stats.")
}

// Close stops background loops and ends every open event stream. Register it
// with http.Server.RegisterOnShutdown so Shutdown does not wait on streams.
func (s *Server) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
