// Package monitor tracks reachability of the remote order API and publishes
// the connection status to any number of subscribers.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"orderdash/internal/hub"
)

type State int

const (
	StateUnknown State = iota
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Status is the connection read model. LastCheck and Error are null until set.
type Status struct {
	IsOnline   bool       `json:"isOnline"`
	LastCheck  *time.Time `json:"lastCheck"`
	RetryCount int        `json:"retryCount"`
	Error      *string    `json:"error"`
}

// SyncResult is what ForceSync resolves to.
type SyncResult struct {
	Success bool   `json:"success"`
	Status  Status `json:"status"`
}

type Options struct {
	Interval time.Duration // poll period; zero disables polling
	Timeout  time.Duration // bound on one probe
}

// every probe shares this key so at most one is in flight
const probeKey = "probe"

type Monitor struct {
	prober Prober
	opts   Options
	logger zerolog.Logger
	subs   *hub.Hub[Status]
	group  singleflight.Group

	online prometheus.Gauge
	probes *prometheus.CounterVec

	mu     sync.Mutex
	state  State
	status Status

	lifeMu  sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New builds a Monitor in the Unknown state. reg may be nil.
func New(p Prober, opts Options, reg prometheus.Registerer, logger zerolog.Logger) *Monitor {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	lg := logger.With().Str("component", "ConnectionMonitor").Logger()
	f := promauto.With(reg)
	return &Monitor{
		prober: p,
		opts:   opts,
		logger: lg,
		subs:   hub.New[Status](hub.Conflate(), hub.WithLogger(lg, time.Minute)),
		online: f.NewGauge(prometheus.GaugeOpts{
			Name: "orderdash_connection_online",
			Help: "1 when the last probe reached the order API, 0 otherwise.",
		}),
		probes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orderdash_connection_probes_total",
			Help: "Connection probes by result.",
		}, []string{"result"}),
	}
}

// Start probes once right away and then every Interval until Stop.
func (m *Monitor) Start() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})

	m.wg.Add(1)
	go m.loop(m.stop)
	m.logger.Info().Str("prober", m.prober.Name()).Dur("interval", m.opts.Interval).Msg("Connection monitor started.")
}

func (m *Monitor) loop(stop <-chan struct{}) {
	defer m.wg.Done()
	m.sync()
	if m.opts.Interval <= 0 {
		<-stop
		return
	}
	t := time.NewTicker(m.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.sync()
		}
	}
}

// Stop ends the poll loop and waits for it. It may be called more than once.
func (m *Monitor) Stop() {
	m.lifeMu.Lock()
	if !m.running {
		m.lifeMu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	m.lifeMu.Unlock()

	m.wg.Wait()
	m.logger.Info().Msg("Connection monitor stopped.")
}

// Close stops polling and releases every subscriber.
func (m *Monitor) Close() {
	m.Stop()
	m.subs.Close()
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe delivers the current status to fn and then every later one.
// Undelivered statuses are replaced by newer ones, so fn never sees a stale
// status after a fresher one.
func (m *Monitor) Subscribe(fn func(Status)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs.SubscribeWith(m.status, fn)
}

// ForceSync probes immediately. Callers arriving while a probe is in flight
// share that probe and its result. If ctx ends first the current status is
// returned with Success false; the probe itself keeps running.
func (m *Monitor) ForceSync(ctx context.Context) SyncResult {
	ch := m.group.DoChan(probeKey, func() (any, error) {
		return m.probe(), nil
	})
	select {
	case r := <-ch:
		return r.Val.(SyncResult)
	case <-ctx.Done():
		return SyncResult{Success: false, Status: m.Status()}
	}
}

func (m *Monitor) sync() SyncResult {
	v, _, _ := m.group.Do(probeKey, func() (any, error) {
		return m.probe(), nil
	})
	return v.(SyncResult)
}

func (m *Monitor) probe() SyncResult {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.Timeout)
	defer cancel()
	return m.record(m.prober.Check(ctx))
}

// record applies a probe outcome and publishes it before returning.
func (m *Monitor) record(err error) SyncResult {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.state
	next := Status{LastCheck: &now}
	if err == nil {
		next.IsOnline = true
		m.state = StateOnline
		m.online.Set(1)
		m.probes.WithLabelValues("online").Inc()
	} else {
		msg := err.Error()
		next.Error = &msg
		next.RetryCount = m.status.RetryCount + 1
		m.state = StateOffline
		m.online.Set(0)
		m.probes.WithLabelValues("offline").Inc()
	}
	m.status = next
	m.subs.Publish(next)

	if prev != m.state {
		ev := m.logger.Info()
		if err != nil {
			ev = m.logger.Warn().Err(err)
		}
		ev.Str("from", prev.String()).Str("to", m.state.String()).Msg("Connection state changed.")
	} else if err != nil {
		m.logger.Debug().Err(err).Int("retry_count", next.RetryCount).Msg("Probe failed.")
	}
	return SyncResult{Success: err == nil, Status: next}
}
