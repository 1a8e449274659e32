package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"orderdash/internal/config"
	"orderdash/internal/faults"
	"orderdash/internal/store"
)

// Store is the part of the persistent store the engine relies on.
type Store interface {
	OpenPartition(ctx context.Context, name string) error
	Get(ctx context.Context, partition, key string) (store.Entry, error)
	Put(ctx context.Context, partition, key string, ent store.Entry) error
	Evict(ctx context.Context, partition, key string) error
	Activate(ctx context.Context, valid ...string) ([]string, error)
}

type Options struct {
	StaticPartition string
	APIPartition    string
	RootDocument    string
	Precache        []string
	APITimeout      time.Duration
	NetworkTimeout  time.Duration
	Rules           []config.Rule
	Placeholders    []config.Placeholder
}

func OptionsFromConfig(cfg *config.Config) Options {
	static, api := cfg.PartitionNames()
	return Options{
		StaticPartition: static,
		APIPartition:    api,
		RootDocument:    cfg.Cache.RootDocument,
		Precache:        cfg.Cache.Precache,
		APITimeout:      cfg.Cache.APITimeoutDur,
		NetworkTimeout:  cfg.Cache.NetworkTimeoutDur,
		Rules:           cfg.Rules,
		Placeholders:    cfg.Placeholders,
	}
}

// Engine applies a per-class caching strategy to outbound data requests.
// Concurrent requests for the same key are not deduplicated: each one makes
// its own network attempt and store writes are last-write-wins.
type Engine struct {
	opts       Options
	store      Store
	fetcher    Fetcher
	classifier *Classifier
	synth      *synthesizer
	notifier   *Notifier
	metrics    *Metrics
	stats      *statsCollector
	logger     zerolog.Logger
}

// New builds an Engine. metrics may be nil.
func New(st Store, f Fetcher, n *Notifier, m *Metrics, opts Options, logger zerolog.Logger) *Engine {
	if opts.APITimeout <= 0 {
		opts.APITimeout = 10 * time.Second
	}
	if opts.RootDocument == "" {
		opts.RootDocument = "/"
	}
	return &Engine{
		opts:       opts,
		store:      st,
		fetcher:    f,
		classifier: NewClassifier(opts.Rules),
		synth:      newSynthesizer(opts.Placeholders),
		notifier:   n,
		metrics:    m,
		stats:      newStatsCollector(),
		logger:     logger.With().Str("component", "CacheEngine").Logger(),
	}
}

func (e *Engine) Classify(r *http.Request) Class { return e.classifier.Classify(r) }

// Handle classifies r and runs the matching strategy.
func (e *Engine) Handle(ctx context.Context, r *http.Request) (*Response, error) {
	return e.Execute(ctx, r, e.Classify(r))
}

// Execute runs the strategy for class. Only Static, Navigation and Default
// requests can return an error; API requests always produce a response
// unless the caller gives up. A caller that gives up gets a Canceled fault:
// no fallback runs and no event is emitted for it.
func (e *Engine) Execute(ctx context.Context, r *http.Request, class Class) (*Response, error) {
	key := CanonicalKey(r.URL)
	if err := ctx.Err(); err != nil {
		e.metrics.observe(class, "canceled")
		return nil, faults.NewCanceled(key, err)
	}

	var resp *Response
	var err error
	switch {
	case class == ClassAPI:
		resp, err = e.handleAPI(ctx, r, key)
	case r.Method != http.MethodGet:
		resp, err = e.fetch(ctx, r, key, class, e.opts.NetworkTimeout)
	case class == ClassStatic:
		resp, err = e.handleStatic(ctx, r, key)
	case class == ClassNavigation:
		resp, err = e.handleNavigation(ctx, r, key)
	default:
		resp, err = e.handleDefault(ctx, r, key)
	}

	if err != nil {
		outcome := "error"
		if faults.IsKind(err, faults.Canceled) {
			outcome = "canceled"
		}
		e.metrics.observe(class, outcome)
		return nil, err
	}
	e.metrics.observe(class, string(resp.Source))
	e.stats.observe(resp)
	return resp, nil
}

func (e *Engine) handleAPI(ctx context.Context, r *http.Request, key string) (*Response, error) {
	resp, err := e.fetch(ctx, r, key, ClassAPI, e.opts.APITimeout)
	if faults.IsKind(err, faults.Canceled) {
		return nil, err
	}

	if r.Method != http.MethodGet {
		switch {
		case err != nil:
			e.logger.Warn().Err(err).Str("url", key).Str("method", r.Method).Msg("API write failed, order API unreachable.")
			e.notifier.emit(EventUnavailable, key, err)
			return e.synth.write(), nil
		case !isSuccess(resp.Status):
			e.notifier.emit(EventUnavailable, key, faults.NewStatus(key, resp.Status))
		default:
			e.notifier.emit(EventFresh, key, nil)
		}
		return resp, nil
	}

	if err == nil && !isSuccess(resp.Status) {
		err = faults.NewStatus(key, resp.Status)
	}
	if err == nil {
		e.writeThrough(ctx, e.opts.APIPartition, key, resp)
		e.notifier.emit(EventFresh, key, nil)
		return resp, nil
	}

	if ent, ok := e.lookup(ctx, e.opts.APIPartition, key); ok {
		e.logger.Warn().Err(err).Str("url", key).Time("stored_at", ent.StoredAt).Msg("Serving stale API data from cache.")
		e.notifier.emit(EventCached, key, err)
		return fromEntry(ent, SourceStaleCache), nil
	}

	e.logger.Warn().Err(err).Str("url", key).Msg("API data unavailable, serving synthetic placeholder.")
	e.notifier.emit(EventUnavailable, key, err)
	return e.synth.read(r.URL.Path), nil
}

func (e *Engine) handleStatic(ctx context.Context, r *http.Request, key string) (*Response, error) {
	if ent, ok := e.lookup(ctx, e.opts.StaticPartition, key); ok {
		return fromEntry(ent, SourceCache), nil
	}
	resp, err := e.fetch(ctx, r, key, ClassStatic, e.opts.NetworkTimeout)
	if err != nil {
		return nil, err
	}
	if isSuccess(resp.Status) {
		e.writeThrough(ctx, e.opts.StaticPartition, key, resp)
	}
	return resp, nil
}

func (e *Engine) handleNavigation(ctx context.Context, r *http.Request, key string) (*Response, error) {
	resp, err := e.fetch(ctx, r, key, ClassNavigation, e.opts.NetworkTimeout)
	if faults.IsKind(err, faults.Canceled) {
		return nil, err
	}
	if err == nil && resp.Status < http.StatusInternalServerError {
		if isSuccess(resp.Status) {
			e.writeThrough(ctx, e.opts.StaticPartition, key, resp)
		}
		return resp, nil
	}
	if err == nil {
		err = faults.NewStatus(key, resp.Status)
	}

	if ent, ok := e.lookup(ctx, e.opts.StaticPartition, e.opts.RootDocument); ok {
		e.logger.Warn().Err(err).Str("url", key).Msg("Navigation failed, serving cached root document.")
		return fromEntry(ent, SourceStaleCache), nil
	}
	e.logger.Warn().Err(err).Str("url", key).Msg("Navigation failed, serving offline page.")
	return offlinePage(), nil
}

func (e *Engine) handleDefault(ctx context.Context, r *http.Request, key string) (*Response, error) {
	resp, err := e.fetch(ctx, r, key, ClassDefault, e.opts.NetworkTimeout)
	if faults.IsKind(err, faults.Canceled) {
		return nil, err
	}
	if err == nil && resp.Status < http.StatusInternalServerError {
		if isSuccess(resp.Status) {
			e.writeThrough(ctx, e.opts.StaticPartition, key, resp)
		}
		return resp, nil
	}

	for _, p := range []string{e.opts.APIPartition, e.opts.StaticPartition} {
		if ent, ok := e.lookup(ctx, p, key); ok {
			e.logger.Debug().Str("url", key).Str("partition", p).Msg("Network failed, serving cached entry.")
			return fromEntry(ent, SourceStaleCache), nil
		}
	}
	if resp != nil {
		return resp, nil
	}
	return nil, err
}

func (e *Engine) fetch(ctx context.Context, r *http.Request, key string, class Class, bound time.Duration) (*Response, error) {
	start := time.Now()
	resp, err := boundedFetch(ctx, e.fetcher, r, key, bound)
	e.metrics.observeFetch(class, time.Since(start).Seconds())
	// the caller's own context ending is an abort, not a network failure
	if err != nil && ctx.Err() != nil {
		err = faults.NewCanceled(key, ctx.Err())
	}
	if err != nil {
		e.logger.Debug().Err(err).Str("url", key).Str("class", class.String()).Msg("Network fetch failed.")
	}
	return resp, err
}

// lookup treats store read failures as a miss.
func (e *Engine) lookup(ctx context.Context, partition, key string) (store.Entry, bool) {
	ent, err := e.store.Get(ctx, partition, key)
	if err == nil {
		return ent, true
	}
	if !faults.IsKind(err, faults.CacheMiss) {
		e.logger.Warn().Err(err).Str("partition", partition).Str("key", key).Msg("Store read failed, treating as miss.")
	}
	return store.Entry{}, false
}

func (e *Engine) writeThrough(ctx context.Context, partition, key string, resp *Response) {
	if err := e.put(ctx, partition, key, resp); err != nil {
		e.logger.Error().Err(err).Str("partition", partition).Str("key", key).Msg("Write-through failed.")
	}
}

func (e *Engine) put(ctx context.Context, partition, key string, resp *Response) error {
	if noStore(resp.Header) {
		return nil
	}
	ent := store.NewEntry(resp.Status, cloneHeader(resp.Header), resp.Body, time.Now())
	return e.store.Put(ctx, partition, key, ent)
}

// Install opens the current partitions and precaches the configured static
// resources. Precache failures are logged and counted, never fatal.
func (e *Engine) Install(ctx context.Context) (precached int, err error) {
	for _, p := range []string{e.opts.StaticPartition, e.opts.APIPartition} {
		if err := e.store.OpenPartition(ctx, p); err != nil {
			return 0, err
		}
	}
	for _, path := range e.opts.Precache {
		if err := e.precacheOne(ctx, path); err != nil {
			e.logger.Warn().Err(err).Str("url", path).Msg("Precache failed.")
			continue
		}
		precached++
	}
	e.logger.Info().Int("precached", precached).Int("configured", len(e.opts.Precache)).Msg("Cache installed.")
	return precached, nil
}

func (e *Engine) precacheOne(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	key := CanonicalKey(req.URL)
	resp, err := e.fetch(ctx, req, key, ClassStatic, e.opts.NetworkTimeout)
	if err != nil {
		return err
	}
	if !isSuccess(resp.Status) {
		return faults.NewStatus(key, resp.Status)
	}
	return e.put(ctx, e.opts.StaticPartition, key, resp)
}

// Activate deletes every partition that is not currently valid.
func (e *Engine) Activate(ctx context.Context) ([]string, error) {
	return e.store.Activate(ctx, e.opts.StaticPartition, e.opts.APIPartition)
}

// ForceRefresh evicts resource from the API partition, fetches it again and
// writes it through on success.
func (e *Engine) ForceRefresh(ctx context.Context, resource string) error {
	key, err := ParseResource(resource)
	if err != nil {
		return err
	}
	if err := e.store.Evict(ctx, e.opts.APIPartition, key); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := e.fetch(ctx, req, key, ClassAPI, e.opts.APITimeout)
	if err != nil {
		return err
	}
	if !isSuccess(resp.Status) {
		return faults.NewStatus(key, resp.Status)
	}
	if err := e.put(ctx, e.opts.APIPartition, key, resp); err != nil {
		return err
	}
	e.notifier.emit(EventFresh, key, nil)
	return nil
}

// PartitionNames returns the currently valid static and API partitions.
func (e *Engine) PartitionNames() (static, api string) {
	return e.opts.StaticPartition, e.opts.APIPartition
}

func (e *Engine) Stats() StatsSnapshot { return e.stats.snapshot() }
