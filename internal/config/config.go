package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port" env:"ORDERDASH_PORT"`
		Origin string `yaml:"origin" env:"ORDERDASH_ORIGIN"`
	} `yaml:"server"`

	Cache struct {
		Prefix         string   `yaml:"prefix" env:"ORDERDASH_CACHE_PREFIX"`
		Version        string   `yaml:"version" env:"ORDERDASH_CACHE_VERSION"`
		RootDocument   string   `yaml:"rootDocument"`
		Precache       []string `yaml:"precache"`
		APITimeout     string   `yaml:"apiTimeout" env:"ORDERDASH_API_TIMEOUT"`
		NetworkTimeout string   `yaml:"networkTimeout"`

		APITimeoutDur     time.Duration `yaml:"-"`
		NetworkTimeoutDur time.Duration `yaml:"-"`
	} `yaml:"cache"`

	Storage struct {
		Backend     string `yaml:"backend" env:"ORDERDASH_STORE_BACKEND"`
		Path        string `yaml:"path" env:"ORDERDASH_STORE_PATH"`
		WriteBuffer string `yaml:"writeBuffer"`
		BlockCache  string `yaml:"blockCache"`
		Redis       struct {
			Addr      string `yaml:"addr" env:"ORDERDASH_REDIS_ADDR"`
			Password  string `yaml:"password" env:"ORDERDASH_REDIS_PASSWORD"`
			DB        int    `yaml:"db"`
			KeyPrefix string `yaml:"keyPrefix"`
		} `yaml:"redis"`

		WriteBufferBytes int64 `yaml:"-"`
		BlockCacheBytes  int64 `yaml:"-"`
	} `yaml:"storage"`

	Monitor struct {
		ProbeURL string `yaml:"probeURL" env:"ORDERDASH_PROBE_URL"`
		Interval string `yaml:"interval"`
		Timeout  string `yaml:"timeout"`

		IntervalDur time.Duration `yaml:"-"`
		TimeoutDur  time.Duration `yaml:"-"`
	} `yaml:"monitor"`

	Logging struct {
		Level      string `yaml:"level" env:"ORDERDASH_LOG_LEVEL"`
		Format     string `yaml:"format" env:"ORDERDASH_LOG_FORMAT"`
		StatsEvery string `yaml:"statsEvery"`

		StatsEveryDur time.Duration `yaml:"-"`
	} `yaml:"logging"`

	Rules        []Rule        `yaml:"rules"`
	Placeholders []Placeholder `yaml:"placeholders"`
}

// Rule assigns a request class to every path matching Match.
type Rule struct {
	Match    string `yaml:"match"`
	Class    string `yaml:"class"`
	Priority int    `yaml:"priority"`

	matchers []pathPrefixMatcher
}

// Placeholder is the synthetic data served for API paths matching Match
// when neither the network nor the cache can answer.
type Placeholder struct {
	Match string    `yaml:"match"`
	Data  yaml.Node `yaml:"data"`

	matchers []pathPrefixMatcher
	dataJSON json.RawMessage
}

var validClasses = map[string]bool{"static": true, "api": true, "navigation": true, "default": true}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

// Default returns a Config with every default applied and no origin.
func Default() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = "orderdash"
	}
	if cfg.Cache.Version == "" {
		cfg.Cache.Version = "v1"
	}
	if cfg.Cache.RootDocument == "" {
		cfg.Cache.RootDocument = "/"
	}
	if cfg.Cache.APITimeout == "" {
		cfg.Cache.APITimeout = "10s"
	}
	if cfg.Cache.NetworkTimeout == "" {
		cfg.Cache.NetworkTimeout = "30s"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "leveldb"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/cache"
	}
	if cfg.Storage.WriteBuffer == "" {
		cfg.Storage.WriteBuffer = "4mb"
	}
	if cfg.Storage.BlockCache == "" {
		cfg.Storage.BlockCache = "8mb"
	}
	if cfg.Storage.Redis.Addr == "" {
		cfg.Storage.Redis.Addr = "localhost:6379"
	}
	if cfg.Storage.Redis.KeyPrefix == "" {
		cfg.Storage.Redis.KeyPrefix = cfg.Cache.Prefix + ":"
	}
	if cfg.Monitor.Interval == "" {
		cfg.Monitor.Interval = "30s"
	}
	if cfg.Monitor.Timeout == "" {
		cfg.Monitor.Timeout = "5s"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}

// Finalize applies defaults, validates and compiles cfg in place.
func (cfg *Config) Finalize() error {
	applyDefaults(cfg)

	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Monitor.ProbeURL == "" {
		cfg.Monitor.ProbeURL = cfg.Server.Origin + "/health"
	}

	var err error
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"cache.apiTimeout", cfg.Cache.APITimeout, &cfg.Cache.APITimeoutDur},
		{"cache.networkTimeout", cfg.Cache.NetworkTimeout, &cfg.Cache.NetworkTimeoutDur},
		{"monitor.interval", cfg.Monitor.Interval, &cfg.Monitor.IntervalDur},
		{"monitor.timeout", cfg.Monitor.Timeout, &cfg.Monitor.TimeoutDur},
		{"logging.statsEvery", cfg.Logging.StatsEvery, &cfg.Logging.StatsEveryDur},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		*d.dst, err = time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if *d.dst < 0 {
			return fmt.Errorf("%s: negative duration", d.name)
		}
	}
	if cfg.Cache.APITimeoutDur == 0 {
		return fmt.Errorf("cache.apiTimeout: must be positive")
	}

	if cfg.Storage.WriteBufferBytes, err = parseBytes(cfg.Storage.WriteBuffer); err != nil {
		return fmt.Errorf("storage.writeBuffer: %w", err)
	}
	if cfg.Storage.BlockCacheBytes, err = parseBytes(cfg.Storage.BlockCache); err != nil {
		return fmt.Errorf("storage.blockCache: %w", err)
	}
	switch cfg.Storage.Backend {
	case "leveldb", "redis":
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", cfg.Storage.Backend)
	}
	switch cfg.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format)
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
		r.Class = strings.ToLower(strings.TrimSpace(r.Class))
		if !validClasses[r.Class] {
			return fmt.Errorf("rules[%d].class: unknown class %q", i, r.Class)
		}
	}
	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})

	for i := range cfg.Placeholders {
		p := &cfg.Placeholders[i]
		ms, err := parseMatch(p.Match)
		if err != nil {
			return fmt.Errorf("placeholders[%d].match: %w", i, err)
		}
		p.matchers = ms
		raw, err := nodeToJSON(&p.Data)
		if err != nil {
			return fmt.Errorf("placeholders[%d].data: %w", i, err)
		}
		p.dataJSON = raw
	}

	for i, u := range cfg.Cache.Precache {
		u = strings.TrimSpace(u)
		if !strings.HasPrefix(u, "/") {
			return fmt.Errorf("cache.precache[%d]: %q must be an absolute path", i, u)
		}
		cfg.Cache.Precache[i] = u
	}
	return nil
}

// PartitionNames returns the currently valid static and API partition names.
func (cfg *Config) PartitionNames() (static, api string) {
	return cfg.Cache.Prefix + "-static-" + cfg.Cache.Version, cfg.Cache.Prefix + "-api-" + cfg.Cache.Version
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func matchesAny(ms []pathPrefixMatcher, path string) bool {
	for _, m := range ms {
		if m.Match(path) {
			return true
		}
	}
	return false
}

func (r *Rule) Matches(path string) bool { return matchesAny(r.matchers, path) }

func (p *Placeholder) Matches(path string) bool { return matchesAny(p.matchers, path) }

// DataJSON is the placeholder data encoded as JSON, or nil when none was given.
func (p *Placeholder) DataJSON() json.RawMessage { return p.dataJSON }

func nodeToJSON(n *yaml.Node) (json.RawMessage, error) {
	if n.Kind == 0 {
		return nil, nil
	}
	var v any
	if err := n.Decode(&v); err != nil {
		return nil, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
