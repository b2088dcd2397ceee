package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config holds every server-level option plus the agent manifest once it is loaded.
type Config struct {
	Server ServerConfig `koanf:"server"`
	Agent  AgentConfig  `koanf:"agent"`
	Push   PushConfig   `koanf:"push"`
	Sync   SyncConfig   `koanf:"sync"`

	// ManifestSource records which file contributed the effective manifest. It is
	// excluded from koanf so it only reflects runtime discovery.
	ManifestSource string `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs owned by the server lifecycle.
type ServerConfig struct {
	Listen    ListenConfig      `koanf:"listen"`
	Logging   LoggingConfig     `koanf:"logging"`
	Templates TemplatesConfig   `koanf:"templates"`
	Cache     ServerCacheConfig `koanf:"cache"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TemplatesConfig captures the template sandbox root and the offline page template.
type TemplatesConfig struct {
	TemplatesFolder string `koanf:"templatesFolder"`
	OfflineTemplate string `koanf:"offlineTemplate"`
}

type ServerCacheConfig struct {
	Backend   string                 `koanf:"backend"`
	Namespace string                 `koanf:"namespace"`
	Redis     ServerRedisCacheConfig `koanf:"redis"`
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// AgentConfig describes the deployed agent version: where requests are forwarded,
// what gets precached, and the ordered route table. ManifestFile, when set, replaces
// the inline Manifest and is watched for version bumps.
type AgentConfig struct {
	Origin              string         `koanf:"origin"`
	APIPrefix           string         `koanf:"apiPrefix"`
	FetchTimeoutSeconds int            `koanf:"fetchTimeoutSeconds"`
	MaxBodyBytes        int64          `koanf:"maxBodyBytes"`
	SkipWaiting         bool           `koanf:"skipWaiting"`
	ManifestFile        string         `koanf:"manifestFile"`
	Manifest            ManifestConfig `koanf:"manifest"`
}

// ManifestConfig is the build-time description of one agent version.
type ManifestConfig struct {
	Version     string        `koanf:"version"`
	Precache    []string      `koanf:"precache"`
	OfflinePage string        `koanf:"offlinePage"`
	Routes      []RouteConfig `koanf:"routes"`
}

// RouteConfig is one declarative route rule. Rules are evaluated in order.
type RouteConfig struct {
	Name           string           `koanf:"name"`
	Match          MatchConfig      `koanf:"match"`
	Strategy       string           `koanf:"strategy"`
	Bucket         string           `koanf:"bucket"`
	Expiration     ExpirationConfig `koanf:"expiration"`
	TimeoutSeconds int              `koanf:"timeoutSeconds"`
	SyncTag        string           `koanf:"syncTag"`
}

// MatchConfig selects requests. Exactly one of Prefix, Regex, Glob or CEL is set.
type MatchConfig struct {
	Prefix  string   `koanf:"prefix"`
	Regex   string   `koanf:"regex"`
	Glob    string   `koanf:"glob"`
	CEL     string   `koanf:"cel"`
	Methods []string `koanf:"methods"`
}

type ExpirationConfig struct {
	MaxEntries    int `koanf:"maxEntries"`
	MaxAgeSeconds int `koanf:"maxAgeSeconds"`
}

// PushConfig wires push subscription hand-off to the application backend.
type PushConfig struct {
	VAPIDPublicKey    string `koanf:"vapidPublicKey"`
	SubscribeEndpoint string `koanf:"subscribeEndpoint"`
}

// SyncConfig controls connectivity probing and the deferred request queue.
type SyncConfig struct {
	ProbePath            string `koanf:"probePath"`
	ProbeIntervalSeconds int    `koanf:"probeIntervalSeconds"`
	QueueLimit           int    `koanf:"queueLimit"`
}

var knownStrategies = map[string]struct{}{
	"cache-first":            {},
	"network-first":          {},
	"stale-while-revalidate": {},
	"network-only":           {},
	"cache-only":             {},
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	if strings.TrimSpace(c.Agent.Origin) == "" {
		return errors.New("config: agent.origin required")
	}
	if c.Agent.FetchTimeoutSeconds < 0 {
		return fmt.Errorf("config: agent.fetchTimeoutSeconds invalid: %d", c.Agent.FetchTimeoutSeconds)
	}
	if c.Sync.ProbeIntervalSeconds < 0 {
		return fmt.Errorf("config: sync.probeIntervalSeconds invalid: %d", c.Sync.ProbeIntervalSeconds)
	}
	return c.Agent.Manifest.Validate()
}

// Validate checks a manifest independently so reloaded manifests get the same checks.
func (m ManifestConfig) Validate() error {
	if strings.TrimSpace(m.Version) == "" {
		return errors.New("config: manifest version required")
	}
	seen := make(map[string]struct{}, len(m.Routes))
	for i, route := range m.Routes {
		label := route.Name
		if label == "" {
			label = fmt.Sprintf("routes[%d]", i)
		}
		if _, dup := seen[label]; dup && route.Name != "" {
			return fmt.Errorf("config: route %q defined twice", label)
		}
		seen[label] = struct{}{}
		strategy := strings.TrimSpace(strings.ToLower(route.Strategy))
		if _, ok := knownStrategies[strategy]; !ok {
			return fmt.Errorf("config: route %q strategy unsupported: %q", label, route.Strategy)
		}
		if matcherCount(route.Match) != 1 {
			return fmt.Errorf("config: route %q requires exactly one of prefix, regex, glob, cel", label)
		}
		if strategy != "network-only" && strings.TrimSpace(route.Bucket) == "" {
			return fmt.Errorf("config: route %q bucket required for %s", label, strategy)
		}
		if route.Expiration.MaxEntries < 0 || route.Expiration.MaxAgeSeconds < 0 {
			return fmt.Errorf("config: route %q expiration must not be negative", label)
		}
		if route.TimeoutSeconds < 0 {
			return fmt.Errorf("config: route %q timeoutSeconds invalid: %d", label, route.TimeoutSeconds)
		}
	}
	return nil
}

func matcherCount(m MatchConfig) int {
	count := 0
	for _, v := range []string{m.Prefix, m.Regex, m.Glob, m.CEL} {
		if strings.TrimSpace(v) != "" {
			count++
		}
	}
	return count
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Cache: ServerCacheConfig{
				Backend:   "memory",
				Namespace: "offlinectl",
			},
		},
		Agent: AgentConfig{
			Origin:              "http://127.0.0.1:3000",
			APIPrefix:           "/api/",
			FetchTimeoutSeconds: 10,
			MaxBodyBytes:        10 << 20,
			Manifest: ManifestConfig{
				Version:     "v1",
				OfflinePage: "/offline.html",
			},
		},
		Sync: SyncConfig{
			ProbePath:            "/",
			ProbeIntervalSeconds: 15,
			QueueLimit:           100,
		},
	}
}
