package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot. When agent.manifestFile is set the manifest is
// read from that file and replaces any inline manifest.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.templates.templatesfolder": "server.templates.templatesFolder",
			"server.templates.offlinetemplate": "server.templates.offlineTemplate",
			"server.cache.redis.tls.cafile":    "server.cache.redis.tls.caFile",
			"agent.apiprefix":                  "agent.apiPrefix",
			"agent.fetchtimeoutseconds":        "agent.fetchTimeoutSeconds",
			"agent.maxbodybytes":               "agent.maxBodyBytes",
			"agent.skipwaiting":                "agent.skipWaiting",
			"agent.manifestfile":               "agent.manifestFile",
			"agent.manifest.offlinepage":       "agent.manifest.offlinePage",
			"push.vapidpublickey":              "push.vapidPublicKey",
			"push.subscribeendpoint":           "push.subscribeEndpoint",
			"sync.probepath":                   "sync.probePath",
			"sync.probeintervalseconds":        "sync.probeIntervalSeconds",
			"sync.queuelimit":                  "sync.queueLimit",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (AGENT__ORIGIN -> agent.origin).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if path := strings.TrimSpace(cfg.Agent.ManifestFile); path != "" {
		manifest, err := LoadManifest(ctx, path)
		if err != nil {
			return Config{}, err
		}
		cfg.Agent.Manifest = manifest
		cfg.ManifestSource = path
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"templates": map[string]any{
				"templatesFolder": cfg.Server.Templates.TemplatesFolder,
				"offlineTemplate": cfg.Server.Templates.OfflineTemplate,
			},
			"cache": map[string]any{
				"backend":   cfg.Server.Cache.Backend,
				"namespace": cfg.Server.Cache.Namespace,
				"redis": map[string]any{
					"address":  cfg.Server.Cache.Redis.Address,
					"username": cfg.Server.Cache.Redis.Username,
					"password": cfg.Server.Cache.Redis.Password,
					"db":       cfg.Server.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
			},
		},
		"agent": map[string]any{
			"origin":              cfg.Agent.Origin,
			"apiPrefix":           cfg.Agent.APIPrefix,
			"fetchTimeoutSeconds": cfg.Agent.FetchTimeoutSeconds,
			"maxBodyBytes":        cfg.Agent.MaxBodyBytes,
			"skipWaiting":         cfg.Agent.SkipWaiting,
			"manifestFile":        cfg.Agent.ManifestFile,
			"manifest": map[string]any{
				"version":     cfg.Agent.Manifest.Version,
				"offlinePage": cfg.Agent.Manifest.OfflinePage,
			},
		},
		"push": map[string]any{
			"vapidPublicKey":    cfg.Push.VAPIDPublicKey,
			"subscribeEndpoint": cfg.Push.SubscribeEndpoint,
		},
		"sync": map[string]any{
			"probePath":            cfg.Sync.ProbePath,
			"probeIntervalSeconds": cfg.Sync.ProbeIntervalSeconds,
			"queueLimit":           cfg.Sync.QueueLimit,
		},
	}
}
