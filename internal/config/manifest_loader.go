package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/l0p7/offlinectl/internal/expr"
)

// LoadManifest reads an agent manifest document. The parser is chosen by file
// extension so deployment tooling can emit yaml, json or toml.
func LoadManifest(ctx context.Context, path string) (ManifestConfig, error) {
	select {
	case <-ctx.Done():
		return ManifestConfig{}, ctx.Err()
	default:
	}
	if err := ensureFileExists(path); err != nil {
		return ManifestConfig{}, err
	}
	parser, err := parserFor(path)
	if err != nil {
		return ManifestConfig{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return ManifestConfig{}, fmt.Errorf("config: load manifest from %s: %w", path, err)
	}
	var manifest ManifestConfig
	if err := k.Unmarshal("", &manifest); err != nil {
		return ManifestConfig{}, fmt.Errorf("config: decode manifest from %s: %w", path, err)
	}
	if manifest.OfflinePage == "" {
		manifest.OfflinePage = DefaultConfig().Agent.Manifest.OfflinePage
	}
	if err := manifest.Validate(); err != nil {
		return ManifestConfig{}, fmt.Errorf("%w (source %s)", err, path)
	}
	if err := validateRouteExpressions(manifest.Routes); err != nil {
		return ManifestConfig{}, fmt.Errorf("%w (source %s)", err, path)
	}
	return manifest, nil
}

func validateRouteExpressions(routes []RouteConfig) error {
	var env *expr.Environment
	for i, route := range routes {
		source := strings.TrimSpace(route.Match.CEL)
		if source == "" {
			continue
		}
		if env == nil {
			built, err := expr.NewEnvironment()
			if err != nil {
				return err
			}
			env = built
		}
		if _, err := env.Compile(source); err != nil {
			return fmt.Errorf("config: routes[%d].match.cel: %w", i, err)
		}
	}
	return nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: manifest file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: manifest file %s: expected a file, found directory", path)
	}
	return nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported manifest file extension %s", ext)
	}
}
