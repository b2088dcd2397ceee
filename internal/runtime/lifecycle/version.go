package lifecycle

import (
	"fmt"
	"strings"

	"github.com/l0p7/offlinectl/internal/config"
	"github.com/l0p7/offlinectl/internal/expr"
	"github.com/l0p7/offlinectl/internal/runtime/cache"
	"github.com/l0p7/offlinectl/internal/runtime/routing"
)

// Version is one deployable agent build: its route table plus the assets it
// precaches. Versions are immutable.
type Version struct {
	ID          string
	Table       *routing.Table
	Precache    []string
	OfflinePage string
}

// NewVersion compiles manifest into a Version.
func NewVersion(manifest config.ManifestConfig, apiPrefix string, env *expr.Environment) (Version, error) {
	table, err := routing.Compile(manifest, apiPrefix, env)
	if err != nil {
		return Version{}, fmt.Errorf("lifecycle: version %s: %w", manifest.Version, err)
	}
	return Version{
		ID:          manifest.Version,
		Table:       table,
		Precache:    append([]string(nil), manifest.Precache...),
		OfflinePage: strings.TrimSpace(manifest.OfflinePage),
	}, nil
}

// StaticBucket is where install stores the precached assets.
func (v Version) StaticBucket() string {
	if v.Table == nil {
		return routing.VersionedBucket(routing.StaticBase, v.ID)
	}
	return v.Table.StaticBucket()
}

// KnownBuckets is the allow-list applied when this version activates.
func (v Version) KnownBuckets() []string {
	if v.Table == nil {
		return []string{v.StaticBucket()}
	}
	return v.Table.KnownBuckets()
}

// Assets lists the URLs install must fetch, offline page included, without
// duplicates.
func (v Version) Assets() []string {
	seen := make(map[string]struct{}, len(v.Precache)+1)
	out := make([]string, 0, len(v.Precache)+1)
	for _, url := range append(append([]string(nil), v.Precache...), v.OfflinePage) {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}
		out = append(out, url)
	}
	return out
}

// Precached reports whether requestURI names one of the version's assets.
func (v Version) Precached(requestURI string) bool {
	target := cache.NormalizeURL(requestURI)
	for _, url := range v.Assets() {
		if cache.NormalizeURL(url) == target {
			return true
		}
	}
	return false
}
