package routing

import (
	"strings"
	"time"

	"github.com/l0p7/offlinectl/internal/runtime/cache"
)

// Strategy names one of the five caching algorithms.
type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
	NetworkOnly          Strategy = "network-only"
	CacheOnly            Strategy = "cache-only"
)

// ParseStrategy normalizes a configured strategy name.
func ParseStrategy(name string) (Strategy, bool) {
	s := Strategy(strings.ToLower(strings.TrimSpace(name)))
	switch s {
	case CacheFirst, NetworkFirst, StaleWhileRevalidate, NetworkOnly, CacheOnly:
		return s, true
	}
	return "", false
}

// Expiration bounds a bucket by count and age. Zero disables each limit.
type Expiration struct {
	MaxEntries    int
	MaxAgeSeconds int
}

// Policy converts the expiration into the cache manager's policy.
func (e Expiration) Policy() cache.ExpirationPolicy {
	return cache.ExpirationPolicy{
		MaxEntries: e.MaxEntries,
		MaxAge:     time.Duration(e.MaxAgeSeconds) * time.Second,
	}
}

// Rule maps matching requests to a strategy, bucket and expiration policy.
type Rule struct {
	Name       string
	Matcher    Matcher
	Strategy   Strategy
	Bucket     string
	Expiration Expiration
	// Timeout overrides the agent-wide fetch timeout when positive.
	Timeout time.Duration
	// SyncTag queues failed requests for background replay under this tag.
	SyncTag string
	Default bool
}

// BucketName expands a configured bucket for version. A "{version}"
// placeholder is substituted; names without one are used verbatim and are
// shared across versions.
func BucketName(name, version string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), "{version}", version)
}

// VersionedBucket returns the conventional "<base>-<version>" name.
func VersionedBucket(base, version string) string {
	return base + "-" + version
}
