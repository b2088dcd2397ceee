package cache

import (
	"net/http"
	"strconv"
	"strings"
)

// CacheControlDirective represents the parsed Cache-Control directives of an
// origin response.
type CacheControlDirective struct {
	MaxAge  *int
	NoCache bool
	NoStore bool
	Private bool
}

// ParseCacheControl parses a Cache-Control header value. Unknown directives
// are ignored.
func ParseCacheControl(header string) CacheControlDirective {
	directive := CacheControlDirective{}

	if header == "" {
		return directive
	}

	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if key, value, ok := strings.Cut(part, "="); ok {
			if strings.TrimSpace(strings.ToLower(key)) == "max-age" {
				if seconds, err := strconv.Atoi(strings.Trim(strings.TrimSpace(value), `"`)); err == nil && seconds >= 0 {
					directive.MaxAge = &seconds
				}
			}
			continue
		}

		switch strings.ToLower(part) {
		case "no-cache":
			directive.NoCache = true
		case "no-store":
			directive.NoStore = true
		case "private":
			directive.Private = true
		}
	}

	return directive
}

// Storable reports whether a response with header may be written to a bucket.
// Only no-store forbids storage; private responses are fine in a per-origin cache.
func Storable(header http.Header) bool {
	for _, value := range header.Values("Cache-Control") {
		if ParseCacheControl(value).NoStore {
			return false
		}
	}
	return true
}
