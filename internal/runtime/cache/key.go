package cache

import (
	"fmt"
	"hash/fnv"
	"net"
	"net/url"
	"sort"
	"strings"
)

// RequestKey identifies a cached entry inside a bucket.
type RequestKey struct {
	Method string
	URL    string
}

// NewRequestKey normalizes method and rawURL into a key. Scheme and host are
// lower-cased, default ports and fragments are dropped, and query parameters
// are sorted so equivalent URLs share one entry.
func NewRequestKey(method, rawURL string) RequestKey {
	return RequestKey{Method: strings.ToUpper(strings.TrimSpace(method)), URL: NormalizeURL(rawURL)}
}

// String renders the canonical "METHOD url" form.
func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

// Hash computes a deterministic FNV-1a digest of the canonical key, used where
// backends need bounded field names.
func (k RequestKey) Hash() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(k.Method))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(k.URL))
	return fmt.Sprintf("%016x", h.Sum64())
}

// NormalizeURL canonicalizes rawURL. Unparseable input is returned trimmed.
func NormalizeURL(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	u, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	switch {
	case port != "":
		host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":"):
		host = "[" + host + "]"
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" && u.Host != "" {
		u.Path = "/"
	}
	if u.RawQuery != "" {
		u.RawQuery = sortedQuery(u.Query())
	}
	return u.String()
}

func sortedQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
