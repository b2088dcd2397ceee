package routing

import (
	"net/http"
	"strings"
)

// Kind is the semantic type of a request.
type Kind string

const (
	KindDocument Kind = "document"
	KindAPI      Kind = "api"
	KindAsset    Kind = "asset"
)

// Classify derives the request kind. Paths under apiPrefix are API requests;
// navigations and GETs preferring HTML are documents; anything else is an asset.
func Classify(r *http.Request, apiPrefix string) Kind {
	if apiPrefix != "" && strings.HasPrefix(r.URL.Path, apiPrefix) {
		return KindAPI
	}
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") ||
		strings.EqualFold(r.Header.Get("Sec-Fetch-Dest"), "document") {
		return KindDocument
	}
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && acceptsHTML(r.Header.Get("Accept")) {
		return KindDocument
	}
	return KindAsset
}

// IsSafe reports whether method is free of side effects.
func IsSafe(method string) bool {
	switch method {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func acceptsHTML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		switch strings.ToLower(strings.TrimSpace(mediaType)) {
		case "text/html", "application/xhtml+xml":
			return true
		}
	}
	return false
}
