package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/l0p7/offlinectl/internal/runtime/cache"
)

// Fetcher performs the network leg of a strategy. Any returned error is a
// fetch failure; a non-2xx response is returned without error.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (cache.Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, r *http.Request) (cache.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (cache.Response, error) {
	return f(ctx, r)
}

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// ErrBodyTooLarge marks origin responses above the configured size limit.
var ErrBodyTooLarge = errors.New("strategy: response body exceeds limit")

// hop-by-hop headers are connection scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPFetcher forwards intercepted requests to the origin.
type HTTPFetcher struct {
	origin  *url.URL
	client  httpDoer
	maxBody int64
}

// NewHTTPFetcher targets origin. A nil client uses a plain http.Client; the
// executor owns timeouts through the request context.
func NewHTTPFetcher(origin string, client httpDoer, maxBody int64) (*HTTPFetcher, error) {
	parsed, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return nil, fmt.Errorf("strategy: parse origin: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("strategy: origin %q must be absolute", origin)
	}
	if client == nil {
		client = &http.Client{}
	}
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	return &HTTPFetcher{origin: parsed, client: client, maxBody: maxBody}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r *http.Request) (cache.Response, error) {
	target := f.origin.JoinPath(r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return cache.Response{}, fmt.Errorf("strategy: build origin request: %w", err)
	}
	req.Header = r.Header.Clone()
	if req.Header == nil {
		req.Header = http.Header{}
	}
	stripHopHeaders(req.Header)
	if r.Host != "" {
		req.Header.Set("X-Forwarded-Host", r.Host)
	}
	req.ContentLength = r.ContentLength
	req.GetBody = r.GetBody

	resp, err := f.client.Do(req)
	if err != nil {
		return cache.Response{}, fmt.Errorf("strategy: origin request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return cache.Response{}, fmt.Errorf("strategy: read origin body: %w", err)
	}
	if int64(len(payload)) > f.maxBody {
		return cache.Response{}, ErrBodyTooLarge
	}

	header := resp.Header.Clone()
	stripHopHeaders(header)
	header.Del("Content-Length")
	return cache.Response{Status: resp.StatusCode, Header: header, Body: payload}, nil
}

func stripHopHeaders(h http.Header) {
	for _, name := range h.Values("Connection") {
		for _, field := range strings.Split(name, ",") {
			if field = strings.TrimSpace(field); field != "" {
				h.Del(field)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
