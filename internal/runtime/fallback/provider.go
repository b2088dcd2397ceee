package fallback

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/l0p7/offlinectl/internal/runtime/cache"
	"github.com/l0p7/offlinectl/internal/runtime/routing"
	"github.com/l0p7/offlinectl/internal/templates"
)

// OfflineCode is the stable error code API clients treat as "retry later".
const OfflineCode = "OFFLINE"

const offlineMessage = "You are offline. The request was not sent; retry once the connection is restored."

const builtinPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Offline</title>
</head>
<body>
<main>
<h1>You are offline</h1>
<p>{{ .Path }} is not available right now. It will load again once the connection is restored.</p>
</main>
</body>
</html>
`

// Source tells the provider where the active version keeps its offline page.
type Source interface {
	OfflinePage() (bucket, url string, ok bool)
}

// Options configures a Provider.
type Options struct {
	Cache     *cache.Manager
	Source    Source
	APIPrefix string
	// Template renders the document fallback when no offline page is cached.
	// Nil selects the built-in page.
	Template *templates.Template
	Logger   *slog.Logger
}

// Provider builds substitute responses for requests that neither the network
// nor the cache could serve. Respond never fails.
type Provider struct {
	cache     *cache.Manager
	source    Source
	apiPrefix string
	page      *templates.Template
	logger    *slog.Logger
}

type apiError struct {
	Success bool           `json:"success"`
	Error   apiErrorDetail `json:"error"`
}

type apiErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New builds a Provider. The built-in page template is compiled here.
func New(opts Options) *Provider {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	page := opts.Template
	if page == nil {
		compiled, err := templates.NewRenderer(nil).CompileInline("offline", builtinPage)
		if err != nil {
			logger.Error("built-in offline page invalid", slog.Any("error", err))
		}
		page = compiled
	}
	return &Provider{
		cache:     opts.Cache,
		source:    opts.Source,
		apiPrefix: opts.APIPrefix,
		page:      page,
		logger:    logger.With(slog.String("agent", "fallback")),
	}
}

// Respond returns the substitute for r based on its kind.
func (p *Provider) Respond(ctx context.Context, r *http.Request) cache.Response {
	switch routing.Classify(r, p.apiPrefix) {
	case routing.KindDocument:
		return p.document(ctx, r)
	case routing.KindAPI:
		return p.api()
	}
	return plain()
}

func (p *Provider) document(ctx context.Context, r *http.Request) cache.Response {
	if p.source != nil && p.cache != nil {
		bucket, url, ok := p.source.OfflinePage()
		if ok && url != "" {
			if entry, found := p.cache.Get(ctx, bucket, cache.NewRequestKey(http.MethodGet, url)); found {
				return entry.Response.Clone()
			}
			p.logger.Warn("offline page missing from cache", slog.String("bucket", bucket), slog.String("url", url))
		}
	}

	body, err := p.page.Render(map[string]any{"Path": r.URL.Path})
	if err != nil {
		p.logger.Warn("offline page render failed", slog.Any("error", err))
		return plain()
	}
	return cache.Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type":  {"text/html; charset=utf-8"},
			"Cache-Control": {"no-store"},
		},
		Body: body,
	}
}

func (p *Provider) api() cache.Response {
	payload, err := json.Marshal(apiError{
		Success: false,
		Error:   apiErrorDetail{Code: OfflineCode, Message: offlineMessage},
	})
	if err != nil {
		p.logger.Error("offline payload encode failed", slog.Any("error", err))
		payload = []byte(`{"success":false,"error":{"code":"OFFLINE","message":"offline"}}`)
	}
	return cache.Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type":  {"application/json"},
			"Cache-Control": {"no-store"},
		},
		Body: payload,
	}
}

func plain() cache.Response {
	return cache.Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type":  {"text/plain; charset=utf-8"},
			"Cache-Control": {"no-store"},
		},
		Body: []byte("Service Unavailable"),
	}
}
