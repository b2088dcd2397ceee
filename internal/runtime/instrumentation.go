package runtime

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/l0p7/offlinectl/internal/runtime/strategy"
)

// observe logs and records one intercepted request.
func (a *Agent) observe(ctx context.Context, r *http.Request, result strategy.Result, duration time.Duration) {
	a.metrics.ObserveFetch(string(result.Rule.Strategy), string(result.Source), result.Response.Status, duration)

	level := slog.LevelDebug
	if result.Source == strategy.SourceFallback {
		level = slog.LevelInfo
	}
	if !a.logger.Enabled(ctx, level) {
		return
	}
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("rule", result.Rule.Name),
		slog.String("strategy", string(result.Rule.Strategy)),
		slog.String("source", string(result.Source)),
		slog.Int("http_status", result.Response.Status),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	}
	if result.Rule.Bucket != "" {
		attrs = append(attrs, slog.String("bucket", result.Rule.Bucket))
	}
	if result.Rule.Default {
		attrs = append(attrs, slog.Bool("default_rule", true))
	}
	if result.Stale {
		attrs = append(attrs, slog.Bool("stale", true))
	}
	a.logger.LogAttrs(ctx, level, "request intercepted", attrs...)
}
