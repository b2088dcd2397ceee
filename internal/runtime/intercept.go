package runtime

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/l0p7/offlinectl/internal/runtime/strategy"
)

// ServeIntercept answers an application request through the active
// version's route table. It always writes a response.
func (a *Agent) ServeIntercept(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rule := a.resolve(r)
	result := a.executor.Execute(r.Context(), r, rule)
	a.writeResult(w, r, result)
	a.observe(r.Context(), r, result, time.Since(start))
}

func (a *Agent) writeResult(w http.ResponseWriter, r *http.Request, result strategy.Result) {
	header := w.Header()
	for k, values := range result.Response.Header {
		for _, v := range values {
			header.Add(k, v)
		}
	}
	header.Del("Content-Length")
	header.Set("Content-Length", strconv.Itoa(len(result.Response.Body)))
	header.Set(SourceHeader, string(result.Source))
	if result.Rule.Strategy != "" {
		header.Set(StrategyHeader, string(result.Rule.Strategy))
	}
	if result.Stale {
		header.Set(StaleHeader, "1")
	}

	status := result.Response.Status
	if status == 0 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(result.Response.Body); err != nil {
		a.logger.Debug("response write failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
}
