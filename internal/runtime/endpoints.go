package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/offlinectl/internal/runtime/messaging"
	"github.com/l0p7/offlinectl/internal/runtime/push"
)

const maxControlBody = 64 << 10

// Registration is the agent's answer to a client registering with it.
type Registration struct {
	Version        string `json:"version,omitempty"`
	State          string `json:"state"`
	Waiting        string `json:"waiting,omitempty"`
	VAPIDPublicKey string `json:"vapidPublicKey,omitempty"`
	// SubscribeEndpoint is where clients hand their push subscription.
	SubscribeEndpoint string `json:"subscribeEndpoint,omitempty"`
}

// ServeRegister reports the controlling and waiting versions. Registering is
// idempotent: the agent installs its manifest once at startup.
func (a *Agent) ServeRegister(w http.ResponseWriter, r *http.Request) {
	reg := Registration{State: "unregistered", VAPIDPublicKey: a.vapidKey, SubscribeEndpoint: a.subscribeEndpoint}
	if active, ok := a.lifecycle.Active(); ok {
		reg.Version = active.ID
		reg.State = string(a.lifecycle.State(active.ID))
	}
	if waiting, ok := a.lifecycle.Waiting(); ok {
		reg.Waiting = waiting.ID
	}
	a.writeJSON(w, http.StatusOK, reg)
}

// ServeChannel upgrades the request to the message channel of one window. The
// window's location is passed as the url query parameter.
func (a *Agent) ServeChannel(w http.ResponseWriter, r *http.Request) {
	conn, err := messaging.Accept(w, r)
	if err != nil {
		a.logger.Warn("channel upgrade failed", slog.Any("error", err))
		return
	}
	location := strings.TrimSpace(r.URL.Query().Get("url"))
	if location == "" {
		location = "/"
	}
	if err := a.hub.Serve(r.Context(), conn, location, a.HandleMessage); err != nil {
		a.logger.Debug("channel closed", slog.Any("error", err))
	}
}

// ServePush accepts a push payload. The platform always gets 202; malformed
// payloads are logged and dropped.
func (a *Agent) ServePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		a.logger.Warn("push body unreadable", slog.Any("error", err))
	} else {
		a.push.HandlePush(r.Context(), payload)
	}
	w.WriteHeader(http.StatusAccepted)
}

// ServeNotificationClick routes a notification click. Like push, the source
// always gets 202.
func (a *Agent) ServeNotificationClick(w http.ResponseWriter, r *http.Request) {
	var click push.Click
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&click); err != nil {
		a.logger.Warn("notification click dropped", slog.Any("error", err))
	} else {
		a.push.HandleClick(r.Context(), click)
	}
	w.WriteHeader(http.StatusAccepted)
}

// ServeNotification shows a notification requested by a client.
func (a *Agent) ServeNotification(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		a.WriteError(w, http.StatusBadRequest, "notification body unreadable")
		return
	}
	note, err := push.ParsePayload(payload)
	if err != nil {
		a.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.push.Show(r.Context(), note)
	w.WriteHeader(http.StatusAccepted)
}

// ServeSync signals tag as if connectivity had just been restored.
func (a *Agent) ServeSync(w http.ResponseWriter, r *http.Request, tag string) {
	registered := a.sync.Signal(r.Context(), tag)
	a.writeJSON(w, http.StatusAccepted, map[string]any{
		"tag":        tag,
		"registered": registered,
		"pending":    a.queue.Len(tag),
	})
}

// ServeHealth reports the version state, cache usage and connectivity.
func (a *Agent) ServeHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":     "ok",
		"online":     a.monitor.Online(),
		"clients":    len(a.hub.Clients()),
		"observedAt": time.Now().UTC(),
	}
	if active, ok := a.lifecycle.Active(); ok {
		status["version"] = active.ID
	} else {
		status["status"] = "installing"
	}
	if waiting, ok := a.lifecycle.Waiting(); ok {
		status["waiting"] = waiting.ID
	}
	size, err := a.cache.Size(r.Context())
	if err != nil {
		a.logger.Error("cache size query failed", slog.Any("error", err))
		status["status"] = "degraded"
	}
	status["cacheBytes"] = size
	if buckets, err := a.cache.Buckets(r.Context()); err == nil && len(buckets) > 0 {
		status["buckets"] = buckets
	}
	a.writeJSON(w, http.StatusOK, status)
}

// WriteError emits a JSON error payload.
func (a *Agent) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	a.writeJSON(w, status, map[string]any{"error": message})
}

func (a *Agent) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		a.logger.Error("response encode failed", slog.Any("error", err))
	}
}
