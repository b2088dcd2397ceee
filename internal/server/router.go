package server

import (
	"net/http"
	"strings"
)

// ControlPrefix is the path prefix reserved for the agent's own endpoints.
// Every other path is intercepted.
const ControlPrefix = "/__agent/"

// AgentHTTP defines the minimal surface the router needs from the runtime
// agent to serve HTTP requests.
type AgentHTTP interface {
	ServeIntercept(http.ResponseWriter, *http.Request)
	ServeChannel(http.ResponseWriter, *http.Request)
	ServeRegister(http.ResponseWriter, *http.Request)
	ServePush(http.ResponseWriter, *http.Request)
	ServeNotification(http.ResponseWriter, *http.Request)
	ServeNotificationClick(http.ResponseWriter, *http.Request)
	ServeSync(http.ResponseWriter, *http.Request, string)
	ServeHealth(http.ResponseWriter, *http.Request)
	WriteError(http.ResponseWriter, int, string)
}

// NewAgentHandler wires URL dispatch in front of the agent so the lifecycle
// server owns routing without embedding it in the agent. metrics may be nil.
func NewAgentHandler(a AgentHTTP, metrics http.Handler) http.Handler {
	if a == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "agent unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" && metrics != nil {
			metrics.ServeHTTP(w, r)
			return
		}
		if !strings.HasPrefix(r.URL.Path, ControlPrefix) {
			a.ServeIntercept(w, r)
			return
		}

		route, tag, ok := parseControlRoute(r.URL.Path)
		if !ok {
			a.WriteError(w, http.StatusNotFound, "unknown agent endpoint")
			return
		}
		if want := routeMethod(route); want != "" && r.Method != want {
			w.Header().Set("Allow", want)
			a.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		switch route {
		case "channel":
			a.ServeChannel(w, r)
		case "register":
			a.ServeRegister(w, r)
		case "push":
			a.ServePush(w, r)
		case "notifications":
			a.ServeNotification(w, r)
		case "notifications/click":
			a.ServeNotificationClick(w, r)
		case "sync":
			a.ServeSync(w, r, tag)
		case "healthz":
			a.ServeHealth(w, r)
		}
	})
}

func routeMethod(route string) string {
	switch route {
	case "channel", "healthz":
		return http.MethodGet
	case "register", "push", "notifications", "notifications/click", "sync":
		return http.MethodPost
	}
	return ""
}

func parseControlRoute(path string) (string, string, bool) {
	trimmed := strings.Trim(strings.TrimPrefix(path, ControlPrefix), "/")
	if trimmed == "" {
		return "", "", false
	}
	parts := strings.Split(trimmed, "/")
	switch len(parts) {
	case 1:
		route := strings.ToLower(parts[0])
		switch route {
		case "channel", "register", "push", "notifications":
			return route, "", true
		case "health", "healthz":
			return "healthz", "", true
		}
	case 2:
		route := strings.ToLower(parts[0])
		switch {
		case route == "notifications" && strings.ToLower(parts[1]) == "click":
			return "notifications/click", "", true
		case route == "sync" && parts[1] != "":
			return "sync", parts[1], true
		}
	}
	return "", "", false
}
