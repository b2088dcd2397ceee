package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type stubAgent struct {
	calls             []string
	syncTags          []string
	writeErrorCalled  bool
	writeErrorStatus  int
	writeErrorMessage string
}

func (s *stubAgent) record(name string, w http.ResponseWriter) {
	s.calls = append(s.calls, name)
	w.WriteHeader(http.StatusOK)
}

func (s *stubAgent) ServeIntercept(w http.ResponseWriter, _ *http.Request) { s.record("intercept", w) }
func (s *stubAgent) ServeChannel(w http.ResponseWriter, _ *http.Request)   { s.record("channel", w) }
func (s *stubAgent) ServeRegister(w http.ResponseWriter, _ *http.Request)  { s.record("register", w) }
func (s *stubAgent) ServePush(w http.ResponseWriter, _ *http.Request)      { s.record("push", w) }
func (s *stubAgent) ServeHealth(w http.ResponseWriter, _ *http.Request)    { s.record("healthz", w) }

func (s *stubAgent) ServeNotification(w http.ResponseWriter, _ *http.Request) {
	s.record("notifications", w)
}

func (s *stubAgent) ServeNotificationClick(w http.ResponseWriter, _ *http.Request) {
	s.record("notifications/click", w)
}

func (s *stubAgent) ServeSync(w http.ResponseWriter, _ *http.Request, tag string) {
	s.syncTags = append(s.syncTags, tag)
	s.record("sync", w)
}

func (s *stubAgent) WriteError(w http.ResponseWriter, status int, message string) {
	s.writeErrorCalled = true
	s.writeErrorStatus = status
	s.writeErrorMessage = message
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}

func TestParseControlRoute(t *testing.T) {
	cases := map[string]struct {
		path  string
		route string
		tag   string
		ok    bool
	}{
		"channel":        {path: "/__agent/channel", route: "channel", ok: true},
		"register":       {path: "/__agent/register", route: "register", ok: true},
		"push":           {path: "/__agent/push", route: "push", ok: true},
		"notifications":  {path: "/__agent/notifications", route: "notifications", ok: true},
		"click":          {path: "/__agent/notifications/click", route: "notifications/click", ok: true},
		"health alias":   {path: "/__agent/health", route: "healthz", ok: true},
		"healthz":        {path: "/__agent/healthz/", route: "healthz", ok: true},
		"sync tag":       {path: "/__agent/sync/contact-form", route: "sync", tag: "contact-form", ok: true},
		"sync no tag":    {path: "/__agent/sync", ok: false},
		"unknown":        {path: "/__agent/unknown", ok: false},
		"unknown nested": {path: "/__agent/push/extra", ok: false},
		"too deep":       {path: "/__agent/sync/a/b", ok: false},
		"empty":          {path: "/__agent/", ok: false},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			route, tag, ok := parseControlRoute(tc.path)
			if route != tc.route || tag != tc.tag || ok != tc.ok {
				t.Fatalf("parseControlRoute(%q) = (%q, %q, %t), want (%q, %q, %t)",
					tc.path, route, tag, ok, tc.route, tc.tag, tc.ok)
			}
		})
	}
}

func TestNewAgentHandlerNilAgent(t *testing.T) {
	handler := NewAgentHandler(nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 when agent unavailable, got %d", rec.Code)
	}
}

func TestAgentHandlerDispatchesRoutes(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		wantCall string
	}{
		{name: "document intercepted", method: http.MethodGet, path: "/portfolio", wantCall: "intercept"},
		{name: "api mutation intercepted", method: http.MethodPost, path: "/api/contact", wantCall: "intercept"},
		{name: "root intercepted", method: http.MethodGet, path: "/", wantCall: "intercept"},
		{name: "channel", method: http.MethodGet, path: "/__agent/channel", wantCall: "channel"},
		{name: "register", method: http.MethodPost, path: "/__agent/register", wantCall: "register"},
		{name: "push", method: http.MethodPost, path: "/__agent/push", wantCall: "push"},
		{name: "show notification", method: http.MethodPost, path: "/__agent/notifications", wantCall: "notifications"},
		{name: "notification click", method: http.MethodPost, path: "/__agent/notifications/click", wantCall: "notifications/click"},
		{name: "sync", method: http.MethodPost, path: "/__agent/sync/outbox", wantCall: "sync"},
		{name: "health", method: http.MethodGet, path: "/__agent/healthz", wantCall: "healthz"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stub := &stubAgent{}
			handler := NewAgentHandler(stub, nil)
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(tc.method, tc.path, http.NoBody)

			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d", rec.Code)
			}
			if len(stub.calls) != 1 || stub.calls[0] != tc.wantCall {
				t.Fatalf("expected single %q call, got %v", tc.wantCall, stub.calls)
			}
		})
	}
}

func TestAgentHandlerPassesSyncTag(t *testing.T) {
	stub := &stubAgent{}
	handler := NewAgentHandler(stub, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/__agent/sync/Contact-Form", http.NoBody)

	handler.ServeHTTP(rec, req)

	if len(stub.syncTags) != 1 || stub.syncTags[0] != "Contact-Form" {
		t.Fatalf("expected tag to be passed verbatim, got %v", stub.syncTags)
	}
}

func TestAgentHandlerRejectsWrongMethod(t *testing.T) {
	stub := &stubAgent{}
	handler := NewAgentHandler(stub, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/__agent/push", http.NoBody)

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if rec.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("expected Allow: POST, got %q", rec.Header().Get("Allow"))
	}
	if len(stub.calls) != 0 {
		t.Fatalf("expected no agent calls, got %v", stub.calls)
	}
}

func TestAgentHandlerUnknownControlRoute(t *testing.T) {
	stub := &stubAgent{}
	handler := NewAgentHandler(stub, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/__agent/explain", http.NoBody)

	handler.ServeHTTP(rec, req)

	if !stub.writeErrorCalled || stub.writeErrorStatus != http.StatusNotFound {
		t.Fatalf("expected WriteError with 404, got called=%t status=%d", stub.writeErrorCalled, stub.writeErrorStatus)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected recorder to capture 404, got %d", rec.Code)
	}
	if len(stub.calls) != 0 {
		t.Fatalf("expected no agent calls for unknown route")
	}
}

func TestAgentHandlerServesMetrics(t *testing.T) {
	stub := &stubAgent{}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	handler := NewAgentHandler(stub, metrics)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)

	handler.ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), "# metrics") {
		t.Fatalf("expected metrics body, got %q", rec.Body.String())
	}
	if len(stub.calls) != 0 {
		t.Fatalf("expected metrics not to be intercepted")
	}
}
