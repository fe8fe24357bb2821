package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"marketdata-relay/config"
	"marketdata-relay/internal/handler"
	"marketdata-relay/internal/middleware"
	"marketdata-relay/internal/websocket"
	relay_errors "marketdata-relay/pkg/errors"
	"marketdata-relay/pkg/logger"
)

type rejectAll struct{}

func (rejectAll) ValidateToken(ctx context.Context, token string) (string, error) {
	return "", relay_errors.ErrUnauthorized
}

func newTestServer(checks ...HealthCheck) *Server {
	s := New(&config.Config{AppPort: "0", AppMode: TestMode}, logger.NewNop())
	hub := websocket.NewHub(nil)
	s.SetupRoutes(&Handlers{
		WebSocket: handler.NewWebSocketHandler(nil, nil, nil, nil, nil),
		Socket:    websocket.NewHandler(hub, nil, nil, websocket.NewEventLogger(nil)),
	}, Guards{
		Session: middleware.SessionMiddleware(rejectAll{}, "session", nil),
	}, checks...)
	return s
}

func TestPingAndHealth(t *testing.T) {
	s := newTestServer(HealthCheck{Name: "redis", Check: func(context.Context) error { return nil }})

	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/ping = %d", w.Code)
	}

	w = httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/health = %d", w.Code)
	}

	failing := newTestServer(HealthCheck{Name: "postgres", Check: func(context.Context) error { return errors.New("down") }})
	w = httptest.NewRecorder()
	failing.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("/health with failing check = %d", w.Code)
	}
}

func TestWebsocketRoutesAreGuarded(t *testing.T) {
	s := newTestServer()
	for _, rt := range []struct{ method, path string }{
		{http.MethodGet, "/websocket/"},
		{http.MethodGet, "/websocket/ws"},
		{http.MethodGet, "/websocket/search?q=infy"},
		{http.MethodGet, "/websocket/subscriptions"},
		{http.MethodPost, "/websocket/subscribe"},
		{http.MethodPost, "/websocket/unsubscribe"},
		{http.MethodPost, "/websocket/unsubscribe-all"},
		{http.MethodGet, "/websocket/status"},
	} {
		w := httptest.NewRecorder()
		s.Engine().ServeHTTP(w, httptest.NewRequest(rt.method, rt.path, nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s = %d, want 401", rt.method, rt.path, w.Code)
		}
	}
}
