package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"marketdata-relay/internal/domain/symbol"
	"marketdata-relay/internal/middleware"
	"marketdata-relay/internal/services"
	"marketdata-relay/internal/symbolref"
	"marketdata-relay/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeMarket struct {
	calls     []string
	refs      []symbolref.SymbolRef
	broker    string
	mode      string
	result    services.Result
	callbacks map[string]int
}

func (m *fakeMarket) record(op string) services.Result {
	m.calls = append(m.calls, op)
	return m.result
}

func (m *fakeMarket) Status(ctx context.Context, username string) services.Result {
	return m.record("status")
}

func (m *fakeMarket) Subscriptions(ctx context.Context, username string) services.Result {
	return m.record("subscriptions")
}

func (m *fakeMarket) Subscribe(ctx context.Context, username, broker string, refs []symbolref.SymbolRef, mode string) services.Result {
	m.refs, m.broker, m.mode = refs, broker, mode
	return m.record("subscribe")
}

func (m *fakeMarket) Unsubscribe(ctx context.Context, username, broker string, refs []symbolref.SymbolRef, mode string) services.Result {
	m.refs, m.broker, m.mode = refs, broker, mode
	return m.record("unsubscribe")
}

func (m *fakeMarket) UnsubscribeAll(ctx context.Context, username string) services.Result {
	return m.record("unsubscribe_all")
}

func (m *fakeMarket) RegisterCallback(username, key string, cb services.MarketDataCallback) {
	m.callbacks[username+"|"+key]++
}

func (m *fakeMarket) UnregisterCallback(username, key string) {
	delete(m.callbacks, username+"|"+key)
}

type fakeSearch struct {
	calls int
	rows  []symbol.Symbol
	err   error
}

func (s *fakeSearch) EnhancedSearch(ctx context.Context, query, exchange string) ([]symbol.Symbol, error) {
	s.calls++
	return s.rows, s.err
}

type fakeCreds struct {
	apiKey string
	broker string
}

func (f fakeCreds) APIKeyForUser(ctx context.Context, username string) (string, error) {
	return f.apiKey, nil
}

func (f fakeCreds) BrokerName(ctx context.Context, apiKey string) (string, error) {
	return f.broker, nil
}

type fakePush struct{ attached []string }

func (p *fakePush) Attach(username string) { p.attached = append(p.attached, username) }

type harness struct {
	engine *gin.Engine
	market *fakeMarket
	search *fakeSearch
	push   *fakePush
	logs   *observer.ObservedLogs
}

func newHarness(t *testing.T, creds fakeCreds, user string) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	core, logs := observer.New(zapcore.DebugLevel)
	h := &harness{
		market: &fakeMarket{
			result:    services.Result{Success: true, Status: 200, Body: map[string]any{"status": "success"}},
			callbacks: map[string]int{},
		},
		search: &fakeSearch{},
		push:   &fakePush{},
		logs:   logs,
	}
	wh := NewWebSocketHandler(h.market, h.search, creds, h.push, &logger.Logger{Logger: zap.New(core)})

	r := gin.New()
	r.Use(middleware.ErrorHandler(nil))
	LoadTemplates(r)
	g := r.Group("/websocket", func(c *gin.Context) {
		if user != "" {
			c.Request = c.Request.WithContext(services.WithUsername(c.Request.Context(), user))
		}
		c.Next()
	})
	g.GET("/", wh.Index)
	g.GET("/search", wh.Search)
	g.GET("/subscriptions", wh.Subscriptions)
	g.POST("/subscribe", wh.Subscribe)
	g.POST("/unsubscribe", wh.Unsubscribe)
	g.POST("/unsubscribe-all", wh.UnsubscribeAll)
	g.GET("/status", wh.Status)
	h.engine = r
	return h
}

func (h *harness) do(method, target, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

var goodCreds = fakeCreds{apiKey: "k1", broker: "zerodha"}

func TestIndexAttachesCallback(t *testing.T) {
	h := newHarness(t, goodCreds, "alice")
	w := h.do(http.MethodGet, "/websocket/", "")
	if w.Code != 200 || !strings.Contains(w.Body.String(), "alice") {
		t.Fatalf("index = %d %s", w.Code, w.Body.String())
	}
	if len(h.push.attached) != 1 || h.push.attached[0] != "alice" {
		t.Errorf("attached = %v", h.push.attached)
	}

	anon := newHarness(t, goodCreds, "")
	if w := anon.do(http.MethodGet, "/websocket/", ""); w.Code != 200 {
		t.Errorf("anonymous index = %d", w.Code)
	}
	if len(anon.push.attached) != 0 {
		t.Errorf("anonymous index attached a callback")
	}
}

func TestSearch(t *testing.T) {
	h := newHarness(t, goodCreds, "alice")

	w := h.do(http.MethodGet, "/websocket/search?q=%20%20", "")
	if w.Code != 200 || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("empty query = %d %s", w.Code, w.Body.String())
	}
	if h.search.calls != 0 {
		t.Errorf("search called for empty query")
	}

	h.search.rows = []symbol.Symbol{{Symbol: "INFY", Name: "Infosys", Exchange: "NSE", Token: "1594", InstrumentType: "EQ"}}
	w = h.do(http.MethodGet, "/websocket/search?q=infy&exchange=NSE", "")
	var rows []map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &rows); err != nil || len(rows) != 1 {
		t.Fatalf("search = %s, %v", w.Body.String(), err)
	}
	want := map[string]string{"symbol": "INFY", "name": "Infosys", "exchange": "NSE", "token": "1594", "instrumenttype": "EQ"}
	for k, v := range want {
		if rows[0][k] != v {
			t.Errorf("row[%s] = %q, want %q", k, rows[0][k], v)
		}
	}

	h.search.err = errors.New("db down")
	w = h.do(http.MethodGet, "/websocket/search?q=infy", "")
	if w.Code != 500 || decode(t, w)["error"] != "db down" {
		t.Errorf("search failure = %d %s", w.Code, w.Body.String())
	}
	if h.logs.FilterMessage("Error searching symbols").Len() != 1 {
		t.Errorf("search failure was not logged")
	}
}

func TestRoutesRequireUser(t *testing.T) {
	h := newHarness(t, goodCreds, "")
	for _, rt := range []struct{ method, path, body string }{
		{http.MethodGet, "/websocket/subscriptions", ""},
		{http.MethodPost, "/websocket/subscribe", `{"symbols":["INFY"]}`},
		{http.MethodPost, "/websocket/unsubscribe", `{"symbols":["INFY"]}`},
		{http.MethodPost, "/websocket/unsubscribe-all", ""},
		{http.MethodGet, "/websocket/status", ""},
	} {
		w := h.do(rt.method, rt.path, rt.body)
		if w.Code != 401 || decode(t, w)["error"] != "User not logged in" {
			t.Errorf("%s %s = %d %s", rt.method, rt.path, w.Code, w.Body.String())
		}
	}
	if len(h.market.calls) != 0 {
		t.Errorf("collaborator called without a user: %v", h.market.calls)
	}
}

func TestSubscribeValidation(t *testing.T) {
	tests := []struct {
		name  string
		creds fakeCreds
		body  string
		want  string
	}{
		{"no body", goodCreds, "", "No symbols provided"},
		{"empty list", goodCreds, `{"symbols":[]}`, "No symbols provided"},
		{"bad json", goodCreds, `{"symbols":`, "No symbols provided"},
		{"no api key", fakeCreds{broker: "zerodha"}, `{"symbols":["INFY"]}`, "API Key not found"},
		{"no broker", fakeCreds{apiKey: "k1"}, `{"symbols":["INFY"]}`, "Broker not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.creds, "alice")
			for _, path := range []string{"/websocket/subscribe", "/websocket/unsubscribe"} {
				w := h.do(http.MethodPost, path, tt.body)
				if w.Code != 400 || decode(t, w)["error"] != tt.want {
					t.Errorf("%s = %d %s", path, w.Code, w.Body.String())
				}
			}
			if len(h.market.calls) != 0 {
				t.Errorf("collaborator called: %v", h.market.calls)
			}
		})
	}
}

func TestSubscribePassesThroughResult(t *testing.T) {
	h := newHarness(t, goodCreds, "alice")
	h.market.result = services.Result{
		Success: false,
		Status:  404,
		Body:    map[string]any{"status": "error", "message": "No active WebSocket connection"},
	}

	w := h.do(http.MethodPost, "/websocket/subscribe", `{"symbols":["NSE:INFY","TCS"],"mode":1}`)
	if w.Code != 404 || decode(t, w)["message"] != "No active WebSocket connection" {
		t.Fatalf("subscribe = %d %s", w.Code, w.Body.String())
	}
	want := []symbolref.SymbolRef{{Exchange: "NSE", Symbol: "INFY"}, {Exchange: "NSE", Symbol: "TCS"}}
	if len(h.market.refs) != 2 || h.market.refs[0] != want[0] || h.market.refs[1] != want[1] {
		t.Errorf("refs = %v", h.market.refs)
	}
	if h.market.broker != "zerodha" || h.market.mode != "1" {
		t.Errorf("broker = %q mode = %q", h.market.broker, h.market.mode)
	}

	h.market.result = services.Result{Success: true, Status: 200, Body: map[string]any{"status": "success", "count": 1}}
	w = h.do(http.MethodPost, "/websocket/unsubscribe", `{"symbols":["BSE:SBIN"],"mode":"LTP"}`)
	if w.Code != 200 || decode(t, w)["count"] != float64(1) {
		t.Errorf("unsubscribe = %d %s", w.Code, w.Body.String())
	}
	if h.market.refs[0].Exchange != "BSE" || h.market.mode != "LTP" {
		t.Errorf("unsubscribe refs = %v mode = %q", h.market.refs, h.market.mode)
	}
}

func TestSubscriptionsAndStatus(t *testing.T) {
	h := newHarness(t, goodCreds, "alice")

	h.market.result = services.Result{Success: true, Status: 201, Body: map[string]any{"count": 0}}
	if w := h.do(http.MethodGet, "/websocket/subscriptions", ""); w.Code != 200 {
		t.Errorf("successful subscriptions = %d, want 200", w.Code)
	}

	h.market.result = services.Result{Success: false, Status: 503, Body: map[string]any{"status": "error"}}
	if w := h.do(http.MethodGet, "/websocket/subscriptions", ""); w.Code != 503 {
		t.Errorf("failed subscriptions = %d, want 503", w.Code)
	}
	if w := h.do(http.MethodGet, "/websocket/status", ""); w.Code != 503 {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if w := h.do(http.MethodPost, "/websocket/unsubscribe-all", ""); w.Code != 503 {
		t.Errorf("unsubscribe-all = %d, want 503", w.Code)
	}
}
