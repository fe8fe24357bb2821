package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"marketdata-relay/internal/symbolref"
	relay_errors "marketdata-relay/pkg/errors"

	"github.com/gorilla/websocket"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeQuote, false},
		{"LTP", ModeLTP, false},
		{"quote", ModeQuote, false},
		{" Depth ", ModeDepth, false},
		{"1", ModeLTP, false},
		{"3", ModeDepth, false},
		{"full", 0, true},
		{"4", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			if !errors.Is(err, relay_errors.ErrInvalidMode) {
				t.Errorf("ParseMode(%q) error = %v, want ErrInvalidMode", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseMode(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestSubject(t *testing.T) {
	got := Subject("md", symbolref.SymbolRef{Exchange: "nse", Symbol: "M&M.EQ *>"})
	if got != "md.NSE.M&M_EQ___" {
		t.Errorf("Subject = %q", got)
	}
}

func TestParseTickKey(t *testing.T) {
	ref, ok := parseTickKey("NSE:INFY")
	if !ok || ref.Exchange != "NSE" || ref.Symbol != "INFY" {
		t.Errorf("parseTickKey = %+v, %v", ref, ok)
	}
	for _, bad := range []string{"INFY", ":INFY", "NSE:", ""} {
		if _, ok := parseTickKey(bad); ok {
			t.Errorf("parseTickKey(%q) should fail", bad)
		}
	}
}

func TestKafkaDispatchFiltersBySubscription(t *testing.T) {
	var got []Tick
	kc := &kafkaConn{
		onTick: func(tk Tick) { got = append(got, tk) },
		modes:  make(map[string]map[Mode]struct{}),
	}
	ctx := context.Background()
	_ = kc.Subscribe(ctx, []symbolref.SymbolRef{{Exchange: "NSE", Symbol: "INFY"}}, ModeLTP)

	kc.dispatch([]byte("NSE:INFY"), []byte(`{"ltp":1500}`))
	kc.dispatch([]byte("NSE:TCS"), []byte(`{"ltp":3900}`))

	if len(got) != 1 || got[0].Symbol != "INFY" || got[0].Mode != ModeLTP {
		t.Fatalf("ticks = %+v", got)
	}

	_ = kc.Unsubscribe(ctx, []symbolref.SymbolRef{{Exchange: "NSE", Symbol: "INFY"}}, ModeLTP)
	kc.dispatch([]byte("NSE:INFY"), []byte(`{"ltp":1501}`))
	if len(got) != 1 {
		t.Errorf("tick delivered after unsubscribe")
	}
}

// fakeProxy accepts one connection, answers authentication and records the
// frames it receives.
func fakeProxy(t *testing.T, acceptKey string) (*httptest.Server, chan map[string]any) {
	t.Helper()
	frames := make(chan map[string]any, 16)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]any
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			frames <- frame

			switch frame["action"] {
			case "authenticate":
				status := "error"
				if frame["api_key"] == acceptKey {
					status = "success"
				}
				_ = conn.WriteJSON(map[string]string{"type": "auth", "status": status, "message": "checked"})
			case "subscribe":
				_ = conn.WriteJSON(map[string]any{
					"type":     "market_data",
					"exchange": "NSE",
					"symbol":   "INFY",
					"mode":     1,
					"data":     map[string]any{"ltp": 1500.5},
				})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, frames
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestProxyDialerSubscribeAndTick(t *testing.T) {
	srv, frames := fakeProxy(t, "key-1")
	ticks := make(chan Tick, 1)

	d := &ProxyDialer{URL: wsURL(srv), Timeout: 2 * time.Second}
	conn, err := d.Dial(context.Background(), Credentials{Username: "alice", APIKey: "key-1"}, func(tk Tick) {
		ticks <- tk
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if !conn.Connected() || !conn.Authenticated() {
		t.Fatalf("connected=%v authenticated=%v", conn.Connected(), conn.Authenticated())
	}
	<-frames // authenticate

	refs := []symbolref.SymbolRef{{Exchange: "NSE", Symbol: "INFY"}}
	if err := conn.Subscribe(context.Background(), refs, ModeLTP); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case frame := <-frames:
		if frame["action"] != "subscribe" || frame["mode"] != float64(1) {
			t.Errorf("frame = %v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe frame")
	}

	select {
	case tk := <-ticks:
		if tk.Symbol != "INFY" || tk.Mode != ModeLTP || !strings.Contains(string(tk.Data), "1500.5") {
			t.Errorf("tick = %+v", tk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick")
	}

	_ = conn.Close()
	if conn.Connected() {
		t.Errorf("still connected after Close")
	}
	if err := conn.Subscribe(context.Background(), refs, ModeLTP); !errors.Is(err, relay_errors.ErrNotConnected) {
		t.Errorf("Subscribe after close = %v", err)
	}
}

func TestProxyDialerAuthFailure(t *testing.T) {
	srv, _ := fakeProxy(t, "key-1")

	d := &ProxyDialer{URL: wsURL(srv), Timeout: 2 * time.Second}
	_, err := d.Dial(context.Background(), Credentials{Username: "alice", APIKey: "wrong"}, nil)
	if !errors.Is(err, relay_errors.ErrAuthFailed) {
		t.Fatalf("Dial error = %v, want ErrAuthFailed", err)
	}
}
