package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"marketdata-relay/internal/symbolref"
	relay_errors "marketdata-relay/pkg/errors"
	"marketdata-relay/pkg/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	proxyWriteWait  = 10 * time.Second
	proxyPongWait   = 60 * time.Second
	proxyPingPeriod = (proxyPongWait * 9) / 10
)

// ProxyDialer connects to a websocket market-data proxy that authenticates
// with the user's API key.
type ProxyDialer struct {
	URL     string
	Timeout time.Duration
	Logger  *logger.Logger
}

func (d *ProxyDialer) Name() string { return "proxy" }

type proxyRequest struct {
	Action  string                `json:"action"`
	APIKey  string                `json:"api_key,omitempty"`
	Symbols []symbolref.SymbolRef `json:"symbols,omitempty"`
	Mode    Mode                  `json:"mode,omitempty"`
}

type proxyEnvelope struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type proxyConn struct {
	conn          *websocket.Conn
	onTick        TickHandler
	log           *zap.Logger
	writeMu       sync.Mutex
	connected     atomic.Bool
	authenticated atomic.Bool
	authResult    chan proxyEnvelope
	done          chan struct{}
	closeOnce     sync.Once
}

func (d *ProxyDialer) Dial(ctx context.Context, creds Credentials, onTick TickHandler) (Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial proxy %s: %w", d.URL, err)
	}

	log := zap.NewNop()
	if d.Logger != nil {
		log = d.Logger.Logger
	}
	pc := &proxyConn{
		conn:       ws,
		onTick:     onTick,
		log:        log.With(zap.String("component", "feed.proxy"), zap.String("username", creds.Username)),
		authResult: make(chan proxyEnvelope, 1),
		done:       make(chan struct{}),
	}
	pc.connected.Store(true)

	go pc.readLoop()
	go pc.pingLoop()

	if err := pc.send(proxyRequest{Action: "authenticate", APIKey: creds.APIKey}); err != nil {
		pc.Close()
		return nil, err
	}

	select {
	case env := <-pc.authResult:
		if env.Status != "success" {
			pc.Close()
			return nil, fmt.Errorf("%w: %s", relay_errors.ErrAuthFailed, env.Message)
		}
		pc.authenticated.Store(true)
	case <-pc.done:
		return nil, relay_errors.ErrNotConnected
	case <-dialCtx.Done():
		pc.Close()
		return nil, fmt.Errorf("%w: %v", relay_errors.ErrAuthFailed, dialCtx.Err())
	}

	return pc, nil
}

func (p *proxyConn) Subscribe(ctx context.Context, refs []symbolref.SymbolRef, mode Mode) error {
	return p.send(proxyRequest{Action: "subscribe", Symbols: refs, Mode: mode})
}

func (p *proxyConn) Unsubscribe(ctx context.Context, refs []symbolref.SymbolRef, mode Mode) error {
	return p.send(proxyRequest{Action: "unsubscribe", Symbols: refs, Mode: mode})
}

func (p *proxyConn) Connected() bool     { return p.connected.Load() }
func (p *proxyConn) Authenticated() bool { return p.authenticated.Load() }

func (p *proxyConn) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.connected.Store(false)
		p.authenticated.Store(false)
		p.writeMu.Lock()
		_ = p.conn.SetWriteDeadline(time.Now().Add(proxyWriteWait))
		_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		p.writeMu.Unlock()
		err = p.conn.Close()
		close(p.done)
	})
	return err
}

func (p *proxyConn) send(req proxyRequest) error {
	if !p.Connected() {
		return relay_errors.ErrNotConnected
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(proxyWriteWait))
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", req.Action, err)
	}
	return nil
}

func (p *proxyConn) readLoop() {
	defer p.Close()

	_ = p.conn.SetReadDeadline(time.Now().Add(proxyPongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(proxyPongWait))
	})

	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.log.Warn("proxy connection closed", zap.Error(err))
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(proxyPongWait))
		p.handle(message)
	}
}

func (p *proxyConn) handle(message []byte) {
	var env proxyEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		p.log.Warn("invalid proxy frame", zap.Error(err))
		return
	}

	switch env.Type {
	case "auth":
		select {
		case p.authResult <- env:
		default:
		}
	case TickTypeMarketData:
		var tick Tick
		if err := json.Unmarshal(message, &tick); err != nil {
			p.log.Warn("invalid market data frame", zap.Error(err))
			return
		}
		if p.onTick != nil {
			p.onTick(tick)
		}
	case "error":
		p.log.Warn("proxy error", zap.String("message", env.Message))
	}
}

func (p *proxyConn) pingLoop() {
	ticker := time.NewTicker(proxyPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.writeMu.Lock()
			_ = p.conn.SetWriteDeadline(time.Now().Add(proxyWriteWait))
			err := p.conn.WriteMessage(websocket.PingMessage, nil)
			p.writeMu.Unlock()
			if err != nil {
				p.Close()
				return
			}
		}
	}
}
