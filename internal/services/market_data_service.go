package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"marketdata-relay/internal/feed"
	"marketdata-relay/internal/symbolref"
	relay_errors "marketdata-relay/pkg/errors"
	"marketdata-relay/pkg/logger"

	"go.uber.org/zap"
)

// Result is what every market-data operation returns: a success flag, a JSON
// body and the HTTP status the route should answer with.
type Result struct {
	Success bool
	Body    map[string]any
	Status  int
}

type MarketDataCallback func(tick feed.Tick)

type APIKeyResolver interface {
	APIKeyForUser(ctx context.Context, username string) (string, error)
}

type MarketDataService interface {
	Status(ctx context.Context, username string) Result
	Subscriptions(ctx context.Context, username string) Result
	Subscribe(ctx context.Context, username, broker string, refs []symbolref.SymbolRef, mode string) Result
	Unsubscribe(ctx context.Context, username, broker string, refs []symbolref.SymbolRef, mode string) Result
	UnsubscribeAll(ctx context.Context, username string) Result
	RegisterCallback(username, key string, cb MarketDataCallback)
	UnregisterCallback(username, key string)
}

type subscription struct {
	Ref  symbolref.SymbolRef
	Mode feed.Mode
}

func (s subscription) key() string {
	return fmt.Sprintf("%s:%d", s.Ref.Key(), s.Mode)
}

func (s subscription) view() map[string]any {
	return map[string]any{
		"exchange": s.Ref.Exchange,
		"symbol":   s.Ref.Symbol,
		"mode":     s.Mode.String(),
	}
}

type userStream struct {
	mu     sync.Mutex
	conn   feed.Conn
	broker string
	subs   map[string]subscription
	// closed is set under mu once the stream has left s.streams.
	closed bool
}

// StreamService keeps one upstream feed session per user.
type StreamService struct {
	dialer feed.Dialer
	keys   APIKeyResolver
	log    *logger.Logger

	mu      sync.Mutex
	streams map[string]*userStream

	cbMu      sync.RWMutex
	callbacks map[string]map[string]MarketDataCallback
}

func NewStreamService(dialer feed.Dialer, keys APIKeyResolver, l *logger.Logger) *StreamService {
	if l == nil {
		l = logger.NewNop()
	}
	return &StreamService{
		dialer:    dialer,
		keys:      keys,
		log:       l.Named("market_data"),
		streams:   make(map[string]*userStream),
		callbacks: make(map[string]map[string]MarketDataCallback),
	}
}

func errorResult(status int, message string) Result {
	return Result{
		Success: false,
		Status:  status,
		Body:    map[string]any{"status": "error", "message": message},
	}
}

func (s *StreamService) stream(username string, create bool) *userStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[username]
	if !ok && create {
		st = &userStream{subs: make(map[string]subscription)}
		s.streams[username] = st
	}
	return st
}

// lockStream returns the user's current stream with st.mu held. A stream that
// was dropped while the caller waited for its lock is skipped.
func (s *StreamService) lockStream(username string, create bool) *userStream {
	for {
		st := s.stream(username, create)
		if st == nil {
			return nil
		}
		st.mu.Lock()
		if !st.closed {
			return st
		}
		st.mu.Unlock()
	}
}

// dropStream removes st from the registry. Caller holds st.mu.
func (s *StreamService) dropStream(username string, st *userStream) {
	st.closed = true
	s.mu.Lock()
	if s.streams[username] == st {
		delete(s.streams, username)
	}
	s.mu.Unlock()
}

// ensureConn dials when the user has no live upstream session and replays the
// recorded subscriptions on a redial. Caller holds st.mu.
func (s *StreamService) ensureConn(ctx context.Context, username, broker string, st *userStream) error {
	if st.conn != nil && st.conn.Connected() {
		return nil
	}
	if st.conn != nil {
		_ = st.conn.Close()
		st.conn = nil
	}

	apiKey, err := s.keys.APIKeyForUser(ctx, username)
	if err != nil {
		return fmt.Errorf("resolve api key: %w", err)
	}
	if apiKey == "" {
		return relay_errors.ErrAPIKeyNotFound
	}

	conn, err := s.dialer.Dial(ctx, feed.Credentials{Username: username, Broker: broker, APIKey: apiKey}, s.dispatcher(username))
	if err != nil {
		return err
	}
	st.conn = conn
	st.broker = broker

	for mode, refs := range groupByMode(st.subs) {
		if err := conn.Subscribe(ctx, refs, mode); err != nil {
			s.log.WithContext(ctx).Warn("resubscribe failed", zap.String("username", username), zap.Stringer("mode", mode), zap.Error(err))
		}
	}
	s.log.WithContext(ctx).Info("upstream session opened",
		zap.String("username", username),
		zap.String("broker", broker),
		zap.String("transport", s.dialer.Name()),
		zap.Int("resubscribed", len(st.subs)))
	return nil
}

func groupByMode(subs map[string]subscription) map[feed.Mode][]symbolref.SymbolRef {
	out := make(map[feed.Mode][]symbolref.SymbolRef)
	for _, sub := range subs {
		out[sub.Mode] = append(out[sub.Mode], sub.Ref)
	}
	return out
}

func sortedViews(subs []subscription) []map[string]any {
	sort.Slice(subs, func(i, j int) bool { return subs[i].key() < subs[j].key() })
	out := make([]map[string]any, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.view())
	}
	return out
}

func (s *StreamService) Subscribe(ctx context.Context, username, broker string, refs []symbolref.SymbolRef, mode string) Result {
	m, err := feed.ParseMode(mode)
	if err != nil {
		return errorResult(400, err.Error())
	}
	if len(refs) == 0 {
		return errorResult(400, "No symbols provided")
	}

	st := s.lockStream(username, true)
	defer st.mu.Unlock()

	if err := s.ensureConn(ctx, username, broker, st); err != nil {
		if len(st.subs) == 0 {
			s.dropStream(username, st)
		}
		s.log.WithContext(ctx).Error("upstream connect failed", zap.String("username", username), zap.Error(err))
		return errorResult(500, fmt.Sprintf("Failed to connect to market data feed: %v", err))
	}

	var fresh []symbolref.SymbolRef
	requested := make([]subscription, 0, len(refs))
	for _, ref := range refs {
		sub := subscription{Ref: ref, Mode: m}
		requested = append(requested, sub)
		if _, ok := st.subs[sub.key()]; !ok {
			fresh = append(fresh, ref)
		}
	}

	if len(fresh) > 0 {
		if err := st.conn.Subscribe(ctx, fresh, m); err != nil {
			s.log.WithContext(ctx).Error("subscribe failed", zap.String("username", username), zap.Error(err))
			return errorResult(500, fmt.Sprintf("Failed to subscribe: %v", err))
		}
		for _, ref := range fresh {
			sub := subscription{Ref: ref, Mode: m}
			st.subs[sub.key()] = sub
		}
	}

	return Result{
		Success: true,
		Status:  200,
		Body: map[string]any{
			"status":        "success",
			"message":       fmt.Sprintf("Subscribed to %d symbols in %s mode", len(refs), m),
			"subscriptions": sortedViews(requested),
			"broker":        st.broker,
		},
	}
}

func (s *StreamService) Unsubscribe(ctx context.Context, username, broker string, refs []symbolref.SymbolRef, mode string) Result {
	m, err := feed.ParseMode(mode)
	if err != nil {
		return errorResult(400, err.Error())
	}

	st := s.lockStream(username, false)
	if st == nil {
		return errorResult(404, "No active WebSocket connection")
	}
	defer st.mu.Unlock()
	if st.conn == nil {
		return errorResult(404, "No active WebSocket connection")
	}

	var known []symbolref.SymbolRef
	var removed, missing []subscription
	for _, ref := range refs {
		sub := subscription{Ref: ref, Mode: m}
		if _, ok := st.subs[sub.key()]; ok {
			known = append(known, ref)
			removed = append(removed, sub)
		} else {
			missing = append(missing, sub)
		}
	}

	if len(known) > 0 && st.conn.Connected() {
		if err := st.conn.Unsubscribe(ctx, known, m); err != nil {
			s.log.WithContext(ctx).Error("unsubscribe failed", zap.String("username", username), zap.Error(err))
			return errorResult(500, fmt.Sprintf("Failed to unsubscribe: %v", err))
		}
	}
	for _, sub := range removed {
		delete(st.subs, sub.key())
	}

	return Result{
		Success: true,
		Status:  200,
		Body: map[string]any{
			"status":         "success",
			"message":        fmt.Sprintf("Unsubscribed from %d symbols", len(removed)),
			"unsubscribed":   sortedViews(removed),
			"not_subscribed": sortedViews(missing),
			"broker":         st.broker,
		},
	}
}

func (s *StreamService) UnsubscribeAll(ctx context.Context, username string) Result {
	st := s.lockStream(username, false)
	if st == nil {
		return errorResult(404, "No active WebSocket connection")
	}
	defer st.mu.Unlock()

	count := len(st.subs)
	if st.conn != nil {
		if st.conn.Connected() {
			for mode, refs := range groupByMode(st.subs) {
				if err := st.conn.Unsubscribe(ctx, refs, mode); err != nil {
					s.log.WithContext(ctx).Warn("unsubscribe all failed", zap.String("username", username), zap.Error(err))
				}
			}
		}
		_ = st.conn.Close()
		st.conn = nil
	}
	st.subs = make(map[string]subscription)
	s.dropStream(username, st)

	return Result{
		Success: true,
		Status:  200,
		Body: map[string]any{
			"status":  "success",
			"message": fmt.Sprintf("Unsubscribed from all %d subscriptions", count),
			"count":   count,
		},
	}
}

func (s *StreamService) snapshot(username string) (connected, authenticated bool, broker string, subs []subscription) {
	st := s.lockStream(username, false)
	if st == nil {
		return false, false, "", nil
	}
	defer st.mu.Unlock()
	if st.conn != nil {
		connected = st.conn.Connected()
		authenticated = st.conn.Authenticated()
	}
	for _, sub := range st.subs {
		subs = append(subs, sub)
	}
	return connected, authenticated, st.broker, subs
}

func (s *StreamService) Subscriptions(ctx context.Context, username string) Result {
	_, _, _, subs := s.snapshot(username)
	return Result{
		Success: true,
		Status:  200,
		Body: map[string]any{
			"status":        "success",
			"subscriptions": sortedViews(subs),
			"count":         len(subs),
		},
	}
}

func (s *StreamService) Status(ctx context.Context, username string) Result {
	connected, authenticated, broker, subs := s.snapshot(username)
	return Result{
		Success: true,
		Status:  200,
		Body: map[string]any{
			"status":               "success",
			"connected":            connected,
			"authenticated":        authenticated,
			"broker":               broker,
			"active_subscriptions": len(subs),
			"subscriptions":        sortedViews(subs),
			"callbacks":            s.CallbackCount(username),
			"transport":            s.dialer.Name(),
		},
	}
}

// RegisterCallback stores cb under key, replacing any previous callback with
// the same key.
func (s *StreamService) RegisterCallback(username, key string, cb MarketDataCallback) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	if s.callbacks[username] == nil {
		s.callbacks[username] = make(map[string]MarketDataCallback)
	}
	s.callbacks[username][key] = cb
}

func (s *StreamService) UnregisterCallback(username, key string) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	delete(s.callbacks[username], key)
	if len(s.callbacks[username]) == 0 {
		delete(s.callbacks, username)
	}
}

func (s *StreamService) CallbackCount(username string) int {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	return len(s.callbacks[username])
}

func (s *StreamService) dispatcher(username string) feed.TickHandler {
	return func(tick feed.Tick) {
		s.cbMu.RLock()
		cbs := make([]MarketDataCallback, 0, len(s.callbacks[username]))
		for _, cb := range s.callbacks[username] {
			cbs = append(cbs, cb)
		}
		s.cbMu.RUnlock()

		for _, cb := range cbs {
			cb(tick)
		}
	}
}

// Close shuts every upstream session.
func (s *StreamService) Close() {
	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[string]*userStream)
	s.mu.Unlock()

	for username, st := range streams {
		st.mu.Lock()
		st.closed = true
		if st.conn != nil {
			if err := st.conn.Close(); err != nil {
				s.log.Warnf("close upstream session for %s: %v", username, err)
			}
			st.conn = nil
		}
		st.mu.Unlock()
	}
}
