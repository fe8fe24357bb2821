package feed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"marketdata-relay/internal/symbolref"
	"marketdata-relay/pkg/logger"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaDialer reads a shared ticks topic keyed by "EXCHANGE:SYMBOL" and keeps
// only the keys the session subscribed to.
type KafkaDialer struct {
	Brokers []string
	Topic   string
	Logger  *logger.Logger
}

func (d *KafkaDialer) Name() string { return "kafka" }

type kafkaConn struct {
	reader *kafka.Reader
	onTick TickHandler
	log    *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
	alive  atomic.Bool

	mu    sync.RWMutex
	modes map[string]map[Mode]struct{}
}

func (d *KafkaDialer) Dial(ctx context.Context, creds Credentials, onTick TickHandler) (Conn, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: d.Brokers,
		Topic:   d.Topic,
		// One group per session so every session sees every tick.
		GroupID:     "marketdata-relay-" + creds.Username + "-" + uuid.NewString(),
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     200 * time.Millisecond,
	})

	log := zap.NewNop()
	if d.Logger != nil {
		log = d.Logger.Logger
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	kc := &kafkaConn{
		reader: reader,
		onTick: onTick,
		log:    log.With(zap.String("component", "feed.kafka"), zap.String("username", creds.Username)),
		cancel: cancel,
		done:   make(chan struct{}),
		modes:  make(map[string]map[Mode]struct{}),
	}
	kc.alive.Store(true)
	go kc.readLoop(loopCtx)
	return kc, nil
}

func (c *kafkaConn) readLoop(ctx context.Context) {
	defer close(c.done)
	defer c.alive.Store(false)

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.log.Warn("kafka read failed", zap.Error(err))
			}
			return
		}
		c.dispatch(msg.Key, msg.Value)
	}
}

func (c *kafkaConn) dispatch(key, value []byte) {
	ref, ok := parseTickKey(string(key))
	if !ok || c.onTick == nil {
		return
	}

	c.mu.RLock()
	modes := make([]Mode, 0, len(c.modes[ref.Key()]))
	for m := range c.modes[ref.Key()] {
		modes = append(modes, m)
	}
	c.mu.RUnlock()

	for _, m := range modes {
		c.onTick(Tick{
			Type:     TickTypeMarketData,
			Exchange: ref.Exchange,
			Symbol:   ref.Symbol,
			Mode:     m,
			Data:     append([]byte(nil), value...),
		})
	}
}

// parseTickKey expects an explicit exchange; bare symbols are not routed.
func parseTickKey(key string) (symbolref.SymbolRef, bool) {
	exchange, symbol, ok := strings.Cut(key, ":")
	if !ok || exchange == "" || symbol == "" {
		return symbolref.SymbolRef{}, false
	}
	return symbolref.SymbolRef{Exchange: exchange, Symbol: symbol}, true
}

func (c *kafkaConn) Subscribe(ctx context.Context, refs []symbolref.SymbolRef, mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ref := range refs {
		if c.modes[ref.Key()] == nil {
			c.modes[ref.Key()] = make(map[Mode]struct{})
		}
		c.modes[ref.Key()][mode] = struct{}{}
	}
	return nil
}

func (c *kafkaConn) Unsubscribe(ctx context.Context, refs []symbolref.SymbolRef, mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ref := range refs {
		delete(c.modes[ref.Key()], mode)
		if len(c.modes[ref.Key()]) == 0 {
			delete(c.modes, ref.Key())
		}
	}
	return nil
}

func (c *kafkaConn) Connected() bool     { return c.alive.Load() }
func (c *kafkaConn) Authenticated() bool { return c.alive.Load() }

func (c *kafkaConn) Close() error {
	c.cancel()
	<-c.done
	return c.reader.Close()
}
