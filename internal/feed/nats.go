package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"marketdata-relay/internal/symbolref"
	relay_errors "marketdata-relay/pkg/errors"

	"github.com/nats-io/nats.go"
)

// NATSDialer reads ticks published on <prefix>.<EXCHANGE>.<SYMBOL>.
type NATSDialer struct {
	URL           string
	SubjectPrefix string
	Timeout       time.Duration
}

func (d *NATSDialer) Name() string { return "nats" }

type natsConn struct {
	nc     *nats.Conn
	prefix string
	onTick TickHandler

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func (d *NATSDialer) Dial(ctx context.Context, creds Credentials, onTick TickHandler) (Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	nc, err := nats.Connect(d.URL,
		nats.Name("marketdata-relay:"+creds.Username),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", d.URL, err)
	}
	return &natsConn{
		nc:     nc,
		prefix: d.SubjectPrefix,
		onTick: onTick,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Subject builds the subject for ref. Characters NATS treats as separators or
// wildcards are replaced with '_'.
func Subject(prefix string, ref symbolref.SymbolRef) string {
	return prefix + "." + subjectToken(ref.Exchange) + "." + subjectToken(ref.Symbol)
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func subjectToken(s string) string {
	return subjectReplacer.Replace(strings.ToUpper(s))
}

func natsSubKey(subject string, mode Mode) string {
	return fmt.Sprintf("%s|%d", subject, mode)
}

func (c *natsConn) Subscribe(ctx context.Context, refs []symbolref.SymbolRef, mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ref := range refs {
		subject := Subject(c.prefix, ref)
		key := natsSubKey(subject, mode)
		if _, ok := c.subs[key]; ok {
			continue
		}
		ref := ref
		sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
			if c.onTick == nil {
				return
			}
			c.onTick(Tick{
				Type:     TickTypeMarketData,
				Exchange: ref.Exchange,
				Symbol:   ref.Symbol,
				Mode:     mode,
				Data:     append([]byte(nil), msg.Data...),
			})
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		c.subs[key] = sub
	}
	return nil
}

func (c *natsConn) Unsubscribe(ctx context.Context, refs []symbolref.SymbolRef, mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ref := range refs {
		key := natsSubKey(Subject(c.prefix, ref), mode)
		sub, ok := c.subs[key]
		if !ok {
			continue
		}
		delete(c.subs, key)
		if err := sub.Unsubscribe(); err != nil && c.nc.IsConnected() {
			return err
		}
	}
	return nil
}

func (c *natsConn) Connected() bool { return c.nc.IsConnected() }

// NATS has no per-user handshake; a live connection counts as authenticated.
func (c *natsConn) Authenticated() bool { return c.nc.IsConnected() }

func (c *natsConn) Close() error {
	if c.nc.IsClosed() {
		return relay_errors.ErrNotConnected
	}
	c.mu.Lock()
	c.subs = make(map[string]*nats.Subscription)
	c.mu.Unlock()
	return c.nc.Drain()
}
