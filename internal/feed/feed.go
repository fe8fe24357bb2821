// Package feed connects a user's market-data session to an upstream source.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"marketdata-relay/internal/symbolref"
	relay_errors "marketdata-relay/pkg/errors"
)

type Mode int

const (
	ModeLTP   Mode = 1
	ModeQuote Mode = 2
	ModeDepth Mode = 3
)

func (m Mode) String() string {
	switch m {
	case ModeLTP:
		return "LTP"
	case ModeQuote:
		return "Quote"
	case ModeDepth:
		return "Depth"
	default:
		return "Mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// ParseMode accepts a mode name or number. An empty string means Quote.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return ModeQuote, nil
	case "ltp", "1":
		return ModeLTP, nil
	case "quote", "2":
		return ModeQuote, nil
	case "depth", "3":
		return ModeDepth, nil
	}
	return 0, fmt.Errorf("%w: %q", relay_errors.ErrInvalidMode, s)
}

const TickTypeMarketData = "market_data"

// Tick is one market-data update. Data is relayed without interpretation.
type Tick struct {
	Type     string          `json:"type"`
	Exchange string          `json:"exchange"`
	Symbol   string          `json:"symbol"`
	Mode     Mode            `json:"mode"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type Credentials struct {
	Username string
	Broker   string
	APIKey   string
}

type TickHandler func(Tick)

// Conn is one user's upstream session.
type Conn interface {
	Subscribe(ctx context.Context, refs []symbolref.SymbolRef, mode Mode) error
	Unsubscribe(ctx context.Context, refs []symbolref.SymbolRef, mode Mode) error
	Connected() bool
	Authenticated() bool
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, creds Credentials, onTick TickHandler) (Conn, error)
	Name() string
}
