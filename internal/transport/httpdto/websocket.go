package httpdto

import (
	"bytes"
	"encoding/json"
	"strconv"

	"marketdata-relay/internal/domain/symbol"
)

// SymbolSearchResult is one row of GET /websocket/search.
type SymbolSearchResult struct {
	Symbol         string `json:"symbol"`
	Name           string `json:"name"`
	Exchange       string `json:"exchange"`
	Token          string `json:"token"`
	InstrumentType string `json:"instrumenttype"`
}

func NewSymbolSearchResults(rows []symbol.Symbol) []SymbolSearchResult {
	out := make([]SymbolSearchResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, SymbolSearchResult{
			Symbol:         r.Symbol,
			Name:           r.Name,
			Exchange:       r.Exchange,
			Token:          r.Token,
			InstrumentType: r.InstrumentType,
		})
	}
	return out
}

// SubscribeRequest is the body of subscribe and unsubscribe. Symbols are
// "EXCHANGE:SYMBOL" or a bare symbol.
type SubscribeRequest struct {
	Symbols []string  `json:"symbols"`
	Mode    ModeValue `json:"mode"`
}

// ModeValue accepts a mode as a name ("LTP") or a number (1).
type ModeValue string

func (m *ModeValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*m = ModeValue(s)
		return nil
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return err
	}
	*m = ModeValue(strconv.Itoa(n))
	return nil
}

// ErrorBody is the {"error": ...} shape the market-data routes answer with.
type ErrorBody struct {
	Error string `json:"error"`
}
