// Package symbolref turns "EXCHANGE:SYMBOL" strings into exchange/symbol pairs.
package symbolref

import "strings"

// DefaultExchange is used for entries that carry no exchange prefix.
const DefaultExchange = "NSE"

const separator = ":"

// SymbolRef identifies an instrument on an exchange.
type SymbolRef struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
}

// Key returns the canonical "EXCHANGE:SYMBOL" form.
func (r SymbolRef) Key() string {
	return r.Exchange + separator + r.Symbol
}

// ParseSymbolRefs maps each entry to a SymbolRef, splitting on the first
// separator. Order and length are preserved; values are not validated.
func ParseSymbolRefs(entries []string) []SymbolRef {
	refs := make([]SymbolRef, 0, len(entries))
	for _, s := range entries {
		if exchange, symbol, ok := strings.Cut(s, separator); ok {
			refs = append(refs, SymbolRef{Exchange: exchange, Symbol: symbol})
			continue
		}
		refs = append(refs, SymbolRef{Exchange: DefaultExchange, Symbol: s})
	}
	return refs
}
