package symbol

// Symbol is one row of the broker master contract.
type Symbol struct {
	ID             int64
	Symbol         string
	BrSymbol       string
	Name           string
	Exchange       string
	BrExchange     string
	Token          string
	Expiry         string
	Strike         float64
	LotSize        int
	InstrumentType string
	TickSize       float64
}
