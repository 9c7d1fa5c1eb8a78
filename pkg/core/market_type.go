package core

// MarketType represents the Kraken market a client talks to.
type MarketType int

// Market type constants define the available trading market categories.
const (
	// MarketTypeSpot indicates the spot trading API (api.kraken.com).
	MarketTypeSpot MarketType = iota
	// MarketTypeFutures indicates the derivatives API (futures.kraken.com).
	MarketTypeFutures
)

// String returns the string representation of the market type ("spot" or "futures").
func (m MarketType) String() string {
	return [...]string{
		"spot",
		"futures",
	}[m]
}
