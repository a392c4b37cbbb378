package marketdata

import (
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/shopspring/decimal"
)

// Snapshot is the per-run table of each symbol's current bar plus a bounded
// window of earlier bars. The broker reads it for conditional fills, the
// portfolio for mark-to-market and the risk manager for dampeners.
type Snapshot struct {
	depth   int
	current map[string]types.MarketEvent
	history map[string][]types.MarketEvent
}

func NewSnapshot(depth int) *Snapshot {
	if depth < 1 {
		depth = 1
	}
	return &Snapshot{
		depth:   depth,
		current: make(map[string]types.MarketEvent),
		history: make(map[string][]types.MarketEvent),
	}
}

// Update makes bar the current bar of its symbol
func (s *Snapshot) Update(bar types.MarketEvent) {
	s.current[bar.Symbol] = bar

	h := append(s.history[bar.Symbol], bar)
	if len(h) > s.depth {
		h = h[len(h)-s.depth:]
	}
	s.history[bar.Symbol] = h
}

func (s *Snapshot) Bar(symbol string) (types.MarketEvent, bool) {
	bar, ok := s.current[symbol]
	return bar, ok
}

// CurrentPrice is the close of the symbol's current bar
func (s *Snapshot) CurrentPrice(symbol string) (decimal.Decimal, bool) {
	bar, ok := s.current[symbol]
	if !ok {
		return decimal.Zero, false
	}
	return bar.Close, true
}

// RecentBars returns up to n of the latest bars, oldest first
func (s *Snapshot) RecentBars(symbol string, n int) []types.MarketEvent {
	h := s.history[symbol]
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	out := make([]types.MarketEvent, len(h))
	copy(out, h)
	return out
}
