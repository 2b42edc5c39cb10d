package backtest

import (
	"sort"

	"options-backtester/internal/models"
)

// tradeBook is the single owner of every trade in a run. Trades are looked up
// by ID; nothing outside the book holds a trade pointer across ticks.
type tradeBook struct {
	trades []*models.BacktestTrade // append-only log, index = id-1
	open   map[int64]struct{}
}

func newTradeBook() *tradeBook {
	return &tradeBook{open: make(map[int64]struct{})}
}

// add assigns the next monotonic ID and opens the trade.
func (b *tradeBook) add(t *models.BacktestTrade) int64 {
	t.TradeID = int64(len(b.trades) + 1)
	b.trades = append(b.trades, t)
	b.open[t.TradeID] = struct{}{}
	return t.TradeID
}

func (b *tradeBook) get(id int64) *models.BacktestTrade {
	if id < 1 || int(id) > len(b.trades) {
		return nil
	}
	return b.trades[id-1]
}

// markClosed removes id from the open index; the trade stays in the log.
func (b *tradeBook) markClosed(id int64) {
	delete(b.open, id)
}

func (b *tradeBook) openCount() int {
	return len(b.open)
}

// openIDs returns open trade IDs in ascending order so every pass over open
// positions draws randomness in the same sequence.
func (b *tradeBook) openIDs() []int64 {
	ids := make([]int64, 0, len(b.open))
	for id := range b.open {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// snapshot deep-copies the log.
func (b *tradeBook) snapshot() []models.BacktestTrade {
	out := make([]models.BacktestTrade, len(b.trades))
	for i, t := range b.trades {
		out[i] = t.Clone()
	}
	return out
}
