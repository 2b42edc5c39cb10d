package performance

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-backtester/internal/models"
	"options-backtester/internal/pricing"
)

func TestBatchProcessorFunctionality(t *testing.T) {
	var batches [][]int

	processor := NewBatchProcessor(5, func(items []int) error {
		batch := make([]int, len(items))
		copy(batch, items)
		batches = append(batches, batch)
		return nil
	})

	// 12 items: two full batches and a remainder of two.
	for i := 0; i < 12; i++ {
		require.NoError(t, processor.Add(i))
	}
	require.NoError(t, processor.Flush())
	require.NoError(t, processor.Flush(), "flushing an empty batch is a no-op")

	require.Len(t, batches, 3)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, batches[0])
	assert.Equal(t, []int{10, 11}, batches[2])
	assert.Equal(t, 12, processor.Processed())
}

func TestBatchProcessorErrors(t *testing.T) {
	boom := errors.New("disk full")
	calls := 0
	processor := NewBatchProcessor(0, func(items []string) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})

	assert.NoError(t, processor.Add("a"))
	assert.ErrorIs(t, processor.Add("b"), boom)
	assert.NoError(t, processor.Add("c"))
	assert.Equal(t, 2, processor.Processed(), "failed batch is not counted")
}

func TestMemoryStats(t *testing.T) {
	stats := MemoryStats()
	assert.NotZero(t, stats.HeapAlloc)
	assert.NotZero(t, stats.Sys)
	assert.Positive(t, stats.Goroutines)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KB", FormatBytes(1536))
	assert.Equal(t, "10.0 MB", FormatBytes(10<<20))
	assert.Equal(t, "2.0 GB", FormatBytes(2<<30))
	assert.Equal(t, "2048.0 TB", FormatBytes(2<<50))
}

func BenchmarkBatchProcessor(b *testing.B) {
	processor := NewBatchProcessor(100, func(items []int) error { return nil })
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = processor.Add(i)
	}
	_ = processor.Flush()
}

func BenchmarkImpliedVolatility(b *testing.B) {
	p := pricing.Params{Spot: 410, Strike: 400, TimeToExpiry: 28.0 / 365, RiskFreeRate: 0.05, Type: models.OptionTypePut}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pricing.ImpliedVolatility(2.05, p)
	}
}

func BenchmarkEnrichChain(b *testing.B) {
	ts := time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)
	chain := &models.OptionChain{Underlying: "SPY", UnderlyingPrice: 410, Timestamp: ts}
	for k := 350.0; k <= 470; k += 1 {
		typ := models.OptionTypePut
		if k > 410 {
			typ = models.OptionTypeCall
		}
		chain.Contracts = append(chain.Contracts, models.OptionContract{
			Symbol: "X", Type: typ, Strike: k, Bid: 1.0, Ask: 1.1, Expiration: ts.AddDate(0, 1, 0),
		})
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pricing.Enrich(chain, 0.05, 0)
	}
}
