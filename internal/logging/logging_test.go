package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-backtester/internal/config"
	"options-backtester/internal/models"
)

func lastEvent(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var m map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &m))
	return m
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	ctx := WithLogger(context.Background(), logger)
	ctxLogger := FromContext(ctx)
	ctxLogger.Info().Msg("hello")
	assert.Equal(t, "hello", lastEvent(t, &buf)["message"])

	// A bare context yields a no-op logger.
	bareLogger := FromContext(context.Background())
	bareLogger.Info().Msg("dropped")
	assert.Equal(t, "hello", lastEvent(t, &buf)["message"])
}

func TestTradeEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := WithStrategy(WithRun(zerolog.New(&buf).Level(zerolog.DebugLevel), "01RUN"), "bull-put")

	trade := &models.BacktestTrade{
		TradeID:      7,
		SignalType:   models.SignalSellPutSpread,
		EntryTime:    time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC),
		EntryPremium: 120,
		Status:       models.TradeClosed,
		ExitReason:   models.ExitProfitTarget,
		PnL:          60,
		Commissions:  2.6,
	}

	LogFill(logger, trade)
	ev := lastEvent(t, &buf)
	assert.Equal(t, "fill", ev["event"])
	assert.Equal(t, "01RUN", ev["run_id"])
	assert.Equal(t, "bull-put", ev["strategy"])
	assert.EqualValues(t, 7, ev["trade_id"])

	LogClose(logger, trade)
	ev = lastEvent(t, &buf)
	assert.Equal(t, "profit_target", ev["reason"])
	assert.InDelta(t, 57.4, ev["net_pnl"].(float64), 1e-9)

	signal := &models.OptionSignal{SignalType: models.SignalIronCondor, Underlying: "SPY"}
	LogRejection(logger, signal, "liquidity", errors.New("wide spread"))
	ev = lastEvent(t, &buf)
	assert.Equal(t, "rejection", ev["event"])
	assert.Equal(t, "iron_condor", ev["signal"])
	assert.Equal(t, "wide spread", ev["error"])
}

func TestNewLoggerWithConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "backtest.log")
	logger := NewLoggerWithConfig(config.LogConfig{
		Level:      "info",
		File:       true,
		FilePath:   path,
		MaxSize:    1,
		MaxBackups: 1,
		MaxAge:     1,
	})
	logger.Info().Str("k", "v").Msg("written")
	logger.Debug().Msg("filtered")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"written"`)
	assert.NotContains(t, string(data), "filtered")
}
