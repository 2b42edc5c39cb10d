// Package logging provides structured logging functionality.
package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"options-backtester/internal/config"
	"options-backtester/internal/models"
)

// NewLogger creates a new logger with default configuration.
func NewLogger() zerolog.Logger {
	return NewLoggerWithConfig(config.Default().Log)
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
// Console output goes to stderr so stdout stays free for reports.
func NewLoggerWithConfig(cfg config.LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
			FormatLevel: func(i interface{}) string {
				if ll, ok := i.(string); ok {
					switch ll {
					case "debug":
						return "\033[36mDBG\033[0m"
					case "info":
						return "\033[32mINF\033[0m"
					case "warn":
						return "\033[33mWRN\033[0m"
					case "error":
						return "\033[31mERR\033[0m"
					default:
						return ll
					}
				}
				return "???"
			},
		}
		writers = append(writers, consoleWriter)
	}

	// File writer with rotation
	if cfg.File {
		logDir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(logDir, 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(writer).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

// ParseLevel maps a config level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ContextKey is the type for context keys.
type ContextKey string

// LoggerKey is the context key for the logger.
const LoggerKey ContextKey = "logger"

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the logger from context.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}

// WithRun tags every event with the run identifier.
func WithRun(logger zerolog.Logger, runID string) zerolog.Logger {
	return logger.With().Str("run_id", runID).Logger()
}

// WithStrategy adds a strategy name to the logger context.
func WithStrategy(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("strategy", name).Logger()
}

// LogFill logs a newly opened trade.
func LogFill(logger zerolog.Logger, trade *models.BacktestTrade) {
	logger.Debug().
		Str("event", "fill").
		Int64("trade_id", trade.TradeID).
		Str("signal", string(trade.SignalType)).
		Int("legs", len(trade.Legs)).
		Float64("premium", trade.EntryPremium).
		Float64("collateral", trade.CollateralRequired).
		Time("at", trade.EntryTime).
		Msg("Trade opened")
}

// LogClose logs a closed trade.
func LogClose(logger zerolog.Logger, trade *models.BacktestTrade) {
	logger.Debug().
		Str("event", "close").
		Int64("trade_id", trade.TradeID).
		Str("status", string(trade.Status)).
		Str("reason", string(trade.ExitReason)).
		Float64("pnl", trade.PnL).
		Float64("net_pnl", trade.NetPnL()).
		Msg("Trade closed")
}

// LogRejection logs a signal that did not become a trade.
func LogRejection(logger zerolog.Logger, signal *models.OptionSignal, reason string, err error) {
	logger.Debug().
		Str("event", "rejection").
		Str("signal", string(signal.SignalType)).
		Str("underlying", signal.Underlying).
		Str("reason", reason).
		Err(err).
		Msg("Signal rejected")
}
