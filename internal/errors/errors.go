// Package errors provides custom error types for backtest-specific errors.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Standard sentinel errors
var (
	ErrNoChainData             = errors.New("no option chain data in range")
	ErrMaxPositions            = errors.New("max concurrent positions reached")
	ErrInsufficientBuyingPower = errors.New("insufficient buying power")
	ErrRiskRejected            = errors.New("risk check failed")
	ErrLiquidityRejected       = errors.New("liquidity rejection")
	ErrContractNotFound        = errors.New("contract not found in chain")
	ErrInvalidSignal           = errors.New("invalid signal")
	ErrConfigInvalid           = errors.New("invalid configuration")
	ErrDataNotFound            = errors.New("data not found")
	ErrUnknownSlippageModel    = errors.New("unknown slippage model")
)

// EmptyRangeError is returned when no chain timestamps fall inside the
// requested replay window.
type EmptyRangeError struct {
	Start time.Time
	End   time.Time
}

func (e *EmptyRangeError) Error() string {
	return fmt.Sprintf("no option chain data between %s and %s",
		e.Start.Format(time.DateOnly), e.End.Format(time.DateOnly))
}

func (e *EmptyRangeError) Unwrap() error {
	return ErrNoChainData
}

// NewEmptyRangeError creates a new EmptyRangeError.
func NewEmptyRangeError(start, end time.Time) *EmptyRangeError {
	return &EmptyRangeError{Start: start, End: end}
}

// OrderRejectedError represents a simulated order that never filled.
type OrderRejectedError struct {
	Symbol string
	Leg    int
	Reason string
	Err    error
}

func (e *OrderRejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order rejected [leg %d %s]: %s: %v", e.Leg, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order rejected [leg %d %s]: %s", e.Leg, e.Symbol, e.Reason)
}

func (e *OrderRejectedError) Unwrap() error {
	return e.Err
}

// NewOrderRejectedError creates a new OrderRejectedError.
func NewOrderRejectedError(leg int, symbol, reason string, err error) *OrderRejectedError {
	return &OrderRejectedError{
		Symbol: symbol,
		Leg:    leg,
		Reason: reason,
		Err:    err,
	}
}

// RiskError represents a risk management error.
type RiskError struct {
	Rule    string
	Current float64
	Limit   float64
	Message string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk violation [%s]: %s (current: %.2f, limit: %.2f)", e.Rule, e.Message, e.Current, e.Limit)
}

// NewRiskError creates a new RiskError.
func NewRiskError(rule string, current, limit float64, message string) *RiskError {
	return &RiskError{
		Rule:    rule,
		Current: current,
		Limit:   limit,
		Message: message,
	}
}

// RiskRejectedError collects every blocking violation for one signal.
type RiskRejectedError struct {
	Violations []*RiskError
}

func (e *RiskRejectedError) Error() string {
	rules := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		rules = append(rules, v.Rule)
	}
	return fmt.Sprintf("risk check failed: %s", strings.Join(rules, ", "))
}

func (e *RiskRejectedError) Unwrap() error {
	return ErrRiskRejected
}

// StrategyError wraps a failure raised inside a strategy callback.
type StrategyError struct {
	Strategy  string
	Operation string
	Timestamp time.Time
	Err       error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("strategy error [%s] %s at %s: %v",
		e.Strategy, e.Operation, e.Timestamp.Format(time.RFC3339), e.Err)
}

func (e *StrategyError) Unwrap() error {
	return e.Err
}

// NewStrategyError creates a new StrategyError.
func NewStrategyError(strategy, operation string, ts time.Time, err error) *StrategyError {
	return &StrategyError{
		Strategy:  strategy,
		Operation: operation,
		Timestamp: ts,
		Err:       err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrConfigInvalid
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// DataError represents a data-related error.
type DataError struct {
	DataType string
	Symbol   string
	Message  string
	Err      error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s] %s: %s: %v", e.DataType, e.Symbol, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s] %s: %s", e.DataType, e.Symbol, e.Message)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// NewDataError creates a new DataError.
func NewDataError(dataType, symbol, message string, err error) *DataError {
	return &DataError{
		DataType: dataType,
		Symbol:   symbol,
		Message:  message,
		Err:      err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
