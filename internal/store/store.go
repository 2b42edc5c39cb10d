// Package store persists historical option chains and underlying bars.
package store

import (
	"context"
	"time"

	"options-backtester/internal/models"
)

// DataStore defines the interface for historical data persistence.
type DataStore interface {
	// Underlying bars
	SaveBars(ctx context.Context, underlying string, bars []models.Bar) error
	LoadBars(ctx context.Context, underlying string, from, to time.Time) ([]models.Bar, error)

	// Option chains
	SaveChain(ctx context.Context, chain *models.OptionChain) error
	SaveChains(ctx context.Context, chains []*models.OptionChain) error
	LoadChains(ctx context.Context, underlying string, from, to time.Time) (map[time.Time]*models.OptionChain, error)
	Timestamps(ctx context.Context, underlying string, from, to time.Time) ([]time.Time, error)
	Coverage(ctx context.Context, underlying string) (*Coverage, error)

	// Import bookkeeping
	GetLastImport(underlying string) time.Time
	SetLastImport(underlying string, t time.Time) error

	// Lifecycle
	Close() error
}

// Coverage summarizes what is stored for one underlying.
type Coverage struct {
	Underlying string    `json:"underlying"`
	Chains     int       `json:"chains"`
	Quotes     int       `json:"quotes"`
	Bars       int       `json:"bars"`
	First      time.Time `json:"first"`
	Last       time.Time `json:"last"`
}

// DateRange represents a date range for queries.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the inclusive range.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && !t.After(r.To)
}
