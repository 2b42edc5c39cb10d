package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"options-backtester/internal/models"
	"options-backtester/internal/pricing"
)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db          *sql.DB
	mu          sync.RWMutex
	importTimes map[string]time.Time

	enrich        bool
	riskFreeRate  float64
	dividendYield float64
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithPricing makes LoadChains solve implied volatility and Greeks for
// quotes stored without them.
func WithPricing(riskFreeRate, dividendYield float64) Option {
	return func(s *SQLiteStore) {
		s.enrich = true
		s.riskFreeRate = riskFreeRate
		s.dividendYield = dividendYield
	}
}

// IsBusy reports whether err is SQLite lock contention that a retry can
// clear, typically a second import writing the same database.
func IsBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

// NewSQLiteStore creates a new SQLite-based data store. ":memory:" opens a
// private in-memory database.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}

	store := &SQLiteStore{
		db:          db,
		importTimes: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Underlying OHLCV bars
	CREATE TABLE IF NOT EXISTS bars (
		underlying TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume INTEGER NOT NULL,
		PRIMARY KEY (underlying, timestamp)
	);

	-- One row per chain snapshot
	CREATE TABLE IF NOT EXISTS chains (
		underlying TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		underlying_price REAL NOT NULL,
		PRIMARY KEY (underlying, timestamp)
	);

	-- Quotes belonging to a chain snapshot
	CREATE TABLE IF NOT EXISTS option_quotes (
		underlying TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		symbol TEXT NOT NULL,
		option_type TEXT NOT NULL,
		strike REAL NOT NULL,
		expiration DATETIME NOT NULL,
		bid REAL NOT NULL,
		ask REAL NOT NULL,
		last REAL NOT NULL DEFAULT 0,
		volume INTEGER NOT NULL DEFAULT 0,
		open_interest INTEGER NOT NULL DEFAULT 0,
		implied_volatility REAL NOT NULL DEFAULT 0,
		delta REAL NOT NULL DEFAULT 0,
		gamma REAL NOT NULL DEFAULT 0,
		theta REAL NOT NULL DEFAULT 0,
		vega REAL NOT NULL DEFAULT 0,
		rho REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (underlying, timestamp, symbol)
	);

	CREATE INDEX IF NOT EXISTS idx_quotes_expiration ON option_quotes(underlying, expiration);

	-- Import bookkeeping
	CREATE TABLE IF NOT EXISTS import_status (
		underlying TEXT PRIMARY KEY,
		last_import DATETIME NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Bar Methods
// ============================================================================

// SaveBars saves underlying bars, replacing any at the same timestamp.
func (s *SQLiteStore) SaveBars(ctx context.Context, underlying string, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO bars (underlying, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		_, err := stmt.ExecContext(ctx, underlying, b.Timestamp.UTC(), b.Open, b.High, b.Low, b.Close, b.Volume)
		if err != nil {
			return fmt.Errorf("failed to insert bar: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// LoadBars retrieves bars in [from, to], oldest first.
func (s *SQLiteStore) LoadBars(ctx context.Context, underlying string, from, to time.Time) ([]models.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, open, high, low, close, volume
		FROM bars
		WHERE underlying = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, underlying, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	var bars []models.Bar
	for rows.Next() {
		var b models.Bar
		if err := rows.Scan(&b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		b.Timestamp = b.Timestamp.UTC()
		bars = append(bars, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bars: %w", err)
	}

	return bars, nil
}

// ============================================================================
// Chain Methods
// ============================================================================

// SaveChain stores one chain snapshot.
func (s *SQLiteStore) SaveChain(ctx context.Context, chain *models.OptionChain) error {
	return s.SaveChains(ctx, []*models.OptionChain{chain})
}

// SaveChains stores chain snapshots in one transaction. A snapshot already
// stored for the same underlying and timestamp is replaced wholesale.
func (s *SQLiteStore) SaveChains(ctx context.Context, chains []*models.OptionChain) error {
	if len(chains) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	chainStmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chains (underlying, timestamp, underlying_price) VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer chainStmt.Close()

	clearStmt, err := tx.PrepareContext(ctx, `
		DELETE FROM option_quotes WHERE underlying = ? AND timestamp = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer clearStmt.Close()

	quoteStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO option_quotes (underlying, timestamp, symbol, option_type, strike, expiration,
			bid, ask, last, volume, open_interest, implied_volatility, delta, gamma, theta, vega, rho)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer quoteStmt.Close()

	for _, chain := range chains {
		ts := chain.Timestamp.UTC()
		if _, err := chainStmt.ExecContext(ctx, chain.Underlying, ts, chain.UnderlyingPrice); err != nil {
			return fmt.Errorf("failed to insert chain: %w", err)
		}
		if _, err := clearStmt.ExecContext(ctx, chain.Underlying, ts); err != nil {
			return fmt.Errorf("failed to clear quotes: %w", err)
		}
		for _, c := range chain.Contracts {
			g := c.Greeks
			_, err := quoteStmt.ExecContext(ctx, chain.Underlying, ts, c.Symbol, string(c.Type), c.Strike,
				c.Expiration.UTC(), c.Bid, c.Ask, c.Last, c.Volume, c.OpenInterest, c.ImpliedVolatility,
				g.Delta, g.Gamma, g.Theta, g.Vega, g.Rho)
			if err != nil {
				return fmt.Errorf("failed to insert quote %s: %w", c.Symbol, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// LoadChains retrieves every chain snapshot in [from, to] keyed by timestamp.
func (s *SQLiteStore) LoadChains(ctx context.Context, underlying string, from, to time.Time) (map[time.Time]*models.OptionChain, error) {
	chainRows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, underlying_price
		FROM chains
		WHERE underlying = ? AND timestamp >= ? AND timestamp <= ?
	`, underlying, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query chains: %w", err)
	}

	chains := make(map[time.Time]*models.OptionChain)
	for chainRows.Next() {
		chain := &models.OptionChain{Underlying: underlying}
		if err := chainRows.Scan(&chain.Timestamp, &chain.UnderlyingPrice); err != nil {
			chainRows.Close()
			return nil, fmt.Errorf("failed to scan chain: %w", err)
		}
		chain.Timestamp = chain.Timestamp.UTC()
		chains[chain.Timestamp] = chain
	}
	if err := chainRows.Err(); err != nil {
		chainRows.Close()
		return nil, fmt.Errorf("error iterating chains: %w", err)
	}
	chainRows.Close()

	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, symbol, option_type, strike, expiration, bid, ask, last, volume,
			open_interest, implied_volatility, delta, gamma, theta, vega, rho
		FROM option_quotes
		WHERE underlying = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC, symbol ASC
	`, underlying, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query quotes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			c       models.OptionContract
			optType string
		)
		err := rows.Scan(&c.Timestamp, &c.Symbol, &optType, &c.Strike, &c.Expiration, &c.Bid, &c.Ask,
			&c.Last, &c.Volume, &c.OpenInterest, &c.ImpliedVolatility,
			&c.Greeks.Delta, &c.Greeks.Gamma, &c.Greeks.Theta, &c.Greeks.Vega, &c.Greeks.Rho)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quote: %w", err)
		}
		c.Timestamp = c.Timestamp.UTC()
		c.Expiration = c.Expiration.UTC()
		c.Type = models.OptionType(optType)
		c.Underlying = underlying

		chain, ok := chains[c.Timestamp]
		if !ok {
			continue
		}
		chain.Contracts = append(chain.Contracts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating quotes: %w", err)
	}

	if s.enrich {
		for ts, chain := range chains {
			chains[ts] = pricing.Enrich(chain, s.riskFreeRate, s.dividendYield)
		}
	}

	return chains, nil
}

// Timestamps lists chain timestamps in [from, to], oldest first.
func (s *SQLiteStore) Timestamps(ctx context.Context, underlying string, from, to time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp FROM chains
		WHERE underlying = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, underlying, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query timestamps: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("failed to scan timestamp: %w", err)
		}
		out = append(out, ts.UTC())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating timestamps: %w", err)
	}
	// Text ordering and time ordering agree only for a uniform format.
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// Coverage reports row counts and the chain time span for underlying.
func (s *SQLiteStore) Coverage(ctx context.Context, underlying string) (*Coverage, error) {
	cov := &Coverage{Underlying: underlying}

	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM chains WHERE underlying = ?`, &cov.Chains},
		{`SELECT COUNT(*) FROM option_quotes WHERE underlying = ?`, &cov.Quotes},
		{`SELECT COUNT(*) FROM bars WHERE underlying = ?`, &cov.Bars},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query, underlying).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to count rows: %w", err)
		}
	}
	if cov.Chains == 0 {
		return cov, nil
	}

	ts, err := s.Timestamps(ctx, underlying, time.Time{}, time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		return nil, err
	}
	if len(ts) > 0 {
		cov.First = ts[0]
		cov.Last = ts[len(ts)-1]
	}
	return cov, nil
}

// ============================================================================
// Import Methods
// ============================================================================

// GetLastImport returns when data for underlying was last imported.
func (s *SQLiteStore) GetLastImport(underlying string) time.Time {
	s.mu.RLock()
	if t, ok := s.importTimes[underlying]; ok {
		s.mu.RUnlock()
		return t
	}
	s.mu.RUnlock()

	var lastImport time.Time
	err := s.db.QueryRow(`
		SELECT last_import FROM import_status WHERE underlying = ?
	`, underlying).Scan(&lastImport)
	if err != nil {
		return time.Time{}
	}
	lastImport = lastImport.UTC()

	s.mu.Lock()
	s.importTimes[underlying] = lastImport
	s.mu.Unlock()

	return lastImport
}

// SetLastImport records an import for underlying.
func (s *SQLiteStore) SetLastImport(underlying string, t time.Time) error {
	t = t.UTC()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO import_status (underlying, last_import, updated_at)
		VALUES (?, ?, ?)
	`, underlying, t, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set last import: %w", err)
	}

	s.mu.Lock()
	s.importTimes[underlying] = t
	s.mu.Unlock()

	return nil
}
