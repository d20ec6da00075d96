package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrInvalidMarketData indicates a row that fails OHLCV validation.
var ErrInvalidMarketData = errors.New("invalid market data")

// MarketDataRow is one OHLCV bar.
type MarketDataRow struct {
	Symbol       string
	Timestamp    time.Time
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       int64
	VWAP         *float64
	Transactions *int64
	Source       string
}

// Validate checks the row's internal consistency: prices must satisfy
// low <= open,close <= high and counts must not be negative.
func (r *MarketDataRow) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("%w: symbol cannot be empty", ErrInvalidMarketData)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp cannot be zero", ErrInvalidMarketData)
	}
	if r.Volume < 0 {
		return fmt.Errorf("%w: volume cannot be negative", ErrInvalidMarketData)
	}
	if !(r.Low <= r.Open && r.Open <= r.High && r.Low <= r.Close && r.Close <= r.High) {
		return fmt.Errorf("%w: price values are inconsistent for %s at %s", ErrInvalidMarketData, r.Symbol, r.Timestamp)
	}
	if r.Transactions != nil && *r.Transactions < 0 {
		return fmt.Errorf("%w: transactions cannot be negative", ErrInvalidMarketData)
	}
	if r.VWAP != nil && *r.VWAP <= 0 {
		return fmt.Errorf("%w: vwap must be positive", ErrInvalidMarketData)
	}
	return nil
}

// PriceRange returns high - low.
func (r *MarketDataRow) PriceRange() float64 {
	return r.High - r.Low
}

var marketDataColumns = []string{
	"symbol", "ts", "open", "high", "low", "close", "volume", "vwap", "transactions", "source",
}

// InsertMarketData bulk-inserts bars via COPY. Every row is validated
// first; a single invalid row rejects the whole batch before anything
// reaches the database.
func (db *Database) InsertMarketData(ctx context.Context, rows []MarketDataRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	for i := range rows {
		if err := rows[i].Validate(); err != nil {
			return 0, err
		}
	}

	source := pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		r := rows[i]
		src := r.Source
		if src == "" {
			src = "UNKNOWN"
		}
		return []any{r.Symbol, r.Timestamp, r.Open, r.High, r.Low, r.Close, r.Volume, r.VWAP, r.Transactions, src}, nil
	})

	var copied int64
	err := db.WithConn(ctx, db.GetWritePool(), func(conn *pgxpool.Conn) error {
		var err error
		copied, err = conn.CopyFrom(ctx, pgx.Identifier{"market_data"}, marketDataColumns, source)
		return err
	})
	return copied, err
}

// GetMarketData returns bars for a symbol within [from, to], oldest first.
func (db *Database) GetMarketData(ctx context.Context, symbol string, from, to time.Time) ([]MarketDataRow, error) {
	rows, err := db.TimedQuery(ctx, "get_market_data",
		`SELECT symbol, ts, open, high, low, close, volume, vwap, transactions, source
		 FROM market_data
		 WHERE symbol = $1 AND ts >= $2 AND ts <= $3
		 ORDER BY ts`,
		symbol, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMarketDataRows(rows)
}

// LatestMarketData returns the newest bar for a symbol, or nil when the
// symbol has no data.
func (db *Database) LatestMarketData(ctx context.Context, symbol string) (*MarketDataRow, error) {
	row := db.TimedQueryRow(ctx, "latest_market_data",
		`SELECT symbol, ts, open, high, low, close, volume, vwap, transactions, source
		 FROM market_data
		 WHERE symbol = $1
		 ORDER BY ts DESC
		 LIMIT 1`,
		symbol)

	var r MarketDataRow
	err := row.Scan(&r.Symbol, &r.Timestamp, &r.Open, &r.High, &r.Low, &r.Close,
		&r.Volume, &r.VWAP, &r.Transactions, &r.Source)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// Symbols returns the distinct symbols present in market_data.
func (db *Database) Symbols(ctx context.Context) ([]string, error) {
	rows, err := db.TimedQuery(ctx, "symbols",
		"SELECT DISTINCT symbol FROM market_data ORDER BY symbol")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

func scanMarketDataRows(rows pgx.Rows) ([]MarketDataRow, error) {
	var out []MarketDataRow
	for rows.Next() {
		var r MarketDataRow
		if err := rows.Scan(&r.Symbol, &r.Timestamp, &r.Open, &r.High, &r.Low, &r.Close,
			&r.Volume, &r.VWAP, &r.Transactions, &r.Source); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
