package resilient

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quantumzero/marketdb/db"
	"github.com/quantumzero/marketdb/pkg/retry"
)

// marketDataTables tags cache entries produced by market data reads so
// writes can invalidate them precisely.
var marketDataTables = []string{"market_data"}

const marketDataSelect = `SELECT symbol, ts, open, high, low, close, volume, vwap, transactions, source
 FROM market_data`

// collectMarketDataRows materializes a market data result set and
// estimates its footprint for the cache accounting.
func collectMarketDataRows(rows pgx.Rows) (any, int64, error) {
	var out []db.MarketDataRow
	for rows.Next() {
		var r db.MarketDataRow
		if err := rows.Scan(&r.Symbol, &r.Timestamp, &r.Open, &r.High, &r.Low, &r.Close,
			&r.Volume, &r.VWAP, &r.Transactions, &r.Source); err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	size := int64(96) // slice header plus slack
	for i := range out {
		size += int64(len(out[i].Symbol)+len(out[i].Source)) + 88
	}
	return out, size, nil
}

// GetMarketData returns bars for a symbol within [from, to], oldest
// first, served through the query cache.
func (rd *ResilientDB) GetMarketData(ctx context.Context, symbol string, from, to time.Time) ([]db.MarketDataRow, error) {
	value, err := rd.CachedQuery(ctx, marketDataTables,
		marketDataSelect+` WHERE symbol = $1 AND ts >= $2 AND ts <= $3 ORDER BY ts`,
		[]any{symbol, from, to}, collectMarketDataRows)
	if err != nil {
		return nil, err
	}
	return value.([]db.MarketDataRow), nil
}

// LatestMarketData returns the newest bar for a symbol through the cache,
// or nil when the symbol has no data.
func (rd *ResilientDB) LatestMarketData(ctx context.Context, symbol string) (*db.MarketDataRow, error) {
	value, err := rd.CachedQuery(ctx, marketDataTables,
		marketDataSelect+` WHERE symbol = $1 ORDER BY ts DESC LIMIT 1`,
		[]any{symbol}, collectMarketDataRows)
	if err != nil {
		return nil, err
	}
	rows := value.([]db.MarketDataRow)
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Symbols returns the distinct symbols present in market_data, cached.
func (rd *ResilientDB) Symbols(ctx context.Context) ([]string, error) {
	value, err := rd.CachedQuery(ctx, marketDataTables,
		"SELECT DISTINCT symbol FROM market_data ORDER BY symbol",
		nil, func(rows pgx.Rows) (any, int64, error) {
			var symbols []string
			var size int64
			for rows.Next() {
				var s string
				if err := rows.Scan(&s); err != nil {
					return nil, 0, err
				}
				symbols = append(symbols, s)
				size += int64(len(s)) + 16
			}
			return symbols, size, rows.Err()
		})
	if err != nil {
		return nil, err
	}
	return value.([]string), nil
}

// InsertMarketData bulk-inserts bars on the current write pool, retrying
// transient COPY failures, and invalidates the market_data cache tag.
func (rd *ResilientDB) InsertMarketData(ctx context.Context, rows []db.MarketDataRow) (int64, error) {
	var copied int64
	err := retryingExecute(ctx, writeRetryConfig, func() error {
		_, err := rd.writeBreaker.Execute(func() (interface{}, error) {
			database, err := rd.writeDatabase()
			if err != nil {
				return nil, err
			}
			copied, err = database.InsertMarketData(ctx, rows)
			return nil, err
		})
		if errors.Is(err, db.ErrInvalidMarketData) {
			// Validation failures never reach the wire; no point retrying.
			return retry.Stop(err)
		}
		return rd.classifyRetry(err)
	})
	if err == nil && copied > 0 {
		rd.Invalidate(marketDataTables...)
	}
	return copied, err
}

// RecentEvents reads the audit trail from the current read pool.
func (rd *ResilientDB) RecentEvents(ctx context.Context, component string, limit int) ([]db.AuditEvent, error) {
	database, err := rd.readDatabase(ctx)
	if err != nil {
		return nil, err
	}
	return database.RecentEvents(ctx, component, limit)
}
