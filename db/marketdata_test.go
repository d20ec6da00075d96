package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRow() MarketDataRow {
	return MarketDataRow{
		Symbol:    "AAPL",
		Timestamp: time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC),
		Open:      101.5,
		High:      103.0,
		Low:       100.0,
		Close:     102.25,
		Volume:    1_500_000,
		Source:    "POLYGON",
	}
}

func TestMarketDataRowValidate(t *testing.T) {
	row := validRow()
	require.NoError(t, row.Validate())

	vwap := 101.9
	txns := int64(4200)
	row.VWAP = &vwap
	row.Transactions = &txns
	require.NoError(t, row.Validate())
}

func TestMarketDataRowValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*MarketDataRow)
	}{
		{"empty symbol", func(r *MarketDataRow) { r.Symbol = "" }},
		{"zero timestamp", func(r *MarketDataRow) { r.Timestamp = time.Time{} }},
		{"negative volume", func(r *MarketDataRow) { r.Volume = -1 }},
		{"open above high", func(r *MarketDataRow) { r.Open = r.High + 1 }},
		{"close below low", func(r *MarketDataRow) { r.Close = r.Low - 1 }},
		{"low above high", func(r *MarketDataRow) { r.Low = r.High + 1 }},
		{"negative transactions", func(r *MarketDataRow) {
			n := int64(-5)
			r.Transactions = &n
		}},
		{"zero vwap", func(r *MarketDataRow) {
			v := 0.0
			r.VWAP = &v
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			row := validRow()
			tc.mutate(&row)
			err := row.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidMarketData)
		})
	}
}

func TestMarketDataRowPriceRange(t *testing.T) {
	row := validRow()
	assert.InDelta(t, 3.0, row.PriceRange(), 1e-9)
}
