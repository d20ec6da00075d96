package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"

	"github.com/quantumzero/marketdb/db"
)

// TestConfig is the minimal configuration integration tests need.
type TestConfig struct {
	Database struct {
		Write struct {
			Hosts    []string `toml:"hosts"`
			Port     int      `toml:"port"`
			User     string   `toml:"user"`
			Password string   `toml:"password"`
			Name     string   `toml:"name"`
			TLS      bool     `toml:"tls"`
		} `toml:"write"`
	} `toml:"database"`
}

// TestDatabase wraps a live database connection for integration tests.
type TestDatabase struct {
	*db.Database
	Config *TestConfig
}

// SetupTestDatabase connects to the local PostgreSQL described by
// config-test.toml and applies the schema migrations. The test is skipped
// in short mode and when no test configuration is present.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	configPath, err := findTestConfig()
	if err != nil {
		t.Skipf("config-test.toml not found, skipping integration test: %v", err)
	}

	var cfg TestConfig
	_, err = toml.DecodeFile(configPath, &cfg)
	require.NoError(t, err, "Failed to load test config. Please check config-test.toml syntax")

	host := "localhost"
	if len(cfg.Database.Write.Hosts) > 0 {
		host = cfg.Database.Write.Hosts[0]
	}
	port := "5432"
	if cfg.Database.Write.Port != 0 {
		port = fmt.Sprintf("%d", cfg.Database.Write.Port)
	}

	ctx := context.Background()
	database, err := db.NewDatabase(ctx, host, port, cfg.Database.Write.User,
		cfg.Database.Write.Password, cfg.Database.Write.Name, cfg.Database.Write.TLS, false)
	require.NoError(t, err,
		"Failed to connect to test database. Please ensure PostgreSQL is running and %s exists", cfg.Database.Write.Name)

	require.NoError(t, database.Migrate(ctx), "Failed to apply schema migrations to test database")

	return &TestDatabase{
		Database: database,
		Config:   &cfg,
	}
}

// findTestConfig walks up the directory tree to find config-test.toml.
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}

// Cleanup closes the database connections.
func (td *TestDatabase) Cleanup(t *testing.T) {
	if td.Database != nil {
		td.Database.Close()
	}
}

// TruncateAllTables clears the data tables between tests. The migration
// tracking table is left alone.
func (td *TestDatabase) TruncateAllTables(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	for _, table := range []string{"market_data", "system_logs"} {
		_, err := td.Database.GetWritePool().Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		require.NoError(t, err)
	}
}

// SeedMarketData inserts a small deterministic OHLCV series for a symbol,
// one hourly bar per count, and returns the inserted rows.
func (td *TestDatabase) SeedMarketData(t *testing.T, symbol string, count int) []db.MarketDataRow {
	t.Helper()

	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	rows := make([]db.MarketDataRow, 0, count)
	for i := 0; i < count; i++ {
		open := 100.0 + float64(i)
		rows = append(rows, db.MarketDataRow{
			Symbol:    symbol,
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      open,
			High:      open + 2,
			Low:       open - 1,
			Close:     open + 1,
			Volume:    int64(1000 * (i + 1)),
			Source:    "TEST",
		})
	}

	inserted, err := td.Database.InsertMarketData(context.Background(), rows)
	require.NoError(t, err)
	require.Equal(t, int64(count), inserted)
	return rows
}
