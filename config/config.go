// Package config defines the TOML configuration for the marketdb access
// layer and the validation applied at construction time. Invalid
// configuration is fatal: the process must not come up with a half-working
// database layer.
package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/quantumzero/marketdb/helpers"
)

// DatabaseEndpointConfig holds configuration for a single database endpoint.
type DatabaseEndpointConfig struct {
	// List of database hosts for runtime failover/load balancing.
	// Examples:
	//   Single host: ["db.example.com"] - hostname with DNS-based IP redundancy
	//   Multiple hosts: ["db1", "db2", "db3"] - for clusters or proxies
	//   With ports: ["db1:5432", "db2:5433"] - explicit port specification
	//
	// WRITE HOSTS: use a single host unless running a multi-master setup or
	// multiple proxy instances (PgBouncer, HAProxy).
	//
	// READ HOSTS: multiple hosts are common for read replica load balancing.
	Hosts           []string    `toml:"hosts"`
	Port            interface{} `toml:"port"` // Database port (default: "5432"), can be string or integer
	User            string      `toml:"user"`
	Password        string      `toml:"password"`
	Name            string      `toml:"name"`
	TLSMode         bool        `toml:"tls"`
	MaxConns        int         `toml:"max_conns"`          // Maximum number of connections in the pool
	MinConns        int         `toml:"min_conns"`          // Minimum number of connections in the pool
	MaxConnLifetime string      `toml:"max_conn_lifetime"`  // Maximum lifetime of a connection
	MaxConnIdleTime string      `toml:"max_conn_idle_time"` // Maximum idle time before a connection is closed
	AcquireTimeout  string      `toml:"acquire_timeout"`    // How long a caller may wait for a connection (e.g. "5s")
	QueryTimeout    string      `toml:"query_timeout"`      // Per-endpoint timeout for individual queries (e.g. "30s")
}

// FailoverConfig controls the runtime failover controller.
type FailoverConfig struct {
	HeartbeatInterval string `toml:"heartbeat_interval"` // How often each pool is health-probed (default: "5s")
	FailureThreshold  int    `toml:"failure_threshold"`  // Consecutive probe failures before a pool is marked unhealthy (default: 3)
	RecoveryThreshold int    `toml:"recovery_threshold"` // Consecutive probe successes before a failed pool is trusted again (default: 2)
	ProbeTimeout      string `toml:"probe_timeout"`      // Timeout for a single health probe (default: "3s")
}

// DatabaseConfig holds database configuration with separate read/write endpoints.
type DatabaseConfig struct {
	Debug            bool                    `toml:"debug"`             // Enable SQL query logging
	QueryTimeout     string                  `toml:"query_timeout"`     // Default timeout for all database queries (default: "30s")
	WriteTimeout     string                  `toml:"write_timeout"`     // Timeout for write operations (default: "15s")
	MigrationTimeout string                  `toml:"migration_timeout"` // Timeout for migrations at startup (default: "2m")
	Write            *DatabaseEndpointConfig `toml:"write"`             // Write database configuration
	Read             *DatabaseEndpointConfig `toml:"read"`              // Read database configuration (multiple hosts for load balancing)
	Failover         FailoverConfig          `toml:"failover"`
}

// CacheConfig holds the in-memory query result cache configuration.
type CacheConfig struct {
	Enabled         bool   `toml:"enabled"`
	MaxEntries      int    `toml:"max_entries"`      // Maximum number of cached results (default: 10000)
	MaxSize         string `toml:"max_size"`         // Maximum total size of cached results (default: "64mb")
	DefaultTTL      string `toml:"default_ttl"`      // TTL applied when the caller does not specify one (default: "30s")
	CleanupInterval string `toml:"cleanup_interval"` // How often expired entries are swept (default: "1m")
}

// BackupS3Config holds optional S3-compatible remote storage for backup artifacts.
type BackupS3Config struct {
	Endpoint   string `toml:"endpoint"`
	DisableTLS bool   `toml:"disable_tls"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Bucket     string `toml:"bucket"`
	Debug      bool   `toml:"debug"` // Enable detailed S3 request/response tracing

	// Optional client-side encryption of uploaded artifacts.
	// 32-byte key, hex encoded (64 characters).
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key"`
}

// BackupConfig holds backup manager configuration.
type BackupConfig struct {
	Directory string          `toml:"directory"` // Local directory for backup artifacts
	Keep      int             `toml:"keep"`      // Number of most recent backups to retain (default: 7)
	S3        *BackupS3Config `toml:"s3"`        // Optional remote artifact storage
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	Cache    CacheConfig    `toml:"cache"`
	Backup   BackupConfig   `toml:"backup"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			QueryTimeout:     "30s",
			WriteTimeout:     "15s",
			MigrationTimeout: "2m",
			Write: &DatabaseEndpointConfig{
				Hosts:           []string{"localhost"},
				Port:            "5432",
				User:            "postgres",
				Password:        "",
				Name:            "marketdata",
				TLSMode:         false,
				MaxConns:        50,
				MinConns:        5,
				MaxConnLifetime: "1h",
				MaxConnIdleTime: "30m",
				AcquireTimeout:  "5s",
				QueryTimeout:    "30s",
			},
			Read: &DatabaseEndpointConfig{
				Hosts:           []string{"localhost"},
				Port:            "5432",
				User:            "postgres",
				Password:        "",
				Name:            "marketdata",
				TLSMode:         false,
				MaxConns:        50,
				MinConns:        5,
				MaxConnLifetime: "1h",
				MaxConnIdleTime: "30m",
				AcquireTimeout:  "5s",
				QueryTimeout:    "30s",
			},
			Failover: FailoverConfig{
				HeartbeatInterval: "5s",
				FailureThreshold:  3,
				RecoveryThreshold: 2,
				ProbeTimeout:      "3s",
			},
		},
		Cache: CacheConfig{
			Enabled:         true,
			MaxEntries:      10000,
			MaxSize:         "64mb",
			DefaultTTL:      "30s",
			CleanupInterval: "1m",
		},
		Backup: BackupConfig{
			Directory: "/var/lib/marketdb/backups",
			Keep:      7,
		},
	}
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint.
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint.
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// GetAcquireTimeout parses the connection acquire timeout for an endpoint.
func (e *DatabaseEndpointConfig) GetAcquireTimeout() (time.Duration, error) {
	if e.AcquireTimeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(e.AcquireTimeout)
}

// GetQueryTimeout parses the query timeout duration for an endpoint.
func (e *DatabaseEndpointConfig) GetQueryTimeout() (time.Duration, error) {
	if e.QueryTimeout == "" {
		return 0, nil // Zero means not set, caller falls back to the database-level default.
	}
	return helpers.ParseDuration(e.QueryTimeout)
}

// GetPort normalizes the port value, which TOML may decode as string or integer.
func (e *DatabaseEndpointConfig) GetPort() (string, error) {
	switch v := e.Port.(type) {
	case nil:
		return "5432", nil
	case string:
		if v == "" {
			return "5432", nil
		}
		if _, err := strconv.Atoi(v); err != nil {
			return "", fmt.Errorf("invalid port '%s'", v)
		}
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	default:
		return "", fmt.Errorf("invalid port type %T", e.Port)
	}
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetWriteTimeout parses the write timeout duration.
func (d *DatabaseConfig) GetWriteTimeout() (time.Duration, error) {
	if d.WriteTimeout == "" {
		return 15 * time.Second, nil
	}
	return helpers.ParseDuration(d.WriteTimeout)
}

// GetMigrationTimeout parses the migration timeout duration.
func (d *DatabaseConfig) GetMigrationTimeout() (time.Duration, error) {
	if d.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MigrationTimeout)
}

// GetDebug returns the debug flag.
func (d *DatabaseConfig) GetDebug() bool {
	return d.Debug
}

// GetHeartbeatInterval parses the failover heartbeat interval.
func (f *FailoverConfig) GetHeartbeatInterval() (time.Duration, error) {
	if f.HeartbeatInterval == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(f.HeartbeatInterval)
}

// GetProbeTimeout parses the per-probe timeout.
func (f *FailoverConfig) GetProbeTimeout() (time.Duration, error) {
	if f.ProbeTimeout == "" {
		return 3 * time.Second, nil
	}
	return helpers.ParseDuration(f.ProbeTimeout)
}

// GetFailureThreshold returns the consecutive-failure threshold.
func (f *FailoverConfig) GetFailureThreshold() int {
	if f.FailureThreshold <= 0 {
		return 3
	}
	return f.FailureThreshold
}

// GetRecoveryThreshold returns the consecutive-success recovery threshold.
func (f *FailoverConfig) GetRecoveryThreshold() int {
	if f.RecoveryThreshold <= 0 {
		return 2
	}
	return f.RecoveryThreshold
}

// GetMaxEntries returns the cache entry limit.
func (c *CacheConfig) GetMaxEntries() int {
	if c.MaxEntries <= 0 {
		return 10000
	}
	return c.MaxEntries
}

// GetMaxSize parses the cache byte limit.
func (c *CacheConfig) GetMaxSize() (int64, error) {
	if c.MaxSize == "" {
		return 64 << 20, nil
	}
	return helpers.ParseSize(c.MaxSize)
}

// GetDefaultTTL parses the default cache TTL.
func (c *CacheConfig) GetDefaultTTL() (time.Duration, error) {
	if c.DefaultTTL == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(c.DefaultTTL)
}

// GetCleanupInterval parses the cache cleanup interval.
func (c *CacheConfig) GetCleanupInterval() (time.Duration, error) {
	if c.CleanupInterval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(c.CleanupInterval)
}

// GetKeep returns the backup retention count.
func (b *BackupConfig) GetKeep() int {
	if b.Keep <= 0 {
		return 7
	}
	return b.Keep
}

// Validate checks the configuration for values that would leave the database
// layer half-working. It is called once at construction; any error returned
// here is fatal.
func (c *Config) Validate() error {
	if c.Database.Write == nil || len(c.Database.Write.Hosts) == 0 {
		return fmt.Errorf("database.write.hosts must not be empty")
	}
	if c.Database.Read != nil && len(c.Database.Read.Hosts) == 0 {
		return fmt.Errorf("database.read.hosts must not be empty when [database.read] is present")
	}

	endpoints := []struct {
		name string
		cfg  *DatabaseEndpointConfig
	}{
		{"database.write", c.Database.Write},
	}
	if c.Database.Read != nil {
		endpoints = append(endpoints, struct {
			name string
			cfg  *DatabaseEndpointConfig
		}{"database.read", c.Database.Read})
	}
	for _, ep := range endpoints {
		if ep.cfg.Name == "" {
			return fmt.Errorf("%s.name must not be empty", ep.name)
		}
		if ep.cfg.User == "" {
			return fmt.Errorf("%s.user must not be empty", ep.name)
		}
		if ep.cfg.MaxConns < 0 || ep.cfg.MinConns < 0 {
			return fmt.Errorf("%s pool sizes must not be negative", ep.name)
		}
		if ep.cfg.MaxConns > 0 && ep.cfg.MinConns > ep.cfg.MaxConns {
			return fmt.Errorf("%s.min_conns (%d) exceeds max_conns (%d)", ep.name, ep.cfg.MinConns, ep.cfg.MaxConns)
		}
		if _, err := ep.cfg.GetPort(); err != nil {
			return fmt.Errorf("%s: %v", ep.name, err)
		}
		if _, err := ep.cfg.GetMaxConnLifetime(); err != nil {
			return fmt.Errorf("%s.max_conn_lifetime: %v", ep.name, err)
		}
		if _, err := ep.cfg.GetMaxConnIdleTime(); err != nil {
			return fmt.Errorf("%s.max_conn_idle_time: %v", ep.name, err)
		}
		if _, err := ep.cfg.GetAcquireTimeout(); err != nil {
			return fmt.Errorf("%s.acquire_timeout: %v", ep.name, err)
		}
		if _, err := ep.cfg.GetQueryTimeout(); err != nil {
			return fmt.Errorf("%s.query_timeout: %v", ep.name, err)
		}
	}

	if _, err := c.Database.GetQueryTimeout(); err != nil {
		return fmt.Errorf("database.query_timeout: %v", err)
	}
	if _, err := c.Database.GetWriteTimeout(); err != nil {
		return fmt.Errorf("database.write_timeout: %v", err)
	}
	if _, err := c.Database.GetMigrationTimeout(); err != nil {
		return fmt.Errorf("database.migration_timeout: %v", err)
	}
	if _, err := c.Database.Failover.GetHeartbeatInterval(); err != nil {
		return fmt.Errorf("database.failover.heartbeat_interval: %v", err)
	}
	if _, err := c.Database.Failover.GetProbeTimeout(); err != nil {
		return fmt.Errorf("database.failover.probe_timeout: %v", err)
	}

	if c.Cache.Enabled {
		if _, err := c.Cache.GetMaxSize(); err != nil {
			return fmt.Errorf("cache.max_size: %v", err)
		}
		if _, err := c.Cache.GetDefaultTTL(); err != nil {
			return fmt.Errorf("cache.default_ttl: %v", err)
		}
		if _, err := c.Cache.GetCleanupInterval(); err != nil {
			return fmt.Errorf("cache.cleanup_interval: %v", err)
		}
	}

	if c.Backup.S3 != nil {
		if c.Backup.S3.Endpoint == "" {
			return fmt.Errorf("backup.s3.endpoint must not be empty")
		}
		if c.Backup.S3.Bucket == "" {
			return fmt.Errorf("backup.s3.bucket must not be empty")
		}
	}

	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be 'json' or 'console', got '%s'", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level '%s' is not a valid level", c.Logging.Level)
	}

	return nil
}

// LoadConfigFromFile loads configuration from a TOML file on top of cfg and
// trims whitespace from all string fields. Unknown keys are logged and
// ignored so that typos surface in the logs instead of silently doing
// nothing.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return fmt.Errorf("failed to parse configuration file '%s': %w", configPath, err)
	}

	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// trimStringFields recursively trims whitespace from all string fields in a struct.
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() == reflect.String {
				elem.SetString(strings.TrimSpace(elem.String()))
			} else {
				trimStringFields(elem)
			}
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Field(i)
			if field.CanSet() {
				trimStringFields(field)
			}
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}

	case reflect.Interface:
		// Port may decode as string or int.
		if !v.IsNil() {
			elem := v.Elem()
			if elem.Kind() == reflect.String {
				v.Set(reflect.ValueOf(strings.TrimSpace(elem.String())))
			}
		}
	}
}
