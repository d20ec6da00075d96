package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"

	"github.com/quantumzero/marketdb/config"
	"github.com/quantumzero/marketdb/db"
	"github.com/quantumzero/marketdb/logger"
	"github.com/quantumzero/marketdb/pkg/resilient"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "migrate":
		handleMigrate()
	case "schema-version":
		handleSchemaVersion()
	case "backup":
		handleBackup()
	case "restore":
		handleRestore()
	case "verify":
		handleVerify()
	case "list-backups":
		handleListBackups()
	case "health":
		handleHealth()
	case "stats":
		handleStats()
	case "events":
		handleEvents()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`MarketDB Admin Tool

Usage:
  marketdb-admin <command> [options]

Commands:
  migrate         Apply pending schema migrations
  schema-version  Show the current schema version and applied migrations
  backup          Create a backup of the market data tables
  restore         Restore a backup by ID
  verify          Verify a backup's artifact integrity (no database access)
  list-backups    List local backups, newest first
  health          Show failover state and per-pool health
  stats           Show connection pool statistics
  events          Show recent operational audit events
  help            Show this help message

Examples:
  marketdb-admin migrate --config /etc/marketdb/config.toml
  marketdb-admin backup --tables market_data,system_logs
  marketdb-admin restore --id 6ba7b810-9dad-11d1-80b4-00c04fd430c8
  marketdb-admin verify --id 6ba7b810-9dad-11d1-80b4-00c04fd430c8
  marketdb-admin events --component FAILOVER --limit 20

Use 'marketdb-admin <command> --help' for more information about a command.
`)
}

// loadConfig reads and validates the configuration file, falling back to
// defaults when the default path does not exist.
func loadConfig(path string) *config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(path, &cfg); err != nil {
		if os.IsNotExist(err) && path == "config.toml" {
			fmt.Fprintf(os.Stderr, "Config file not found, using defaults\n")
		} else {
			fatalf("Failed to load config %s: %v", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		fatalf("Invalid configuration: %v", err)
	}
	if _, err := logger.Initialize(cfg.Logging); err != nil {
		fatalf("Failed to initialize logging: %v", err)
	}
	return &cfg
}

func openDatabase(ctx context.Context, cfg *config.Config) *db.Database {
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database, cfg.Database.GetDebug())
	if err != nil {
		fatalf("Failed to connect to database: %v", err)
	}
	return database
}

func openBackupManager(database *db.Database, cfg *config.Config) *db.BackupManager {
	bm, err := db.NewBackupManager(database, cfg.Backup)
	if err != nil {
		fatalf("Failed to initialize backup manager: %v", err)
	}
	return bm
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func handleMigrate() {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	ctx := context.Background()
	database := openDatabase(ctx, cfg)
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		fatalf("Migration failed: %v", err)
	}

	version, err := database.SchemaVersion(ctx)
	if err != nil {
		fatalf("Failed to read schema version: %v", err)
	}
	fmt.Printf("Schema is up to date at version %d\n", version)
}

func handleSchemaVersion() {
	fs := flag.NewFlagSet("schema-version", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	ctx := context.Background()
	database := openDatabase(ctx, cfg)
	defer database.Close()

	version, err := database.SchemaVersion(ctx)
	if err != nil {
		fatalf("Failed to read schema version: %v", err)
	}
	fmt.Printf("Current schema version: %d\n", version)

	applied, err := database.AppliedMigrations(ctx)
	if err != nil {
		fatalf("Failed to list applied migrations: %v", err)
	}
	if len(applied) == 0 {
		fmt.Println("No migrations applied yet")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tAPPLIED AT\tCHECKSUM")
	for _, m := range applied {
		fmt.Fprintf(w, "%d\t%s\t%s\n", m.Version, m.AppliedAt.Format("2006-01-02 15:04:05"), m.Checksum[:12])
	}
	w.Flush()
}

func handleBackup() {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	tablesFlag := fs.String("tables", "", "Comma-separated tables to back up (default: market_data,system_logs)")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	ctx := context.Background()
	database := openDatabase(ctx, cfg)
	defer database.Close()

	var tables []string
	if *tablesFlag != "" {
		for _, t := range strings.Split(*tablesFlag, ",") {
			tables = append(tables, strings.TrimSpace(t))
		}
	}

	bm := openBackupManager(database, cfg)
	manifest, err := bm.Backup(ctx, tables)
	if err != nil {
		fatalf("Backup failed: %v", err)
	}

	fmt.Printf("Backup %s completed\n", manifest.ID)
	for _, t := range manifest.Tables {
		fmt.Printf("  %-16s %10d rows  %s\n", t.Name, t.Rows, t.Checksum[:12])
	}
}

func handleRestore() {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.String("id", "", "Backup ID to restore (required)")
	fromS3 := fs.Bool("from-s3", false, "Fetch the backup from remote storage first")
	yes := fs.Bool("yes", false, "Skip the confirmation prompt")
	fs.Parse(os.Args[2:])

	if *id == "" {
		fatalf("--id is required")
	}
	if _, err := uuid.Parse(*id); err != nil {
		fatalf("Invalid backup ID %q: %v", *id, err)
	}

	cfg := loadConfig(*configPath)
	ctx := context.Background()
	database := openDatabase(ctx, cfg)
	defer database.Close()

	bm := openBackupManager(database, cfg)

	var manifest *db.Manifest
	var err error
	if *fromS3 {
		manifest, err = bm.FetchBackup(ctx, *id)
	} else {
		manifest, err = bm.LoadManifest(*id)
	}
	if err != nil {
		fatalf("Failed to load backup %s: %v", *id, err)
	}

	if !*yes {
		fmt.Printf("Restoring backup %s will TRUNCATE and reload %d table(s). Continue? [y/N] ", manifest.ID, len(manifest.Tables))
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("Aborted")
			return
		}
	}

	if err := bm.Restore(ctx, manifest); err != nil {
		fatalf("Restore failed: %v", err)
	}
	fmt.Printf("Restore of backup %s completed\n", manifest.ID)
}

func handleVerify() {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.String("id", "", "Backup ID to verify (required)")
	fs.Parse(os.Args[2:])

	if *id == "" {
		fatalf("--id is required")
	}

	cfg := loadConfig(*configPath)

	// Verification is filesystem-only; no database connection needed.
	bm := openBackupManager(nil, cfg)
	manifest, err := bm.LoadManifest(*id)
	if err != nil {
		fatalf("Failed to load backup %s: %v", *id, err)
	}
	if err := bm.Verify(manifest); err != nil {
		fatalf("Verification FAILED: %v", err)
	}
	fmt.Printf("Backup %s verified: %d table(s), all checksums match\n", manifest.ID, len(manifest.Tables))
}

func handleListBackups() {
	fs := flag.NewFlagSet("list-backups", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	bm := openBackupManager(nil, cfg)

	manifests, err := bm.List()
	if err != nil {
		fatalf("Failed to list backups: %v", err)
	}
	if len(manifests) == 0 {
		fmt.Println("No backups found")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED AT\tTABLES\tROWS")
	for _, m := range manifests {
		var rows int64
		for _, t := range m.Tables {
			rows += t.Rows
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", m.ID, m.CreatedAt.Format("2006-01-02 15:04:05"), len(m.Tables), rows)
	}
	w.Flush()
}

func handleHealth() {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	ctx := context.Background()

	rd, err := resilient.NewResilientDB(ctx, cfg, false)
	if err != nil {
		fatalf("Failed to connect: %v", err)
	}
	defer rd.Close()

	writeState, readState, pools := rd.HealthStatus()
	fmt.Printf("Write role: %s\n", writeState)
	fmt.Printf("Read role:  %s\n", readState)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tHOST\tHEALTHY\tCURRENT")
	for _, p := range pools {
		current := ""
		if p.Current {
			current = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", p.Role, p.Host, p.Healthy, current)
	}
	w.Flush()
}

func handleStats() {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	ctx := context.Background()
	database := openDatabase(ctx, cfg)
	defer database.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tTOTAL\tIDLE\tIN USE\tMAX")
	for _, s := range database.Stats() {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", s.Role, s.Total, s.Idle, s.Acquired, s.Max)
	}
	w.Flush()
}

func handleEvents() {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	component := fs.String("component", "", "Filter by component (FAILOVER, MIGRATION, BACKUP, RESTORE)")
	limit := fs.Int("limit", 50, "Maximum number of events to show")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	ctx := context.Background()
	database := openDatabase(ctx, cfg)
	defer database.Close()

	events, err := database.RecentEvents(ctx, *component, *limit)
	if err != nil {
		fatalf("Failed to read events: %v", err)
	}
	if len(events) == 0 {
		fmt.Println("No events found")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tLEVEL\tCOMPONENT\tMESSAGE")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Level, e.Component, e.Message)
	}
	w.Flush()
}
