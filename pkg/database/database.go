package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"runtime"
	"strings"
	"time"
)

// Database wraps the SQL connection together with the shared ID
// generator so every archived row receives a unique primary key without
// relying on driver-specific autoincrement behaviour.
type Database struct {
	DB          *sql.DB    // The underlying SQL database connection
	idGenerator chan int64 // Channel for generating unique IDs
	Driver      string     // Normalized driver name so SQL builders can stay declarative
}

// Config holds the configuration details for initializing the database.
type Config struct {
	DBType    string // Database driver: "sqlite", "genji", "duckdb" or "pgx" (PostgreSQL)
	DBPath    string // File path for file-based databases
	DBConn    string // Raw DSN for network drivers
	DBHost    string // Host for PostgreSQL
	DBPort    int    // Port for PostgreSQL
	DBUser    string // User for PostgreSQL
	DBPass    string // Password for PostgreSQL
	DBName    string // Database name for PostgreSQL
	PGSSLMode string // PostgreSQL SSL mode
	Port      int    // Server port, used in default database file naming
}

// normalizeDBType trims and lowercases driver names so downstream switch
// blocks do not miss driver-specific handling just because a caller
// passed mixed case or incidental whitespace.
func normalizeDBType(dbType string) string {
	return strings.ToLower(strings.TrimSpace(dbType))
}

// startIDGenerator launches a goroutine for generating unique IDs.
func startIDGenerator(initialID int64) chan int64 {
	idChannel := make(chan int64)
	go func(start int64) {
		currentID := start
		for {
			idChannel <- currentID
			currentID++
		}
	}(initialID)
	return idChannel
}

// NewDatabase opens the archive and configures connection pooling.
// File-based engines are forced into single-connection mode so the
// poller write path never races itself at the driver level.
func NewDatabase(config Config) (*Database, error) {
	driverName := normalizeDBType(config.DBType)
	var (
		dsn                string
		applySQLitePragmas bool
	)

	switch driverName {
	case "sqlite":
		applySQLitePragmas = true
		dsn = config.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("ais-history-%d.sqlite", config.Port)
		}
	case "genji":
		// Genji keeps its own storage engine; no SQLite pragmas apply.
		dsn = config.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("ais-history-%d.genji", config.Port)
		}
	case "duckdb":
		// The file is created on first open.
		dsn = config.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("ais-history-%d.duckdb", config.Port)
		}
	case "pgx":
		if strings.TrimSpace(config.DBConn) != "" {
			dsn = config.DBConn
		} else {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				config.DBUser, config.DBPass, config.DBHost, config.DBPort, config.DBName, config.PGSSLMode)
		}
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.DBType)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening the database: %v", err)
	}

	switch driverName {
	case "sqlite", "genji", "duckdb":
		// One physical connection; no concurrent statements at DB layer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		if applySQLitePragmas {
			tuneCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := tuneSQLiteConnection(tuneCtx, db, log.Printf); err != nil {
				log.Printf("sqlite tuning skipped: %v", err)
			}
			cancel()
		}
	case "pgx":
		db.SetMaxOpenConns(runtime.NumCPU())
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	// Cheap liveness probe with timeout so we don't hang at startup.
	{
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("error connecting to the database: %v", err)
		}
	}

	log.Printf("Using database driver: %s with DSN: %s", driverName, dsn)

	// Bootstrap the ID generator from the highest ID across tables so
	// each row receives a unique primary key.  Errors are ignored to
	// keep startup robust even when tables are missing.
	initialID := int64(1)
	for _, table := range []string{"vessel_positions", "buoy_observations", "collection_summary"} {
		var maxID sql.NullInt64
		_ = db.QueryRow(fmt.Sprintf(`SELECT MAX(id) FROM %s`, table)).Scan(&maxID)
		if maxID.Valid && maxID.Int64 >= initialID {
			initialID = maxID.Int64 + 1
		}
	}

	return &Database{
		DB:          db,
		idGenerator: startIDGenerator(initialID),
		Driver:      driverName,
	}, nil
}

// tuneSQLiteConnection applies WAL/synchronous/busy pragmas.  The steps
// run through a small channel pipeline so the work happens outside the
// caller goroutine, following "Don't communicate by sharing memory;
// share memory by communicating".
func tuneSQLiteConnection(ctx context.Context, db *sql.DB, logf func(string, ...any)) error {
	type pragma struct {
		label     string
		query     string
		expectRow bool
	}

	steps := []pragma{
		{label: "journal_mode", query: "PRAGMA journal_mode=WAL;", expectRow: true},
		{label: "synchronous", query: "PRAGMA synchronous=NORMAL;"},
		{label: "temp_store", query: "PRAGMA temp_store=MEMORY;"},
		{label: "busy_timeout", query: "PRAGMA busy_timeout=5000;"},
	}

	jobs := make(chan pragma)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		for step := range jobs {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			default:
			}

			if step.expectRow {
				var mode string
				if err := db.QueryRowContext(ctx, step.query).Scan(&mode); err != nil {
					errs <- fmt.Errorf("apply %s: %w", step.label, err)
					return
				}
				logf("SQLite tuning %s -> %s", step.label, mode)
				continue
			}

			if _, err := db.ExecContext(ctx, step.query); err != nil {
				errs <- fmt.Errorf("apply %s: %w", step.label, err)
				return
			}
			logf("SQLite tuning %s applied", step.label)
		}
		errs <- nil
	}()

	go func() {
		defer close(jobs)
		for _, step := range steps {
			jobs <- step
		}
	}()

	return <-errs
}

// InitSchema creates the archive tables.  The layout mirrors the
// standalone collection job's SQLite schema so existing archives stay
// readable, extended with the buoy observation table.
func (db *Database) InitSchema(cfg Config) error {
	var schema string

	switch normalizeDBType(cfg.DBType) {
	case "pgx":
		schema = `
CREATE TABLE IF NOT EXISTS vessel_positions (
  id          BIGINT PRIMARY KEY,
  timestamp   BIGINT NOT NULL,
  mmsi        BIGINT NOT NULL,
  name        TEXT,
  lon         DOUBLE PRECISION NOT NULL,
  lat         DOUBLE PRECISION NOT NULL,
  sog         DOUBLE PRECISION,
  cog         DOUBLE PRECISION,
  heading     INTEGER,
  navStat     INTEGER,
  shipType    INTEGER,
  destination TEXT,
  eta         TEXT,
  draught     DOUBLE PRECISION,
  posAcc      BOOLEAN
);

CREATE TABLE IF NOT EXISTS collection_summary (
  id               BIGINT PRIMARY KEY,
  timestamp        BIGINT NOT NULL,
  vesselCount      INTEGER NOT NULL,
  collectionTimeMs BIGINT
);

CREATE TABLE IF NOT EXISTS buoy_observations (
  id            BIGINT PRIMARY KEY,
  timestamp     BIGINT NOT NULL,
  station       TEXT NOT NULL,
  lon           DOUBLE PRECISION NOT NULL,
  lat           DOUBLE PRECISION NOT NULL,
  waveHeight    DOUBLE PRECISION,
  waveDirection DOUBLE PRECISION,
  wavePeriod    DOUBLE PRECISION,
  waterTemp     DOUBLE PRECISION,
  maxWaveHeight DOUBLE PRECISION
);
`
	default:
		// SQLite, Genji and DuckDB all accept this portable form.
		schema = `
CREATE TABLE IF NOT EXISTS vessel_positions (
  id          INTEGER PRIMARY KEY,
  timestamp   BIGINT NOT NULL,
  mmsi        BIGINT NOT NULL,
  name        TEXT,
  lon         REAL NOT NULL,
  lat         REAL NOT NULL,
  sog         REAL,
  cog         REAL,
  heading     INTEGER,
  navStat     INTEGER,
  shipType    INTEGER,
  destination TEXT,
  eta         TEXT,
  draught     REAL,
  posAcc      BOOLEAN
);

CREATE TABLE IF NOT EXISTS collection_summary (
  id               INTEGER PRIMARY KEY,
  timestamp        BIGINT NOT NULL,
  vesselCount      INTEGER NOT NULL,
  collectionTimeMs BIGINT
);

CREATE TABLE IF NOT EXISTS buoy_observations (
  id            INTEGER PRIMARY KEY,
  timestamp     BIGINT NOT NULL,
  station       TEXT NOT NULL,
  lon           REAL NOT NULL,
  lat           REAL NOT NULL,
  waveHeight    REAL,
  waveDirection REAL,
  wavePeriod    REAL,
  waterTemp     REAL,
  maxWaveHeight REAL
);
`
	}

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.DB.Exec(stmt + ";"); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// EnsureIndexesAsync builds non-critical indexes in the background,
// politely: no pinned connections, plain CREATE INDEX IF NOT EXISTS,
// and a retry loop with backoff for "database is locked" engines.
func (db *Database) EnsureIndexesAsync(ctx context.Context, cfg Config, logf func(string, ...any)) {
	type idx struct{ name, sql string }

	indexes := []idx{
		{"idx_vessel_mmsi", `CREATE INDEX IF NOT EXISTS idx_vessel_mmsi ON vessel_positions (mmsi)`},
		{"idx_vessel_timestamp", `CREATE INDEX IF NOT EXISTS idx_vessel_timestamp ON vessel_positions (timestamp)`},
		{"idx_vessel_mmsi_timestamp", `CREATE INDEX IF NOT EXISTS idx_vessel_mmsi_timestamp ON vessel_positions (mmsi, timestamp)`},
		{"idx_buoy_station_timestamp", `CREATE INDEX IF NOT EXISTS idx_buoy_station_timestamp ON buoy_observations (station, timestamp)`},
	}

	go func() {
		logf("background index build scheduled (engine=%s)", cfg.DBType)
		for _, it := range indexes {
			start := time.Now()
			backoff := 50 * time.Millisecond
			for {
				select {
				case <-ctx.Done():
					logf("stop index builder: %v", ctx.Err())
					return
				default:
				}

				_, err := db.DB.ExecContext(ctx, it.sql)
				if err == nil {
					logf("index %s ready in %s", it.name, time.Since(start).Truncate(time.Millisecond))
					break
				}

				msg := strings.ToLower(err.Error())
				if strings.Contains(msg, "already exists") {
					break
				}
				if strings.Contains(msg, "locked") || strings.Contains(msg, "busy") {
					time.Sleep(backoff)
					if backoff < time.Second {
						backoff *= 2
					}
					continue
				}

				logf("index %s failed: %v", it.name, err)
				break
			}
		}
	}()
}

// newPlaceholderGenerator returns positional placeholders for the
// configured driver so query builders stay declarative.
func newPlaceholderGenerator(dbType string) func() string {
	if normalizeDBType(dbType) == "pgx" {
		counter := 0
		return func() string {
			counter++
			return fmt.Sprintf("$%d", counter)
		}
	}
	return func() string { return "?" }
}

// nullableFloat64 converts a value/valid pair into the driver-level
// NULL representation.
func nullableFloat64(valid bool, v float64) any {
	if !valid {
		return nil
	}
	return v
}

// nullableInt64 mirrors nullableFloat64 for integer columns.
func nullableInt64(valid bool, v int64) any {
	if !valid {
		return nil
	}
	return v
}
