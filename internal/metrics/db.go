// Package metrics persists host telemetry samples and runs the background
// sampler that produces them. Storage is SQLite by default (modernc pure-Go
// driver, no CGO) with PostgreSQL as the alternative; the schema is owned by
// embedded golang-migrate SQL applied on open. The store has a single writer
// (the sampler) and any number of readers.
package metrics

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	// Registers the pure-Go driver as "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Drivers the store supports.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DBConfig selects and configures the backing database.
type DBConfig struct {
	Driver string // DriverSQLite (default) or DriverPostgres
	DSN    string
	Logger *zap.Logger
}

// SQLiteDSN builds the DSN for a file-backed store. WAL keeps readers off
// the writer's lock; the busy timeout covers the window where the retention
// delete holds it.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

// openDB opens the configured database, applies pending migrations, and
// returns the ready *gorm.DB.
func openDB(cfg DBConfig) (*gorm.DB, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	gormCfg := &gorm.Config{Logger: newGormLogger(cfg.Logger)}

	var (
		database *gorm.DB
		sqlDB    *sql.DB
		err      error
		driver   string
	)

	switch cfg.Driver {
	case DriverSQLite, "":
		// Open via database/sql with the modernc driver, then hand the
		// existing *sql.DB to GORM so it does not reach for go-sqlite3.
		sqlDB, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("metrics: opening sqlite: %w", err)
		}
		// SQLite allows one writer at a time.
		sqlDB.SetMaxOpenConns(1)

		database, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("metrics: initializing gorm with sqlite: %w", err)
		}
		driver = DriverSQLite

	case DriverPostgres:
		database, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("metrics: opening postgres: %w", err)
		}
		sqlDB, err = database.DB()
		if err != nil {
			return nil, fmt.Errorf("metrics: getting sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(2)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		driver = DriverPostgres

	default:
		return nil, fmt.Errorf("metrics: unsupported driver %q, use %q or %q", cfg.Driver, DriverSQLite, DriverPostgres)
	}

	if err := runMigrations(sqlDB, driver, cfg.Logger); err != nil {
		return nil, fmt.Errorf("metrics: migrations failed: %w", err)
	}
	return database, nil
}

// runMigrations applies pending up-migrations from the driver's embedded SQL
// directory. ErrNoChange is success.
func runMigrations(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations/"+driver)
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	var m *migrate.Migrate
	switch driver {
	case DriverSQLite:
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("creating sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, driver, drv)
		if err != nil {
			return fmt.Errorf("creating migrator: %w", err)
		}
	case DriverPostgres:
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("creating postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, driver, drv)
		if err != nil {
			return fmt.Errorf("creating migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	log.Debug("metrics schema up to date", zap.String("driver", driver))
	return nil
}
