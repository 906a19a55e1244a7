package store

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/torbolabs/torbo/internal/config"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// Open selects the backend from config: Postgres when mode is "postgres"
// and a DSN is set, SQLite under the state directory otherwise. The schema
// is migrated to head before the store is returned.
func Open(cfg *config.Config) (*SQLStore, error) {
	if cfg.Database.Mode == "postgres" {
		if cfg.Database.PostgresDSN == "" {
			return nil, fmt.Errorf("database mode is postgres but TORBO_POSTGRES_DSN is not set")
		}
		return OpenPostgres(cfg.Database.PostgresDSN)
	}
	return OpenSQLite(cfg.StatePath("torbo.db"))
}

// OpenSQLite opens (and creates if needed) the embedded SQLite store.
func OpenSQLite(path string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db, dialect: dialectSQLite}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres opens the Postgres store via the pgx stdlib driver.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &SQLStore{db: db, dialect: dialectPostgres}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	m, err := newMigrator(s.db, s.dialect)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func newMigrator(db *sql.DB, d dialect) (*migrate.Migrate, error) {
	var (
		dir  string
		name string
		drv  database.Driver
		err  error
	)
	switch d {
	case dialectPostgres:
		dir, name = "migrations/postgres", "postgres"
		drv, err = migratepg.WithInstance(db, &migratepg.Config{})
	default:
		dir, name = "migrations/sqlite", "sqlite"
		drv, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	src, err := iofs.New(migrationFS, dir)
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, name, drv)
	if err != nil {
		return nil, fmt.Errorf("migrator: %w", err)
	}
	return m, nil
}

// NewMigrator opens the configured backend without migrating and returns
// a migrator for manual schema control, plus a close for the connection.
func NewMigrator(cfg *config.Config) (*migrate.Migrate, func() error, error) {
	var (
		db *sql.DB
		d  dialect
	)
	if cfg.Database.Mode == "postgres" {
		if cfg.Database.PostgresDSN == "" {
			return nil, nil, fmt.Errorf("database mode is postgres but TORBO_POSTGRES_DSN is not set")
		}
		pg, err := sql.Open("pgx", cfg.Database.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		db, d = pg, dialectPostgres
	} else {
		path := cfg.StatePath("torbo.db")
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("state dir: %w", err)
		}
		lite, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		db, d = lite, dialectSQLite
	}

	m, err := newMigrator(db, d)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return m, db.Close, nil
}
