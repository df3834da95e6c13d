// File: connection.go
package postgres

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/SiriusScan/leakwatch/leakwatch/config"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var (
	mu          sync.Mutex
	db          *gorm.DB
	connErr     error
	initialized bool
)

// Models lists every table in dependency order.
func Models() []any {
	return []any{
		&models.VcsInstance{},
		&models.Repository{},
		&models.RuleAllowList{},
		&models.RulePack{},
		&models.Rule{},
		&models.Tag{},
		&models.RuleTag{},
		&models.Scan{},
		&models.Finding{},
		&models.ScanFinding{},
		&models.Audit{},
	}
}

// Connect opens a gorm handle for the given driver. Store errors are
// translated so duplicate keys and foreign key violations can be told apart.
func Connect(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres, "":
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return conn, nil
}

// Migrate creates or updates every table and index.
func Migrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to migrate database schema: %w", err)
	}
	return nil
}

// Open connects with cfg, migrates the schema and installs the handle
// returned by GetDB.
func Open(cfg *config.Config) (*gorm.DB, error) {
	conn, err := Connect(cfg.DBDriver, cfg.DBDSN)
	if err == nil {
		err = Migrate(conn)
	}

	mu.Lock()
	defer mu.Unlock()
	initialized = true
	connErr = err
	if err != nil {
		return nil, err
	}
	db = conn
	return db, nil
}

// GetDB returns the shared handle, connecting from the environment on first use.
// It returns nil when the connection failed; see GetConnectionError.
func GetDB() *gorm.DB {
	mu.Lock()
	ready := initialized
	mu.Unlock()

	if !ready {
		if _, err := Open(config.Load()); err != nil {
			slog.Error("Database connection failed", "error", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	return db
}

// SetDB installs an already opened handle.
func SetDB(conn *gorm.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = conn
	connErr = nil
	initialized = true
}

// IsConnected reports whether a usable handle is installed.
func IsConnected() bool {
	mu.Lock()
	defer mu.Unlock()
	return db != nil && connErr == nil
}

// GetConnectionError returns the error of the last connection attempt.
func GetConnectionError() error {
	mu.Lock()
	defer mu.Unlock()
	return connErr
}
