package infra

import (
	"database/sql"
	"fmt"
	"log"

	"terminal-fleet/internal/shared/storage/dbutil"
	pgdriver "terminal-fleet/internal/shared/storage/driver/postgres"
	sqlitedriver "terminal-fleet/internal/shared/storage/driver/sqlite"
	"terminal-fleet/internal/shared/storage/repository"
)

// NewPersistentStoreFromDSN 根据驱动类型和 DSN 创建持久化存储，并执行 Schema 迁移
// 支持的驱动类型：postgres, sqlite
func NewPersistentStoreFromDSN(driver, dsn string) (*repository.Store, error) {
	var (
		db      *sql.DB
		dialect dbutil.Dialect
		err     error
	)

	switch dbutil.DriverType(driver) {
	case dbutil.DriverPostgres:
		db, err = pgdriver.Open(dsn)
		dialect = pgdriver.NewDialect()
	case dbutil.DriverSQLite:
		db, err = sqlitedriver.Open(dsn)
		dialect = sqlitedriver.NewDialect()
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}

	if err := dialect.AutoMigrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate %s schema: %w", driver, err)
	}

	log.Printf("[Infra] Storage ready (driver=%s)", driver)
	return repository.NewStore(db, dialect), nil
}
