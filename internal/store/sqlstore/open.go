package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	connectAttempts = 8
	firstBackoff    = 500 * time.Millisecond
	maxBackoff      = 8 * time.Second
	pingTimeout     = 2 * time.Second
)

func gormLogger(log *slog.Logger) logger.Interface {
	if log == nil {
		return logger.Default.LogMode(logger.Silent)
	}
	return logger.New(
		slog.NewLogLogger(log.Handler(), slog.LevelWarn),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// Open connects to the database behind driver and dsn and migrates the schema.
// Postgres connections are retried with exponential backoff while the server
// comes up.
func Open(ctx context.Context, driver, dsn string, log *slog.Logger) (*Store, error) {
	cfg := &gorm.Config{Logger: gormLogger(log)}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	case DriverPostgres:
		db, err = openWithRetry(ctx, dsn, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}

	if err := db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return New(db), nil
}

func openWithRetry(ctx context.Context, dsn string, cfg *gorm.Config, log *slog.Logger) (*gorm.DB, error) {
	backoff := firstBackoff
	var last error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		db, err := gorm.Open(postgres.Open(dsn), cfg)
		if err == nil {
			if err = ping(ctx, db); err == nil {
				return db, nil
			}
		}
		last = err
		if log != nil {
			log.Warn("database not ready", "attempt", attempt, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
	return nil, last
}

func ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return sqlDB.PingContext(ctx)
}
