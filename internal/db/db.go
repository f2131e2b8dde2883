package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"sportsedge/internal/config"
	"sportsedge/internal/errs"
)

type DB struct {
	Gorm *gorm.DB
	SQL  *sql.DB
}

// Enabled reports whether a Postgres DSN is configured. Without one the service
// keeps its state in memory.
func Enabled(cfg config.DBConfig) bool {
	return strings.TrimSpace(cfg.DSN) != ""
}

// Open connects to Postgres, applies the pool settings and pins the session timezone.
func Open(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (*DB, error) {
	if !Enabled(cfg) {
		return nil, errs.Newf(errs.KindFatalConfig, "db.open", "db.dsn is empty")
	}
	gdb, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: newGormLogger(logger, cfg.SlowQuery),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqldb, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqldb.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqldb.PingContext(pingCtx); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	conn := &DB{Gorm: gdb, SQL: sqldb}
	if err := conn.setTimezone(ctx, cfg.Timezone); err != nil && logger != nil {
		logger.Warn("failed to set db timezone", zap.String("tz", cfg.Timezone), zap.Error(err))
	}
	return conn, nil
}

func Close(db *DB) error {
	if db == nil || db.SQL == nil {
		return nil
	}
	return db.SQL.Close()
}

func (db *DB) setTimezone(ctx context.Context, tz string) error {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return err
	}
	_, err := db.SQL.ExecContext(ctx, "SET TIME ZONE '"+strings.ReplaceAll(tz, "'", "")+"'")
	return err
}

// gormLogger routes slow queries and errors into zap. Record-not-found is expected
// by the repository and is not logged.
type gormLogger struct {
	log  *zap.Logger
	slow time.Duration
	lvl  gormlogger.LogLevel
}

func newGormLogger(logger *zap.Logger, slow time.Duration) gormlogger.Interface {
	if logger == nil {
		return gormlogger.Default.LogMode(gormlogger.Silent)
	}
	return &gormLogger{log: logger.Named("gorm"), slow: slow, lvl: gormlogger.Warn}
}

func (l *gormLogger) LogMode(lvl gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.lvl = lvl
	return &cp
}

func (l *gormLogger) Info(_ context.Context, msg string, args ...any) {
	if l.lvl >= gormlogger.Info {
		l.log.Sugar().Infof(msg, args...)
	}
}

func (l *gormLogger) Warn(_ context.Context, msg string, args ...any) {
	if l.lvl >= gormlogger.Warn {
		l.log.Sugar().Warnf(msg, args...)
	}
}

func (l *gormLogger) Error(_ context.Context, msg string, args ...any) {
	if l.lvl >= gormlogger.Error {
		l.log.Sugar().Errorf(msg, args...)
	}
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.lvl <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && l.lvl >= gormlogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sqlText, rows := fc()
		l.log.Warn("query failed", zap.Duration("elapsed", elapsed), zap.Int64("rows", rows), zap.String("sql", sqlText), zap.Error(err))
	case l.slow > 0 && elapsed > l.slow && l.lvl >= gormlogger.Warn:
		sqlText, rows := fc()
		l.log.Warn("slow query", zap.Duration("elapsed", elapsed), zap.Int64("rows", rows), zap.String("sql", sqlText))
	}
}
