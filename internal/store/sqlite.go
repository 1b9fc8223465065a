package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver, registered as "sqlite".
)

// sqlitePragmas are applied to every connection through the modernc DSN.
const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_time_format=sqlite"

// Options selects and configures the database.
type Options struct {
	Driver     string // "sqlite" (default) or "postgres"
	SQLitePath string
	DSN        string

	// Now stamps created_at/updated_at. Defaults to UTC wall time.
	Now func() time.Time

	Log zerolog.Logger
}

// Open connects to the configured database, migrates the schema and returns
// a ready-to-use Store.
func Open(opts Options) (*Store, error) {
	var dialector gorm.Dialector
	driver := opts.Driver
	switch driver {
	case "", "sqlite":
		driver = "sqlite"
		if opts.SQLitePath == "" {
			return nil, errors.New("store: sqlite path is required")
		}
		if dir := filepath.Dir(opts.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: create %s: %w", dir, err)
			}
		}
		dialector = &sqlite.Dialector{DriverName: "sqlite", DSN: opts.SQLitePath + "?" + sqlitePragmas}
	case "postgres":
		dialector = postgres.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", opts.Driver)
	}

	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		NowFunc:        func() time.Time { return now().UTC() },
		Logger:         gormLogger{log: opts.Log, slow: 200 * time.Millisecond},
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}

	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// One writer; the busy timeout covers readers from other processes.
		sqlDB.SetMaxOpenConns(1)
	}

	s := &Store{db: db, driver: driver}
	if err := s.Migrate(); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// ---------------------------------------------------------------------------
// gorm logging through zerolog
// ---------------------------------------------------------------------------

type gormLogger struct {
	log  zerolog.Logger
	slow time.Duration
}

func (l gormLogger) LogMode(logger.LogLevel) logger.Interface { return l }

func (l gormLogger) Info(_ context.Context, msg string, args ...interface{}) {
	l.log.Debug().Msgf(msg, args...)
}

func (l gormLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	l.log.Warn().Msgf(msg, args...)
}

func (l gormLogger) Error(_ context.Context, msg string, args ...interface{}) {
	l.log.Error().Msgf(msg, args...)
}

func (l gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		l.log.Debug().Err(err).Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("query error")
	case l.slow > 0 && elapsed > l.slow:
		sql, rows := fc()
		l.log.Warn().Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("slow query")
	case l.log.GetLevel() <= zerolog.TraceLevel:
		sql, rows := fc()
		l.log.Trace().Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("query")
	}
}
