package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"
)

// Migrator applies the numbered SQL files of a directory to a PostgreSQL database.
type Migrator struct {
	m   *migrate.Migrate
	log *zap.SugaredLogger
}

// NewMigrator connects to dsn and reads migrations from dir. Close releases both.
func NewMigrator(dir, dsn string, log *zap.SugaredLogger) (*Migrator, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		driver.Close()
		return nil, fmt.Errorf("migrations in %s: %w", dir, err)
	}
	m.Log = migrateLogger{log}
	return &Migrator{m: m, log: log}, nil
}

// Version returns the applied version. A fresh database reports 0.
func (m *Migrator) Version() (uint, bool, error) {
	v, dirty, err := m.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// Up applies steps pending migrations, or all of them when steps is 0. A dirty database is
// refused; it needs Force after a manual fix.
func (m *Migrator) Up(steps int) error {
	return m.move(steps, true)
}

// Down rolls back steps migrations, or all of them when steps is 0.
func (m *Migrator) Down(steps int) error {
	return m.move(steps, false)
}

func (m *Migrator) move(steps int, up bool) error {
	from, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty, force it after repairing the database", from)
	}
	switch {
	case steps > 0 && up:
		err = m.m.Steps(steps)
	case steps > 0:
		err = m.m.Steps(-steps)
	case up:
		err = m.m.Up()
	default:
		err = m.m.Down()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		m.log.Infow("schema is current", "version", from)
		return nil
	}
	if err != nil {
		return err
	}
	to, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	m.log.Infow("schema migrated", "from", from, "to", to)
	return nil
}

// Force records v as the applied version without running anything.
func (m *Migrator) Force(v int) error {
	if err := m.m.Force(v); err != nil {
		return err
	}
	m.log.Warnw("schema version forced", "version", v)
	return nil
}

func (m *Migrator) Close() error {
	srcErr, dbErr := m.m.Close()
	return errors.Join(srcErr, dbErr)
}

// Migrate brings the schema at dsn up to date.
func Migrate(dir, dsn string, log *zap.SugaredLogger) error {
	m, err := NewMigrator(dir, dsn, log)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up(0)
}

// migrateLogger routes golang-migrate's progress lines into zap at debug level.
type migrateLogger struct{ log *zap.SugaredLogger }

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Debugf(strings.TrimRight(format, "\n"), v...)
}

func (l migrateLogger) Verbose() bool {
	return l.log.Desugar().Core().Enabled(zap.DebugLevel)
}
