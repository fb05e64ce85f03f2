package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/example/ssoportal/internal/config"
	"github.com/example/ssoportal/internal/store"
)

func main() {
	var (
		command = flag.String("command", "up", "Migration command: up, down, version, force")
		steps   = flag.Int("steps", 0, "Number of migration steps (for up/down)")
		version = flag.Uint("version", 0, "Target version (for force command)")
		dir     = flag.String("dir", "", "Migrations directory (defaults to MIGRATIONS_DIR)")
	)
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	cfg, err := config.New()
	if err != nil {
		log.Fatalw("config error", "error", err)
	}
	if cfg.DBAdapter != "postgres" {
		log.Fatalw("migrations only work with PostgreSQL", "db_adapter", cfg.DBAdapter)
	}
	migrationsDir := cfg.MigrationsDir
	if *dir != "" {
		migrationsDir = *dir
	}

	m, err := store.NewMigrator(migrationsDir, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatalw("migrate init failed", "dir", migrationsDir, "error", err)
	}
	defer m.Close()

	switch *command {
	case "up":
		if err := m.Up(*steps); err != nil {
			log.Fatalw("migration up failed", "error", err)
		}
	case "down":
		if err := m.Down(*steps); err != nil {
			log.Fatalw("migration down failed", "error", err)
		}
	case "version":
		v, dirty, err := m.Version()
		if err != nil {
			log.Fatalw("failed to get version", "error", err)
		}
		if v == 0 {
			log.Info("no migrations applied")
			return
		}
		log.Infow("current migration version", "version", v, "dirty", dirty)
	case "force":
		if *version == 0 {
			log.Fatal("version required for force command (use -version flag)")
		}
		if err := m.Force(int(*version)); err != nil {
			log.Fatalw("force migration failed", "error", err)
		}
	default:
		log.Fatalw("unknown command (supported: up, down, version, force)", "command", *command)
	}
}
