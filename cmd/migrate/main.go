package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/davidleathers/dependable-audit-engine/internal/infrastructure/config"
	"github.com/davidleathers/dependable-audit-engine/internal/infrastructure/database"
	"github.com/davidleathers/dependable-audit-engine/internal/infrastructure/telemetry"
)

type action string

const (
	actionUp     action = "up"
	actionDown   action = "down"
	actionStatus action = "status"
)

func parseAction(s string) (action, error) {
	switch a := action(s); a {
	case actionUp, actionDown, actionStatus:
		return a, nil
	default:
		return "", fmt.Errorf("unknown action %q (want up, down or status)", s)
	}
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		actionFlag = flag.String("action", "up", "Migration action: up, down, status")
		steps      = flag.Int("steps", 0, "Number of migrations to apply or roll back (0 = all)")
	)
	flag.Parse()

	act, err := parseAction(*actionFlag)
	if err != nil {
		log.Fatal(err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, act, *steps, logger); err != nil {
		logger.Error("Migration failed", zap.String("action", string(act)), zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, act action, steps int, logger *zap.Logger) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required (set AUDIT_DATABASE_URL)")
	}
	if steps < 0 {
		return fmt.Errorf("steps cannot be negative")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	migrator, err := database.NewMigrator(db, logger)
	if err != nil {
		db.Close()
		return err
	}
	defer migrator.Close()

	switch act {
	case actionUp:
		return migrator.Up(steps)
	case actionDown:
		return migrator.Down(steps)
	default:
		version, dirty, err := migrator.Version()
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
		logger.Info("Schema status", zap.Uint("version", version), zap.Bool("dirty", dirty))
		return nil
	}
}
