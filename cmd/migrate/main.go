package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sungwon/mail-scheduler/internal/config"
	"github.com/sungwon/mail-scheduler/internal/logger"
	"github.com/sungwon/mail-scheduler/internal/storage"
	"github.com/sungwon/mail-scheduler/migrations"
)

func main() {
	configDir := flag.String("config", "config", "directory containing config.yaml")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: migrate [-config dir] up|status\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "up"
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewFromConfig(cfg.Logging.ForService("migrate"))

	ctx := context.Background()
	db, err := storage.NewDB(ctx, cfg.Database.Pool("migrate"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	switch command {
	case "up":
		err = storage.Migrate(ctx, db.Pool, migrations.FS, log)
	case "status":
		err = storage.MigrationStatus(ctx, db.Pool, migrations.FS, log)
	default:
		flag.Usage()
		db.Close()
		os.Exit(2)
	}
	if err != nil {
		log.Error().Err(err).Msg("migration failed")
		db.Close()
		os.Exit(1)
	}
	log.Info().Str("command", command).Msg("migration complete")
}
