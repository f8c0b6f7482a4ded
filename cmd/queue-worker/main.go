package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/sungwon/mail-scheduler/internal/api"
	"github.com/sungwon/mail-scheduler/internal/bootstrap"
	"github.com/sungwon/mail-scheduler/internal/broker"
	"github.com/sungwon/mail-scheduler/internal/config"
	"github.com/sungwon/mail-scheduler/internal/mailer"
	"github.com/sungwon/mail-scheduler/internal/objstore"
	"github.com/sungwon/mail-scheduler/internal/storage"
	"github.com/sungwon/mail-scheduler/internal/worker"
)

const service = "queue-worker"

var version = "dev"

func main() {
	cfg, err := config.Load("config")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, flush, err := bootstrap.Logger(cfg, service, version)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise error reporting")
	}
	defer flush()
	log.Info().Str("version", version).Msg("starting queue worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := bootstrap.Database(ctx, cfg.Database, service, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	queries := storage.New(db.Pool)

	files, err := objstore.New(ctx, cfg.Storage.ObjStore(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create attachment store")
	}

	sender, err := mailer.New(cfg.Mail.Sender(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create mail sender")
	}
	log.Info().Str("driver", sender.Name()).Msg("mail sender ready")

	b, err := broker.New(ctx, cfg.Broker, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create broker")
	}
	defer b.Close()

	processor := worker.NewProcessor(queries, files, sender, cfg.Worker.MaxRetries, log)
	handler := worker.NewHandler(processor, log)
	consumer := worker.NewConsumer(b, handler, cfg.Broker.Prefetch, cfg.Worker.ProcessTimeout, log)

	router := api.NewRouter(api.Deps{
		DB:        db,
		Emails:    queries,
		Broker:    b,
		Storage:   files,
		QueueName: cfg.Broker.Queue,
	}, log)
	srv := bootstrap.NewHTTPServer(cfg.HTTP, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bootstrap.Serve(gctx, srv, cfg.Worker.ShutdownTimeout, log)
	})
	g.Go(func() error {
		return consumer.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("queue worker exited with error")
		return
	}
	log.Info().Msg("queue worker stopped")
}
