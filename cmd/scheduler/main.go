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
	"github.com/sungwon/mail-scheduler/internal/scheduler"
	"github.com/sungwon/mail-scheduler/internal/storage"
)

const service = "scheduler"

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
	log.Info().Str("version", version).Msg("starting scheduler")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := bootstrap.Database(ctx, cfg.Database, service, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	queries := storage.New(db.Pool)

	b, err := broker.New(ctx, cfg.Broker, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create broker")
	}
	defer b.Close()

	sched := scheduler.New(queries, b, scheduler.Config{
		Interval:    cfg.Scheduler.Interval,
		BatchSize:   cfg.Scheduler.BatchSize,
		TickTimeout: cfg.Scheduler.TickTimeout,
	}, log)

	router := api.NewRouter(api.Deps{
		DB:        db,
		Emails:    queries,
		Broker:    b,
		QueueName: cfg.Broker.Queue,
	}, log)
	srv := bootstrap.NewHTTPServer(cfg.HTTP, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bootstrap.Serve(gctx, srv, cfg.Worker.ShutdownTimeout, log)
	})
	g.Go(func() error {
		// The running tick must outlive the signal so Stop can wait for it.
		if err := sched.Start(context.WithoutCancel(gctx)); err != nil {
			return err
		}
		<-gctx.Done()

		log.Info().Msg("shutting down scheduler")
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
		defer cancel()
		return sched.Stop(stopCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("scheduler exited with error")
		return
	}
	log.Info().Msg("scheduler stopped")
}
