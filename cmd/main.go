package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/DavidGamba/go-getoptions"

	"artbeat/internal/cache"
	"artbeat/internal/config"
	"artbeat/internal/jobqueue"
	"artbeat/internal/kv"
	"artbeat/internal/messages"
	"artbeat/internal/notification"
	"artbeat/internal/queue"
	"artbeat/internal/worker"
	"artbeat/server"
)

const (
	modeServer = "server"
	modeWorker = "worker"
	modeAll    = "all"
)

type commandLineOptionValues struct {
	Mode    string
	EnvFile string
}

func parseCommandLine() *commandLineOptionValues {
	optionValues := &commandLineOptionValues{}
	opt := getoptions.New()

	opt.Bool("help", false, opt.Alias("h", "?"))
	opt.StringVar(&optionValues.Mode, "mode", modeAll,
		opt.Alias("m"),
		opt.ValidValues(modeServer, modeWorker, modeAll),
		opt.Description("which processes to run: server, worker or all"))
	opt.StringVar(&optionValues.EnvFile, "env-file", "",
		opt.Description("path to a .env file, defaults to ./.env"))

	_, err := opt.Parse(os.Args[1:])
	if opt.Called("help") {
		fmt.Fprint(os.Stderr, opt.Help())
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
		fmt.Fprint(os.Stderr, opt.Help(getoptions.HelpSynopsis))
		os.Exit(1)
	}

	return optionValues
}

func main() {
	optionValues := parseCommandLine()

	var envFiles []string
	if optionValues.EnvFile != "" {
		envFiles = append(envFiles, optionValues.EnvFile)
	}
	cfg, err := config.Load(envFiles...)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg.SetupLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := kv.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("Invalid Redis configuration", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// An unreachable store degrades features instead of preventing startup.
	storeUp := kv.Ping(ctx, rdb, 3*time.Second) == nil
	if !storeUp {
		slog.Warn("Redis unreachable at startup, running degraded", "addr", cfg.Redis.Address())
	}

	var lookup messages.ParticipantLookup
	if cfg.DatabaseURL != "" {
		participants, err := messages.ConnectParticipants(cfg.DatabaseURL)
		if err != nil {
			slog.Warn("Participant lookup disabled", "error", err)
		} else {
			defer participants.Close()
			lookup = participants
		}
	}

	redisOpt, err := queue.RedisOpt(cfg.Redis)
	if err != nil {
		slog.Error("Invalid Redis configuration", "error", err)
		os.Exit(1)
	}

	notifications := notification.NewService(rdb)
	responseCache := cache.New(rdb)
	jobs := jobqueue.New(rdb)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	if optionValues.Mode == modeServer || optionValues.Mode == modeAll {
		delayed := queue.NewClient(redisOpt, cfg.Jobs.Timeout)
		defer delayed.Close()

		srv := server.NewServer(cfg, server.Deps{
			RDB:           rdb,
			Notifications: notifications,
			Unread:        messages.NewUnreadCounter(rdb, lookup),
			Cache:         responseCache,
			Jobs:          jobs,
			Delayed:       delayed,
		}, storeUp)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(ctx); err != nil {
				errCh <- fmt.Errorf("server: %w", err)
			}
		}()
	}

	if optionValues.Mode == modeWorker || optionValues.Mode == modeAll {
		w := worker.NewWorker(redisOpt, jobs, notifications, responseCache, jobqueue.ProcessOptions{
			Concurrency:  cfg.Jobs.Concurrency,
			Timeout:      cfg.Jobs.Timeout,
			PollInterval: cfg.Jobs.PollInterval,
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Start(ctx); err != nil {
				errCh <- fmt.Errorf("worker: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		slog.Error("Shutting down after failure", "error", err)
		stop()
		wg.Wait()
		os.Exit(1)
	case <-ctx.Done():
	}

	slog.Info("Shutdown signal received", "mode", optionValues.Mode)
	wg.Wait()
}
