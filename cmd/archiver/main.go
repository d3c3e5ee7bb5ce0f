package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"davomat/internal/apiclient"
	"davomat/internal/archiver"
	"davomat/internal/attendance"
	"davomat/internal/auth"
	"davomat/internal/clock"
	"davomat/internal/config"
	"davomat/internal/logger"
	"davomat/internal/push"
	"davomat/internal/roster"
	"davomat/internal/settings"
	"davomat/internal/store"
)

// Archiver stores and exports each finished day on a schedule.
func main() {
	once := flag.String("day", "", "archive a single day (YYYY-MM-DD) and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg, err := logger.NewFile(cfg.LogDir, "archiver.log", logger.ParseLevel(cfg.LogLevel))
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer lg.Close()

	if err := run(cfg, lg, *once); err != nil {
		lg.Fatalf("archiver failed: %v", err)
	}
}

func run(cfg config.App, lg *logger.Logger, once string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc := cfg.Location()
	threshold, err := clock.ParseTimeOfDay(cfg.Roster.LateThreshold)
	if err != nil {
		return fmt.Errorf("LATE_THRESHOLD: %w", err)
	}

	db, err := store.NewDB(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connect failed: %w", err)
	}
	defer db.Close()

	archive := attendance.NewArchive(db.Client)
	if err := archive.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate archive: %w", err)
	}
	settingsStore := settings.NewStore(db.Client, settings.Settings{LateThreshold: threshold})
	if err := settingsStore.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate settings: %w", err)
	}

	redisClient, err := store.NewRedis(cfg.RedisAddr, "davomat-archiver")
	if err != nil {
		return fmt.Errorf("REDIS_ADDR: %w", err)
	}
	defer redisClient.Close()
	var publisher archiver.Publisher
	if redisClient.Healthy(ctx) {
		publisher = push.NewRedisPublisher(redisClient.Client, cfg.Push.RedisChannel)
	} else {
		lg.Warn("redis not reachable, archived reports will not be announced")
	}

	var tokens *auth.ServiceTokens
	if cfg.Backend.ServiceKey != "" {
		tokens = &auth.ServiceTokens{Subject: "davomat-archiver", Issuer: cfg.JWTIssuer, Key: cfg.Backend.ServiceKey, TTL: cfg.AccessTTL}
	}
	client := apiclient.New(cfg.Backend.URL, cfg.Backend.Timeout, tokens, lg)

	sources := map[string]roster.Loader{}
	for _, name := range cfg.Archive.Collections {
		col, err := apiclient.ParseCollection(name)
		if err != nil {
			return fmt.Errorf("ARCHIVE_COLLECTIONS: %w", err)
		}
		sources[name] = apiclient.RosterLoader{Client: client, Collection: col, Location: loc, Log: lg}
	}

	job := &archiver.Job{
		Sources:    sources,
		Archive:    archive,
		Publisher:  publisher,
		Thresholds: settingsStore,
		Dir:        cfg.Archive.Dir,
		Location:   loc,
		Log:        lg.Named("archiver"),
	}

	if once != "" {
		day, err := clock.ParseDay(once, loc)
		if err != nil {
			return err
		}
		return job.Run(ctx, day)
	}

	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	_, err = c.AddFunc(cfg.Archive.Schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		day := archiver.PreviousDay(time.Now(), loc)
		if err := job.Run(runCtx, day); err != nil {
			lg.Errorf("archive %s: %v", clock.DayKey(day), err)
		}
	})
	if err != nil {
		return fmt.Errorf("add cron: %w", err)
	}

	lg.Infof("archiver started schedule=%q dir=%q collections=%v", cfg.Archive.Schedule, cfg.Archive.Dir, cfg.Archive.Collections)
	c.Start()
	<-ctx.Done()
	lg.Info("shutdown signal received")
	<-c.Stop().Done()
	lg.Info("archiver stopped")
	return nil
}
