package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"davomat/internal/apiclient"
	"davomat/internal/attendance"
	"davomat/internal/auth"
	"davomat/internal/clock"
	"davomat/internal/config"
	"davomat/internal/httpapi"
	"davomat/internal/logger"
	"davomat/internal/push"
	"davomat/internal/recognition"
	"davomat/internal/roster"
	"davomat/internal/settings"
	"davomat/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Set Gin mode based on environment
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	lg, err := logger.NewFile(cfg.LogDir, "api.log", logger.ParseLevel(cfg.LogLevel))
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer lg.Close()

	if err := run(cfg, lg); err != nil {
		lg.Fatalf("api failed: %v", err)
	}
}

func run(cfg config.App, lg *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	threshold, err := clock.ParseTimeOfDay(cfg.Roster.LateThreshold)
	if err != nil {
		return fmt.Errorf("LATE_THRESHOLD: %w", err)
	}
	loc := cfg.Location()

	db, err := store.NewDB(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer db.Close()

	redisClient, err := store.NewRedis(cfg.RedisAddr, "davomat-api")
	if err != nil {
		return fmt.Errorf("REDIS_ADDR: %w", err)
	}
	defer redisClient.Close()

	settingsStore := settings.NewStore(db.Client, settings.Settings{
		LateThreshold:       threshold,
		StaffPollInterval:   cfg.Roster.StaffPollInterval,
		StudentPollInterval: cfg.Roster.StudentPollInterval,
	})
	if err := settingsStore.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate settings: %w", err)
	}
	if err := attendance.NewArchive(db.Client).Migrate(ctx); err != nil {
		return fmt.Errorf("migrate archive: %w", err)
	}
	current, err := settingsStore.Get(ctx)
	if err != nil {
		lg.Warnf("stored settings unreadable, using defaults: %v", err)
	}

	client := apiclient.New(cfg.Backend.URL, cfg.Backend.Timeout, serviceTokens(cfg), lg)

	g, gctx := errgroup.WithContext(ctx)

	hub := push.NewHub(64)
	var sub push.Subscriber = hub
	health := map[string]httpapi.HealthCheck{"db": db.Healthy}
	switch cfg.Push.Transport {
	case "socketio":
		sio := push.NewSocketIO(cfg.Push.URL, hub, lg)
		if err := sio.Connect(gctx); err != nil {
			return err
		}
		defer sio.Disconnect()
	case "redis":
		src := push.NewRedisSource(redisClient.Client, cfg.Push.RedisChannel, hub, lg)
		health["redis"] = redisClient.Healthy
		g.Go(func() error {
			if err := src.Run(gctx, nil); err != nil {
				lg.Errorf("redis push source stopped, rosters fall back to polling: %v", err)
			}
			return nil
		})
	default:
		sub = nil
	}

	staff := roster.New(
		apiclient.RosterLoader{Client: client, Collection: apiclient.AllStaff, Location: loc, Log: lg},
		sub,
		roster.Options{
			Collection:   "staff",
			Roles:        []roster.Role{roster.RoleTeacher, roster.RoleStaff, roster.RoleUnassigned},
			Threshold:    current.LateThreshold,
			PollInterval: current.StaffPollInterval,
			Location:     loc,
			DirtyEvents:  []string{push.EmployeeUpdated},
			Logger:       lg,
		},
	)
	students := roster.New(
		apiclient.RosterLoader{Client: client, Collection: apiclient.Students, Location: loc, Log: lg},
		sub,
		roster.Options{
			Collection:   "students",
			Roles:        []roster.Role{roster.RoleStudent},
			Threshold:    current.LateThreshold,
			PollInterval: current.StudentPollInterval,
			Location:     loc,
			DirtyEvents: []string{
				push.StudentAdded, push.StudentUpdated, push.StudentDeleted,
				push.ClassAdded, push.ClassUpdated, push.ClassDeleted,
			},
			Logger: lg,
		},
	)
	g.Go(func() error { return staff.Start(gctx) })
	g.Go(func() error { return students.Start(gctx) })

	var recognizer recognition.Recognizer = recognition.Placeholder{Confidence: cfg.FaceConfidence}
	if !cfg.FaceSkip {
		face := recognition.NewFaceService(cfg.FaceServiceURL, 0)
		if err := face.Health(ctx); err != nil {
			lg.Warnf("face service not available: %v", err)
		} else {
			lg.Info("face service connected")
		}
		recognizer = face
		health["face"] = func(ctx context.Context) bool { return face.Health(ctx) == nil }
	}
	recSvc := recognition.NewService(recognizer, client, lg, staff, students)
	defer recSvc.Wait()

	router := httpapi.NewRouter(httpapi.Deps{
		Rosters:         map[string]httpapi.Roster{"staff": staff, "students": students},
		Employees:       client,
		Recognition:     recSvc,
		Settings:        settingsStore,
		Health:          health,
		Location:        loc,
		SigningKey:      cfg.JWTSigningKey,
		Issuer:          cfg.JWTIssuer,
		RateLimitPerMin: cfg.RateLimitPerMin,
		AllowOrigins:    cfg.CORSOrigins,
		Log:             lg,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		lg.Infof("starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		lg.Info("shutting down server...")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	lg.Info("server exited")
	return err
}

func serviceTokens(cfg config.App) *auth.ServiceTokens {
	if cfg.Backend.ServiceKey == "" {
		return nil
	}
	return &auth.ServiceTokens{
		Subject: "davomat-api",
		Issuer:  cfg.JWTIssuer,
		Key:     cfg.Backend.ServiceKey,
		TTL:     cfg.AccessTTL,
	}
}
