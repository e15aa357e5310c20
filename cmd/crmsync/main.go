// Package main is the crmsync service: scheduled CRM snapshot syncs
// behind a small HTTP API.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/crmtools/crmsync/pkg/crm"
	"github.com/crmtools/crmsync/pkg/logging"
	"github.com/crmtools/crmsync/pkg/runlock"
	"github.com/crmtools/crmsync/pkg/snapstore"
	"github.com/crmtools/crmsync/pkg/syncer"
)

func main() {
	// .env is for local runs; production configures the environment directly
	_ = godotenv.Load()

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: getEnv("LOG_PRETTY", "false") == "true",
		Output: os.Stderr,
	})

	// Configuration from environment
	port := getEnv("PORT", "8080")
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}
	redisURL := getEnv("REDIS_URL", "localhost:6379")
	baseURL := os.Getenv("CRM_BASE_URL")
	if baseURL == "" {
		log.Fatal().Msg("CRM_BASE_URL is required")
	}
	token := os.Getenv("CRM_API_TOKEN")
	if token == "" {
		log.Fatal().Msg("CRM_API_TOKEN is required")
	}
	cronSecret := os.Getenv("CRON_SECRET")
	if cronSecret == "" {
		log.Warn().Msg("CRON_SECRET not set; sync endpoint accepts unauthenticated requests")
	}
	schedule := os.Getenv("SYNC_SCHEDULE")
	syncTimeout := getEnvDuration("SYNC_TIMEOUT", 10*time.Minute)

	ctx := context.Background()

	// Setup PostgreSQL
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	log.Info().Msg("Connected to PostgreSQL")

	store := snapstore.New(db, snapstore.DefaultConfig())
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply storage schema")
	}

	// Setup Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: redisURL,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()
	log.Info().Str("addr", redisURL).Msg("Connected to Redis")

	locks := runlock.NewCoordinator(redisClient, 0)

	// CRM client
	crmCfg := crm.DefaultConfig(baseURL, token)
	crmCfg.PageSize = getEnvInt("CRM_PAGE_SIZE", crmCfg.PageSize)
	crmClient, err := crm.New(crmCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create CRM client")
	}

	s := syncer.New(crmClient, store, locks, syncer.DefaultConfig())

	app := &app{
		syncer:      s,
		snapshots:   store,
		lastRuns:    locks,
		db:          db,
		redis:       redisClient,
		cronSecret:  cronSecret,
		syncTimeout: syncTimeout,
	}

	// Scheduled syncs
	if schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(schedule, func() {
			runCtx, cancel := context.WithTimeout(context.Background(), syncTimeout)
			defer cancel()
			if _, err := s.SyncAll(runCtx); err != nil {
				log.Error().Err(err).Msg("Scheduled sync failed")
			}
		}); err != nil {
			log.Fatal().Err(err).Str("schedule", schedule).Msg("Invalid sync schedule")
		}
		c.Start()
		defer c.Stop()
		log.Info().Str("schedule", schedule).Msg("Scheduled syncs enabled")
	}

	// The sync endpoint responds only after the run finishes, so the
	// write timeout has to outlast a full sync.
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      newRouter(app),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: syncTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("Starting crmsync server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
	log.Info().Msg("Server stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid integer in environment, using default")
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid duration in environment, using default")
		return defaultValue
	}
	return parsed
}
