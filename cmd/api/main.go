package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/gabcoyne/call-coach/internal/application"
	appingest "github.com/gabcoyne/call-coach/internal/application/ingest"
	appruns "github.com/gabcoyne/call-coach/internal/application/runs"
	"github.com/gabcoyne/call-coach/internal/config"
	"github.com/gabcoyne/call-coach/internal/domain/analysis"
	"github.com/gabcoyne/call-coach/internal/domain/events"
	openaiclient "github.com/gabcoyne/call-coach/internal/infra/ai/openai"
	rediscache "github.com/gabcoyne/call-coach/internal/infra/cache/redis"
	mysqlp "github.com/gabcoyne/call-coach/internal/infra/db/mysql"
	postgresp "github.com/gabcoyne/call-coach/internal/infra/db/postgres"
	"github.com/gabcoyne/call-coach/internal/infra/httpserver"
	rubricstore "github.com/gabcoyne/call-coach/internal/infra/rubric"
	minioStore "github.com/gabcoyne/call-coach/internal/infra/storage"
	"github.com/gabcoyne/call-coach/internal/infra/transcripts"
	"github.com/gabcoyne/call-coach/internal/middleware"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "call-coach").Logger()

	// path config.yaml
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	// load config
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	if cfg.Server.Env == "dev" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	ctx := context.Background()

	// connect database, mysql or postgres per config
	var (
		db        *sql.DB
		eventRepo events.Repository
		runRepo   analysis.RunRepository
	)
	switch cfg.Database.Driver {
	case "postgres":
		db, err = postgresp.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			log.Fatal().Err(err).Msg("postgres connect error")
		}
		eventRepo = postgresp.NewEventRepository(db)
		runRepo = postgresp.NewRunRepository(db)
	default:
		db, err = mysqlp.Connect(ctx, cfg.MySQLDSN())
		if err != nil {
			log.Fatal().Err(err).Msg("mysql connect error")
		}
		eventRepo = mysqlp.NewEventRepository(db)
		runRepo = mysqlp.NewRunRepository(db)
	}
	defer db.Close()

	// init redis cache
	cache, err := rediscache.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connect error")
	}
	defer cache.Close()
	meteredCache := middleware.NewMeteredCache(cache)

	// init minio audit archive
	archive, err := minioStore.New(ctx,
		cfg.Minio.Endpoint,
		cfg.Minio.Region,
		cfg.Minio.BucketName,
		cfg.Minio.AccessKey,
		cfg.Minio.SecretKey,
		cfg.Minio.UseSSL,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("minio init error")
	}

	// init collaborators
	scoreClient := openaiclient.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
	rubrics := rubricstore.NewStore(cfg.Rubrics.Dir)
	transcriptSource := transcripts.NewClient(cfg.Transcripts.BaseURL, cfg.Transcripts.APIKey)

	// init services
	runsSvc := &appruns.Service{
		Events:      eventRepo,
		Runs:        runRepo,
		Cache:       meteredCache,
		Transcripts: transcriptSource,
		Rubrics:     rubrics,
		Scorer: &appruns.DimensionScorer{
			Client:         scoreClient,
			MaxRetries:     uint64(cfg.Pipeline.MaxRetries),
			InitialBackoff: 500 * time.Millisecond,
			Log:            log,
		},
		Clock: application.SystemClock{},
		Log:   log,
		Cfg: appruns.Config{
			Dimensions:     cfg.Pipeline.Dimensions,
			RubricCategory: cfg.Rubrics.Category,
			RubricVersion:  cfg.Rubrics.Version,
			RunTimeout:     cfg.RunTimeout(),
			CacheTTL:       cfg.CacheTTL(),
			ChunkWindow:    cfg.Pipeline.ChunkWindow,
			ChunkOverlap:   cfg.Pipeline.ChunkOverlap,
			FetchRetries:   uint64(cfg.Pipeline.MaxRetries),
		},
	}

	gate := &appingest.Service{
		Repo:    eventRepo,
		Archive: archive,
		Starter: runsSvc,
		Secret:  []byte(cfg.Webhook.Secret),
		Clock:   application.SystemClock{},
		Log:     log,
	}

	// init router
	mux := chi.NewRouter()
	mux.Use(middleware.Logging(log))
	mux.Use(middleware.MetricsMiddleware)
	mux.Use(middleware.RateLimitMiddleware(cfg.RateLimit.Capacity, cfg.RateLimit.RefillRate))
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Signature"},
		MaxAge:         300,
	}))
	if cfg.Server.APIKey != "" {
		mux.Use(middleware.APIKeyAuth(cfg.Server.APIKey, "/v1/webhooks/"))
	}

	mux.Get("/health", middleware.HealthHandler(map[string]middleware.HealthChecker{
		"database": &middleware.DatabaseHealthChecker{DB: db},
		"redis":    middleware.PingChecker(cache.Ping),
	}))
	mux.Get("/health/live", middleware.LivenessHandler)
	mux.Get("/metrics", middleware.MetricsHandler)
	mux.Mount("/", httpserver.NewRouter(gate, runsSvc))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// run server
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down server")

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
