package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/kubelab-exams/internal/config"
	"github.com/stemsi/kubelab-exams/internal/database"
	"github.com/stemsi/kubelab-exams/internal/handler"
	"github.com/stemsi/kubelab-exams/internal/logger"
	"github.com/stemsi/kubelab-exams/internal/repository"
	"github.com/stemsi/kubelab-exams/internal/router"
	"github.com/stemsi/kubelab-exams/internal/scoring"
	"github.com/stemsi/kubelab-exams/internal/service"
	"github.com/stemsi/kubelab-exams/internal/validator"
	"github.com/stemsi/kubelab-exams/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("session_store", cfg.SessionStore).
		Str("scoring_mode", cfg.ScoringMode).
		Msg("Starting KubeLab exam service")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	// Needed for the database catalog and for attempts unless everything
	// runs in memory.
	var pool *pgxpool.Pool
	if cfg.CatalogFile == "" || cfg.SessionStore != config.SessionStoreMemory {
		p, err := database.NewPostgresPool(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
		}
		defer p.Close()
		pool = p
	}

	// ─── Connect to Redis ──────────────────────────────────────────────
	// Optional for the catalog cache, required for the redis session store.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		c, err := database.NewRedisClient(ctx, cfg, log)
		switch {
		case err == nil:
			defer c.Close()
			rdb = c
		case cfg.SessionStore == config.SessionStoreRedis:
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		default:
			log.Warn().Err(err).Msg("Redis unavailable, exam cache disabled")
		}
	}

	// ─── Initialize Repositories ───────────────────────────────────────
	var examSource service.ExamSource
	if cfg.CatalogFile != "" {
		fileRepo, err := repository.NewFileExamRepository(cfg.CatalogFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.CatalogFile).Msg("Failed to load exam catalog")
		}
		examSource = fileRepo
	} else {
		examSource = repository.NewExamRepository(pool)
	}

	var (
		sessionStore service.SessionStore
		attemptStore service.AttemptStore
	)
	switch cfg.SessionStore {
	case config.SessionStoreMemory:
		mem := repository.NewMemoryStore()
		sessionStore, attemptStore = mem, mem
	case config.SessionStoreRedis:
		if rdb == nil {
			log.Fatal().Msg("SESSION_STORE=redis requires REDIS_URL")
		}
		sessionStore = repository.NewRedisSessionStore(rdb)
		attemptStore = repository.NewAttemptRepository(pool)
	case config.SessionStorePostgres:
		sessionStore = repository.NewExamSessionRepository(pool)
		attemptStore = repository.NewAttemptRepository(pool)
	default:
		log.Fatal().Str("session_store", cfg.SessionStore).Msg("Unknown SESSION_STORE")
	}

	// ─── Initialize Services ──────────────────────────────────────────
	mode, err := scoring.ParseMode(cfg.ScoringMode)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid SCORING_MODE")
	}
	engine := scoring.NewEngine(mode, scoring.WithSuccessMarker(cfg.DefaultSuccessMarker))

	authService := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry)
	examService := service.NewExamService(examSource, rdb, cfg.CatalogCacheTTL, log)
	sessionService := service.NewExamSessionService(examService, sessionStore, attemptStore, engine,
		service.SessionOptions{
			EnforceTimeLimit: cfg.EnforceTimeLimit,
			SubmitGrace:      cfg.SubmitGrace,
		}, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Exam: handler.NewExamHandler(examService, sessionService, log),
		WS:   handler.NewWSHandler(sessionService, cfg.WSTickInterval, log, cfg.AllowedOrigins),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan struct{})

	if cfg.ReaperInterval > 0 {
		reaper := worker.NewSessionReaper(sessionService, cfg.ReaperInterval, cfg.ReaperGrace, log)
		go func() {
			defer close(workerDone)
			reaper.Start(workerCtx)
		}()
	} else {
		close(workerDone)
	}

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// Load all active exams into Redis BEFORE accepting traffic.
	if err := examService.PrewarmAllCaches(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg, log)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop the reaper after its current pass.
	workerCancel()
	<-workerDone

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
