package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/kubelab-exams/internal/config"
	"github.com/stemsi/kubelab-exams/internal/handler"
	"github.com/stemsi/kubelab-exams/internal/middleware"
	"github.com/stemsi/kubelab-exams/internal/model"
	"github.com/stemsi/kubelab-exams/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Exam *handler.ExamHandler
	WS   *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	auth middleware.TokenValidator,
	handlers *Handlers,
	cfg *config.Config,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "Retry-After"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Request ID first so access logs and envelopes share it.
	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.Brotli())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 1. Exams (JWT) ────────────────────────────────────────────────
	exams := router.Group("/api/v1/exams")
	exams.Use(middleware.RequireUserJWT(auth))
	if cfg.RateLimitPerMinute > 0 {
		exams.Use(middleware.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute).Middleware())
	}
	{
		exams.GET("", middleware.CacheControl(30), handlers.Exam.ListExams)
		exams.GET("/:id", middleware.RequireRole(model.RoleInstructor, model.RoleAdmin), handlers.Exam.GetExam)
		exams.POST("/:id/start", handlers.Exam.StartExam)
		exams.POST("/:id/submit", handlers.Exam.SubmitExam)
		exams.GET("/:id/results", handlers.Exam.GetResults)
	}

	// ─── 2. Live stream (token in query) ───────────────────────────────
	wsGroup := router.Group("/ws/v1")
	wsGroup.Use(middleware.RequireWSAuth(auth))
	{
		wsGroup.GET("/exams/:id/stream", handlers.WS.ExamStream)
	}

	return router
}
