package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/catalog_backend/config"
	"bitbucket.org/mmdatafocus/catalog_backend/enrich"
	"bitbucket.org/mmdatafocus/catalog_backend/feeds"
	"bitbucket.org/mmdatafocus/catalog_backend/middlewares"
	"bitbucket.org/mmdatafocus/catalog_backend/models"
	"bitbucket.org/mmdatafocus/catalog_backend/scheduler"
	"bitbucket.org/mmdatafocus/catalog_backend/utils"
	"bitbucket.org/mmdatafocus/catalog_backend/vendorasync"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("CATALOG_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		switch c.Request.URL.Path {
		case "/healthz", "/metrics":
			c.Next()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(func(c *gin.Context) {
		if c.GetHeader("token") == "" {
			auth := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				token := strings.TrimSpace(auth[7:])
				if token != "" {
					c.Request.Header.Set("token", token)
				}
			}
		}
		c.Next()
	})
	r.Use(middlewares.SessionMiddleware())
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	// Wiring: store -> scheduler -> service -> handlers.
	schedCfg := scheduler.ConfigFromEnv()
	engine := vendorasync.NewEngine(logger)
	enricher := enrich.NewService(logger)
	sched := scheduler.New(
		scheduler.NewLazyJobStore(),
		models.QuotaStore{},
		engine,
		enricher,
		logger,
		schedCfg,
	)
	service := vendorasync.NewService(sched, logger)

	// API endpoints (Vendora catalog sync)
	r.GET("/api/sync/status", vendorasync.StatusHandler(service))
	r.POST("/api/sync/trigger", vendorasync.TriggerSyncHandler(service))
	r.POST("/api/sync/auto", vendorasync.ToggleAutoSyncHandler(service))
	r.POST("/api/sync/interval", vendorasync.SetSyncIntervalHandler(service))
	r.GET("/api/sync/jobs/:id", vendorasync.JobDetailHandler(service))
	r.POST("/api/sync/jobs/:id/cancel", vendorasync.CancelJobHandler(service))
	r.GET("/api/sync/history", vendorasync.HistoryHandler(service))
	r.GET("/api/sync/history/export", vendorasync.HistoryExportHandler(service))

	r.GET("/api/storefront/status", vendorasync.StorefrontStatusHandler())
	r.POST("/api/storefront/connect", vendorasync.ConnectHandler())
	r.POST("/api/storefront/disconnect", vendorasync.DisconnectHandler())

	r.POST("/api/catalog/feed", feeds.ApplyFeedHandler(vendorasync.ResolveBusinessID))
	r.POST("/api/catalog/feed/import", feeds.ImportFeedXlsxHandler(vendorasync.ResolveBusinessID))

	// Pub/Sub push endpoint for externally requested syncs.
	r.POST("/pubsub/catalog-sync", vendorasync.PubSubPushHandler(service))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Background workers start only after the database is ready.
	go sched.Run(sigCtx)
	scheduler.NewTriggers(sched, logger, scheduler.TriggerConfigFromEnv()).Run(sigCtx)
	go scheduler.NewRetention(scheduler.NewLazyJobStore(), logger, scheduler.RetentionConfigFromEnv(), schedCfg).Run(sigCtx)

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
