package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Sreyas62/AffiHub/internal/analytics"
	"github.com/Sreyas62/AffiHub/internal/handler"
	mid "github.com/Sreyas62/AffiHub/internal/middleware"
	"github.com/Sreyas62/AffiHub/internal/tracking"
	"github.com/Sreyas62/AffiHub/internal/worker"
	"github.com/Sreyas62/AffiHub/pkg/cache"
	"github.com/Sreyas62/AffiHub/pkg/config"
	"github.com/Sreyas62/AffiHub/pkg/database"
	"github.com/Sreyas62/AffiHub/pkg/jwtutil"
	"github.com/Sreyas62/AffiHub/pkg/logger"
	"github.com/Sreyas62/AffiHub/prometheus"
)

func main() {
	// Load configuration (reads .env if present)
	appConfig, err := config.Load()
	if err != nil {
		// Can't use structured logger yet since it's not initialized
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	logger.InitLogger(appConfig)
	log := logger.GetLogger()
	defer log.Sync()

	log.Info("Starting affiliate platform",
		zap.String("environment", appConfig.Server.Env),
		zap.String("port", appConfig.Server.Port))

	// Initialize JWT utility
	jwtutil.Initialize(&appConfig.JWT)
	log.Info("JWT utility initialized")

	// Initialize Prometheus metrics
	prometheus.InitMetrics(appConfig)
	log.Info("Prometheus metrics initialized",
		zap.String("metrics_prefix", appConfig.Metrics.Prefix))

	// Initialize database
	if err := database.InitDB(appConfig); err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	log.Info("Database connection established")
	db := database.GetDB()

	// Analytics cache. Optional: a missing redis degrades to direct
	// queries, it never blocks startup.
	var analyticsCache *cache.Cache
	if appConfig.Cache.Enabled {
		analyticsCache, err = cache.Connect(appConfig.Cache.RedisURL, appConfig.Cache.TTL, appConfig.Cache.OpTimeout)
		if err != nil {
			log.Warn("Redis unavailable, analytics cache disabled", zap.Error(err))
			analyticsCache = nil
		} else {
			log.Info("Analytics cache connected", zap.Duration("ttl", appConfig.Cache.TTL))
		}
	}

	// Core services
	trackingSvc := tracking.NewService(db, appConfig.Database.QueryTimeout)
	aggregator := analytics.NewAggregator(db, analyticsCache, appConfig.Database.QueryTimeout)

	// Background click recording
	clickPool := worker.StartClickPool(
		appConfig.Tracking.ClickWorkerCount,
		appConfig.Tracking.ClickBufferSize,
		trackingSvc,
		log,
	)

	// Handlers
	authHandler := handler.NewAuthHandler(db)
	userHandler := handler.NewUserHandler(db)
	categoryHandler := handler.NewCategoryHandler(db)
	productHandler := handler.NewProductHandler(db, aggregator)
	linkHandler := handler.NewLinkHandler(db, trackingSvc, aggregator, appConfig.Server.BaseURL)
	trackingHandler := handler.NewTrackingHandler(db, trackingSvc, clickPool)

	// Initialize Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(mid.RequestIDMiddleware)
	e.Use(mid.MetricsMiddleware)

	// Public routes
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/health", handler.HealthCheck)
	e.POST("/api/auth/register", authHandler.Register)
	e.POST("/api/auth/login", authHandler.Login)
	e.GET("/r/:code", trackingHandler.TrackClick)

	// Authenticated API routes
	api := e.Group("/api", mid.Auth(db))

	api.GET("/users/me", authHandler.Me)
	api.PUT("/users/me", userHandler.UpdateProfile)
	api.PUT("/users/me/password", userHandler.ChangePassword)
	api.GET("/users", userHandler.ListUsers)
	api.GET("/users/:id", userHandler.GetUser)
	api.GET("/affiliates", userHandler.ListAffiliates)
	api.GET("/merchants", userHandler.ListMerchants)

	api.GET("/categories", categoryHandler.ListCategories)
	api.GET("/categories/:id", categoryHandler.GetCategory)
	api.POST("/categories", categoryHandler.CreateCategory)
	api.PUT("/categories/:id", categoryHandler.UpdateCategory)
	api.DELETE("/categories/:id", categoryHandler.DeleteCategory)

	api.GET("/products", productHandler.ListProducts)
	api.GET("/products/my-products", productHandler.MyProducts)
	api.GET("/products/high-commission", productHandler.HighCommission)
	api.GET("/products/popular", productHandler.Popular)
	api.GET("/products/stats", productHandler.CatalogStats)
	api.GET("/products/:id", productHandler.GetProduct)
	api.GET("/products/:id/analytics", productHandler.ProductAnalytics)
	api.POST("/products", productHandler.CreateProduct)
	api.PUT("/products/:id", productHandler.UpdateProduct)
	api.DELETE("/products/:id", productHandler.DeleteProduct)

	api.GET("/links", linkHandler.ListLinks)
	api.GET("/links/my-links", linkHandler.MyLinks)
	api.GET("/links/:id", linkHandler.GetLink)
	api.GET("/links/:id/analytics", linkHandler.LinkAnalytics)
	api.POST("/links", linkHandler.CreateLink)
	api.PUT("/links/:id", linkHandler.UpdateLink)
	api.PATCH("/links/:id/deactivate", linkHandler.DeactivateLink)
	api.DELETE("/links/:id", linkHandler.DeleteLink)
	api.GET("/analytics/me", linkHandler.UserAnalytics)

	api.POST("/convert/:code", trackingHandler.Convert)
	api.GET("/conversions", trackingHandler.ListConversions)
	api.PATCH("/conversions/:id/verify", trackingHandler.VerifyConversion)
	api.GET("/clicks", trackingHandler.ListClicks)

	// Start server
	go func() {
		if err := e.Start(":" + appConfig.Server.Port); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal, then stop accepting requests and drain
	// buffered clicks before exiting.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Error("Server shutdown error", zap.Error(err))
	}

	clickPool.Stop()
	log.Info("Click worker pool drained")
}
