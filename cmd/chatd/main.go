package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tagalongapp/chat-core/internal/api"
	"github.com/tagalongapp/chat-core/internal/authz"
	"github.com/tagalongapp/chat-core/internal/cache"
	"github.com/tagalongapp/chat-core/internal/config"
	"github.com/tagalongapp/chat-core/internal/events"
	"github.com/tagalongapp/chat-core/internal/hub"
	"github.com/tagalongapp/chat-core/internal/metrics"
	"github.com/tagalongapp/chat-core/internal/session"
	"github.com/tagalongapp/chat-core/internal/store"
	"github.com/tagalongapp/chat-core/internal/wsapi"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	log := logger.WithField("service", "chatd")

	cfg, err := config.Load(log)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	gormLevel := gormlogger.Warn
	if lvl >= logrus.DebugLevel {
		gormLevel = gormlogger.Info
	}

	baseStore, db, err := store.Open(cfg.DatabaseDSN, gormLevel)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.WithError(err).Fatal("unwrap sql.DB")
	}
	defer sqlDB.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.WithError(err).Warn("redis unreachable at startup; conversation cache will degrade to always-miss")
	}
	chatStore := cache.New(baseStore, redisClient, log.WithField("component", "cache"))

	publisher := events.New(cfg.KafkaBrokers, log.WithField("component", "events"))
	defer publisher.Close()

	verifier := session.NewVerifier([]byte(cfg.SessionSecret), cfg.SessionTTL)
	authorizer := authz.New(chatStore)
	chatHub := hub.New(log.WithField("component", "hub"))
	go chatHub.Run()

	wsEndpoint := wsapi.NewSessionEndpoint(chatHub, chatStore, authorizer, verifier, publisher, cfg.WebSocketOrigins, log.WithField("component", "wsapi"))
	chatAPI := api.New(chatStore, authorizer, chatHub, publisher, log.WithField("component", "api"))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.Middleware())
	router.Use(api.RateLimitMiddleware(rate.Limit(20), 40))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/ready", func(c *gin.Context) {
		if err := sqlDB.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": "database unavailable"})
			return
		}
		if err := redisClient.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": "redis unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/api/ws", wsEndpoint.Handle)

	authed := router.Group("/api")
	authed.Use(api.RequireSession(verifier))
	authed.GET("/conversations", chatAPI.ListConversations)
	authed.POST("/conversations", chatAPI.CreateConversation)
	authed.GET("/conversations/:id/messages", chatAPI.ListMessages)
	authed.POST("/events/:id/chat/requests", chatAPI.RequestJoin)
	authed.POST("/events/:id/chat/requests/:userId/approve", chatAPI.ApproveJoin)
	authed.POST("/events/:id/chat/requests/:userId/deny", chatAPI.DenyJoin)
	authed.DELETE("/events/:id/chat/members/:userId", chatAPI.RemoveMember)

	httpServer := &http.Server{
		Addr:           cfg.HTTPAddr,
		Handler:        router,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("starting http server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http server shutdown error")
	}
	log.Info("server stopped")
}
