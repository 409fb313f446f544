package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/perpgate/perpgate/internal/balance"
	"github.com/perpgate/perpgate/internal/config"
	"github.com/perpgate/perpgate/internal/gateway"
	"github.com/perpgate/perpgate/internal/handler"
	"github.com/perpgate/perpgate/internal/middleware"
	"github.com/perpgate/perpgate/internal/pkg/logger"
	"github.com/perpgate/perpgate/internal/repository"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "github.com/perpgate/perpgate/internal/exchange/binance"
)

func main() {
	// Optional .env for local runs; real deployments set the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)

	// Shared balance coordination needs the store. Leader and auto roles may
	// degrade to direct, per-process fetches; a follower must not, so for it
	// an unreachable store is fatal.
	var kv balance.KV
	if cfg.SharedBalance.Enabled {
		redisKV, err := repository.Shared(cfg)
		if err != nil {
			if balance.Role(cfg.SharedBalance.Role) == balance.RoleFollower {
				log.Fatalf("Redis unreachable and role is follower, refusing to fetch directly: %v", err)
			}
			logger.Error("Failed to connect to Redis, shared balance disabled", "error", err)
		} else {
			logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)
			kv = redisKV
		}
	}

	gw, err := gateway.New(cfg, kv)
	if err != nil {
		log.Fatalf("Failed to build gateway: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := gw.Connect(ctx, &gateway.ConnectOptions{LoadMarkets: true}); err != nil {
		cancel()
		log.Fatalf("Failed to connect to %s: %v", gw.Name(), err)
	}
	cancel()

	statusHandler := handler.NewStatusHandler(gw)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.MetricsMiddleware())
	r.Use(middleware.RateLimitMiddleware(20, 40))
	statusHandler.Register(r)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}
	go func() {
		logger.Info("ops server listening", "port", cfg.Server.Port, "exchange", gw.Name())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := gw.Close(); err != nil {
		logger.Error("gateway close failed", "error", err)
	}
	if err := repository.CloseShared(); err != nil {
		logger.Error("redis close failed", "error", err)
	}
}
