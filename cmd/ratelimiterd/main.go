// ratelimiterd is the standalone admission decision service. It serves the
// consume/quota/reset API over HTTP, backed by a memory or redis state
// store, with health, metrics, and a per-client control-plane guard.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	libredis "github.com/redis/go-redis/v9"

	"ratelimiter"
	"ratelimiter/drivers/store/memory"
	redisstore "ratelimiter/drivers/store/redis"
	"ratelimiter/httpapi"
)

const (
	guardSweepEvery = time.Minute
	guardIdleAfter  = 10 * time.Minute
)

func main() {
	configFile := flag.String("config", "ratelimiter.yaml", "path to the YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configFile, logger); err != nil {
		logger.Error("ratelimiterd failed", "error", err)
		os.Exit(1)
	}
}

func run(configFile string, logger *slog.Logger) error {
	path, err := ratelimiter.GetConfigPath(configFile)
	if err != nil {
		return err
	}
	config, err := ratelimiter.LoadConfig(path)
	if err != nil {
		return err
	}

	// Deployment endpoints may be overridden without touching the file.
	config.Server.Listen = getEnv("RATELIMITER_LISTEN", config.Server.Listen)
	config.Store.Redis.Addr = getEnv("RATELIMITER_REDIS_ADDR", config.Store.Redis.Addr)

	store, err := buildStore(config, logger)
	if err != nil {
		return err
	}

	recorder := ratelimiter.NewMemoryRecorder()
	svc := ratelimiter.NewService(store, ratelimiter.WithRecorder(recorder))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	if config.Server.GuardRPS > 0 {
		guard := newClientGuard(config.Server.GuardRPS, config.Server.GuardBurst)
		guard.startJanitor(ctx, guardSweepEvery, guardIdleAfter)
		router.Use(guard.handler())
	}

	httpapi.Register(router, svc)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, recorder.Snapshot())
	})

	srv := &http.Server{
		Addr:              config.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ratelimiterd listening",
			"addr", srv.Addr,
			"backend", config.Store.Backend,
			"policies", len(config.Policies),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildStore wires the configured state store backend.
func buildStore(config *ratelimiter.Config, logger *slog.Logger) (ratelimiter.StateStore, error) {
	switch config.Store.Backend {
	case "redis":
		rc := config.Store.Redis

		var ttl, timeout time.Duration
		var err error
		if rc.TTL != "" {
			if ttl, err = time.ParseDuration(rc.TTL); err != nil {
				return nil, fmt.Errorf("store.redis.ttl: %w", err)
			}
		}
		if rc.Timeout != "" {
			if timeout, err = time.ParseDuration(rc.Timeout); err != nil {
				return nil, fmt.Errorf("store.redis.timeout: %w", err)
			}
		}

		client := libredis.NewClient(&libredis.Options{
			Addr:         rc.Addr,
			Password:     rc.Password,
			DB:           rc.DB,
			DialTimeout:  timeout,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		})

		opts := []redisstore.Option{redisstore.WithLogger(logger)}
		if rc.Prefix != "" {
			opts = append(opts, redisstore.WithPrefix(rc.Prefix))
		}
		if ttl > 0 {
			opts = append(opts, redisstore.WithTTL(ttl))
		}
		if timeout > 0 {
			opts = append(opts, redisstore.WithTimeout(timeout))
		}
		return redisstore.New(client, opts...)
	default:
		return memory.New(), nil
	}
}

// getEnv returns the environment value for key, or fallback when unset.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
