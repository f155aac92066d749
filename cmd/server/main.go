package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"relaygate/internal/api"
	"relaygate/internal/config"
	"relaygate/internal/gateway"
	"relaygate/internal/pool"
	"relaygate/internal/profile"
	"relaygate/internal/ratelimit"
	"relaygate/internal/registry"
	"relaygate/internal/relay"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := godotenv.Load(); err != nil {
		log.Info("no .env file found, using system environment variables")
	}

	cfg := config.Load()
	log.Info("starting relaygate", zap.String("addr", cfg.Addr))

	launcher, err := pool.NewDockerLauncher(cfg.BrowserImage)
	if err != nil {
		log.Fatal("failed to create docker launcher", zap.Error(err))
	}
	defer launcher.Close()

	ctx, cancelImage := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := launcher.EnsureImage(ctx); err != nil {
		cancelImage()
		log.Fatal("failed to ensure browser image", zap.Error(err))
	}
	cancelImage()
	log.Info("browser image ready", zap.String("image", cfg.BrowserImage))

	profiles, err := profile.NewStore(cfg.ProfileDir)
	if err != nil {
		log.Fatal("failed to create profile store", zap.Error(err))
	}

	instancePool := pool.New(launcher, profiles, cfg.MaxInstances, cfg.IdleTimeout, log.Named("pool"))

	reg := registry.New()
	engine := relay.NewEngine(reg, relay.Options{
		MultiClient: cfg.MultiClient,
	}, log.Named("relay"))
	gw := gateway.New(cfg, reg, engine, instancePool, log.Named("gateway"))

	rateLimiter := ratelimit.NewLimiter(cfg.RateLimitPerHour, cfg.RateLimitBurst)

	staleAfter := cfg.HeartbeatInterval * time.Duration(cfg.HeartbeatMisses+1)
	handler := api.NewHandler(reg, instancePool, gw, profiles, staleAfter)
	router := handler.SetupRoutes(gw, rateLimiter, cfg.RateLimitPerHour)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	bgCtx, cancelBg := context.WithCancel(context.Background())
	go instancePool.Run(bgCtx, cfg.SweepInterval)
	go gw.Run(bgCtx)

	go func() {
		log.Info("server listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down gracefully")
	cancelBg()
	gw.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	instancePool.Shutdown(shutdownCtx)

	log.Info("server stopped")
}
