package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-sentinel/internal/alerts"
	"github.com/technosupport/ts-sentinel/internal/api"
	"github.com/technosupport/ts-sentinel/internal/config"
	"github.com/technosupport/ts-sentinel/internal/directives"
	"github.com/technosupport/ts-sentinel/internal/frames"
	"github.com/technosupport/ts-sentinel/internal/live"
	"github.com/technosupport/ts-sentinel/internal/monitor"
	"github.com/technosupport/ts-sentinel/internal/reasoning"
	"github.com/technosupport/ts-sentinel/internal/vision"
)

func main() {
	log.Println("Sentinel pipeline starting...")

	// 1. Config
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg.StartWatcher(ctx)

	// 2. Core services
	registry := directives.NewRegistry()
	dispatcher := alerts.NewDispatcher(cfg.AlertRingCapacity, cfg.AlertReplayCount)
	store := frames.NewStore(cfg.FrameStoreRoot)
	notices := alerts.NewDedup(1024, 5*time.Minute)

	// 3. Optional infrastructure
	if cfg.NATSUrl != "" {
		mirror, err := alerts.NewNATSPublisher(cfg.NATSUrl, cfg.NATSSubject)
		if err != nil {
			log.Printf("[ERROR] NATS mirror disabled: %v", err)
		} else {
			dispatcher.SetMirror(mirror)
			defer mirror.Close()
			log.Printf("Alert mirror publishing to %s", cfg.NATSSubject)
		}
	}

	var cache *live.Cache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("[ERROR] Redis unreachable, analysis cache disabled: %v", err)
		} else {
			cache = live.NewCache(rdb)
		}
	}

	// 4. Push streams
	hub := api.NewHub(dispatcher)
	defer hub.Close()

	// 5. Model clients and supervisor
	visionClient := vision.NewClient(cfg.VisionAPIKey, cfg.VisionBaseURL, cfg.VisionRPM)
	reasoningClient := reasoning.NewClient(cfg.ReasoningAPIKey, cfg.ReasoningURL)

	deps := monitor.WorkerDeps{
		Vision:  visionClient,
		Streams: hub,
		Notices: notices,
	}
	if reasoningClient != nil {
		deps.Reasoning = reasoningClient
	} else {
		log.Println("Reasoning disabled (no REASONING_API_KEY)")
	}
	if cache != nil {
		deps.Cache = cache
	}

	supervisor := monitor.NewSupervisor(cfg, registry, dispatcher, store, deps)

	// 6. HTTP surface
	handler := api.NewHandler(supervisor, registry, dispatcher, store, cache, directives.KeywordParser{}, hub)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("HTTP listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[ERROR] HTTP server: %v", err)
		}
	}()

	// 7. Run until signalled
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	supervisor.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ERROR] HTTP shutdown: %v", err)
	}
	cancel()
	log.Println("Sentinel pipeline stopped")
}
