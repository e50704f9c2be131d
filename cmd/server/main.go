// Package main is the entry point for the connectivity server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pam-connect/server/internal/api"
	"github.com/pam-connect/server/internal/cache"
	"github.com/pam-connect/server/internal/config"
	"github.com/pam-connect/server/internal/data/scene"
	"github.com/pam-connect/server/internal/render"
)

func main() {
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting connectivity server on port %d", cfg.Server.Port)

	ctx := context.Background()

	cacheManager, err := cache.NewManager(cfg.CacheOptions())
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	sc, err := scene.Load(cfg.Scene.Path)
	if err != nil {
		log.Fatalf("Failed to load scene: %v", err)
	}
	log.Printf("Loaded scene from %s: %d layer(s), %d population(s)",
		cfg.Scene.Path, len(sc.Layers()), len(sc.Populations()))

	model, err := cfg.BuildModel(sc, cacheManager)
	if err != nil {
		log.Fatalf("Failed to build model: %v", err)
	}
	for i, c := range model.Connections() {
		log.Printf("  [%d] %s: %v (synapse layer %d, %d synapses)", i, c.Label(), c.Layers, c.SynapseLayer, c.Synapses)
	}

	renderer := render.NewRenderer(render.Config{
		TileSize:        cfg.Render.TileSize,
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Store.MaxConcurrent,
		SQLitePath:    cfg.Store.SQLitePath,
		RetentionDays: cfg.Store.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	}, model, cacheManager)
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Store.MaxConcurrent, cfg.Store.RetentionDays, cfg.Store.SQLitePath)

	jobManager.Start()
	defer jobManager.Stop()

	router := api.NewRouter(api.RouterConfig{
		Model:       model,
		JobManager:  jobManager,
		Renderer:    renderer,
		Cache:       cacheManager,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
