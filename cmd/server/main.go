// Package main is the entry point for the omeroview image server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/natefinch/lumberjack"

	"github.com/omeroview/server/internal/api"
	"github.com/omeroview/server/internal/cache"
	"github.com/omeroview/server/internal/config"
	"github.com/omeroview/server/internal/data/memory"
	"github.com/omeroview/server/internal/data/tiledb"
	"github.com/omeroview/server/internal/data/zarr"
	"github.com/omeroview/server/internal/lazy"
	"github.com/omeroview/server/internal/remote"
	"github.com/omeroview/server/internal/render"
	"github.com/omeroview/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file (.yaml or .toml)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Server.LogFile != "" {
		log.Printf("Sending log messages to: %s", cfg.Server.LogFile)
		rotating := &lumberjack.Logger{
			Filename:   cfg.Server.LogFile,
			MaxSize:    cfg.Server.LogMaxSizeMB, // megabytes
			MaxBackups: cfg.Server.LogMaxBackups,
		}
		defer rotating.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, rotating))
	}

	log.Printf("Starting omeroview server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all sources)
	cacheManager, err := cache.NewManager(cache.Config{
		PixelCacheSizeMB: cfg.Cache.PixelSizeMB,
		PixelTTL:         time.Duration(cfg.Cache.PixelTTLMinutes) * time.Minute,
		QueryCacheSize:   cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()
	log.Printf("Pixel cache: %s, ttl %d min",
		humanize.IBytes(uint64(cfg.Cache.PixelSizeMB)*humanize.MiByte), cfg.Cache.PixelTTLMinutes)

	// Initialize renderer (shared across all sources)
	renderer := render.NewRenderer(render.Config{
		TileSize:        cfg.Render.TileSize,
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	registry := api.NewSourceRegistry(cfg.Server.DefaultSource, cfg.Server.Title)
	defer registry.Close()

	log.Printf("Initializing %d source(s) [%s], default: %s",
		len(cfg.Sources), strings.Join(cfg.SourceNames(), ", "), cfg.Server.DefaultSource)

	for _, src := range cfg.Sources {
		access, err := openSource(src)
		if err != nil {
			log.Fatalf("Failed to open source %q: %v", src.Name, err)
		}
		if catalog, ok := access.(remote.Catalog); ok {
			if images, err := catalog.Images(ctx); err == nil {
				log.Printf("  [%s] %s image(s)", src.Name, humanize.Comma(int64(len(images))))
			} else {
				log.Printf("  [%s] catalog unavailable: %v", src.Name, err)
			}
		}

		svc := service.NewImageService(service.ImageServiceConfig{
			Source:    src.Name,
			Access:    access,
			Cache:     cacheManager,
			Renderer:  renderer,
			Workers:   cfg.Loader.MaxConcurrent,
			Timing:    cfg.Loader.DebugTiming,
			OpenStore: lazy.LimitedStores(cfg.Loader.MaxOpenStores),
		})
		registry.Register(src.Name, src.Kind, svc)
	}

	// Initialize job manager for prefetch jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		QueueSize:     cfg.Jobs.QueueSize,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Prefetch job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Jobs.SQLitePath)

	// Wire up prefetch service as job executor
	prefetchService := service.NewPrefetchService(registry)
	jobManager.Executor = prefetchService.ExecutePrefetchJob

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		Cache:       cacheManager,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

func openSource(src config.SourceConfig) (remote.ImageAccess, error) {
	switch src.Kind {
	case config.KindMemory:
		log.Printf("  [%s] Using built-in demo images", src.Name)
		return memory.Demo(), nil
	case config.KindZarr:
		r, err := zarr.NewReader(src.Path)
		if err != nil {
			return nil, err
		}
		log.Printf("  [%s] Loaded from: %s", src.Name, src.Path)
		return r, nil
	case config.KindTileDB:
		r, err := tiledb.NewReader(src.Path)
		if err != nil {
			return nil, err
		}
		log.Printf("  [%s] TileDB root: %s (supported=%v)", src.Name, src.Path, r.Supported())
		return r, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", src.Kind)
	}
}
