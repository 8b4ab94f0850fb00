package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/searchmind/embedgate/internal/cache"
	"github.com/searchmind/embedgate/internal/config"
	"github.com/searchmind/embedgate/internal/embeddings"
	"github.com/searchmind/embedgate/internal/logger"
	"github.com/searchmind/embedgate/internal/metadata"
	"github.com/searchmind/embedgate/internal/proxy"
	"github.com/searchmind/embedgate/internal/recommend"
	"github.com/searchmind/embedgate/internal/search"
	ws "github.com/searchmind/embedgate/internal/websocket"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("embedgate %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	// Load configuration first so the health check hits the right port.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *healthCheck {
		performHealthCheck(cfg.Server.Port)
		return
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}
	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting embedgate",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	// Embedding cache is optional; the service degrades to uncached
	// operation when Redis is unreachable.
	var embCache *cache.EmbeddingCache
	if cfg.Cache.Enabled {
		embCache, err = cache.NewEmbeddingCache(&cache.Config{
			RedisURL:       cfg.Cache.RedisURL,
			KeyPrefix:      cfg.Cache.KeyPrefix,
			DefaultTTL:     cfg.Cache.TTL,
			MaxConnections: cfg.Cache.MaxConnections,
			MinIdleConns:   cfg.Cache.MinIdleConns,
		}, log.WithComponent("cache").Logger)
		if err != nil {
			log.Warn("Embedding cache unavailable, continuing without it", zap.Error(err))
			embCache = nil
		} else {
			defer embCache.Close()
		}
	}

	provider := embeddings.NewProvider(embeddings.ProviderConfig{
		ModelDir:      cfg.Models.ModelDir,
		MaxTextLength: cfg.Models.MaxTextLength,
	}, log.WithComponent("backend").Logger)
	loader := embeddings.NewLoader(provider, log.WithComponent("loader").Logger)
	computer := embeddings.NewComputer(cfg.Models.InferenceTimeout, log.WithComponent("compute").Logger)
	manager := embeddings.NewManager(cfg.Models.MaxInMemory, loader, computer, log.WithComponent("models").Logger)
	defer manager.Close()

	engine := search.NewClient(cfg.Search.Host, cfg.Search.Port, cfg.Search.Timeout, log.WithComponent("search").Logger)
	store := metadata.NewStore(engine, manager, log.WithComponent("metadata").Logger)

	// The settings table is created lazily too, so a cold engine at boot is
	// not fatal.
	{
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := store.EnsureTable(ctx); err != nil {
			log.Warn("Failed to ensure settings table", zap.Error(err))
		}
		cancel()
	}

	recommender := recommend.NewService(engine, store, log.WithComponent("recommend").Logger)

	hub := ws.NewHub(&ws.HubConfig{
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		SendBufferSize: cfg.WebSocket.SendBufferSize,
	}, log.WithComponent("websocket").Logger)
	manager.SetEventSink(&ws.ModelEvents{Hub: hub})

	server := proxy.New(cfg, log, manager, embCache, store, recommender, engine, hub)

	if err := config.Watch(cfg, func(newCfg *config.Config) {
		// Server and backend settings need a restart; only note the change.
		log.Info("Configuration file changed, restart to apply",
			zap.Int("port", newCfg.Server.Port))
	}); err != nil {
		log.Warn("Config watch unavailable", zap.Error(err))
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- server.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("Server error", zap.Error(err))
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 30 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Stop(ctx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
			os.Exit(1)
		}

		log.Info("Server shutdown complete")
	}
}

// performHealthCheck performs a health check against the running server
func performHealthCheck(port int) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/health", port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
	os.Exit(0)
}
