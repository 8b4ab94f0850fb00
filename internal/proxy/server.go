package proxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/searchmind/embedgate/internal/cache"
	"github.com/searchmind/embedgate/internal/config"
	"github.com/searchmind/embedgate/internal/embeddings"
	"github.com/searchmind/embedgate/internal/logger"
	"github.com/searchmind/embedgate/internal/metadata"
	"github.com/searchmind/embedgate/internal/recommend"
	"github.com/searchmind/embedgate/internal/search"
	ws "github.com/searchmind/embedgate/internal/websocket"
)

const version = "0.1.0"

// Server is the HTTP surface: embedding endpoints, vector column metadata,
// recommendations, and a pass-through proxy to the search engine.
type Server struct {
	config      *config.Config
	logger      *logger.Logger
	manager     *embeddings.Manager
	cache       *cache.EmbeddingCache
	store       *metadata.Store
	recommender *recommend.Service
	engine      *search.Client
	hub         *ws.Hub
	limiter     *rateLimiter
	router      *mux.Router
	server      *http.Server
	started     time.Time
}

// New wires the handlers and middleware onto a router. The cache may be nil
// when caching is disabled.
func New(cfg *config.Config, log *logger.Logger, manager *embeddings.Manager,
	embCache *cache.EmbeddingCache, store *metadata.Store,
	recommender *recommend.Service, engine *search.Client, hub *ws.Hub) *Server {

	server := &Server{
		config:      cfg,
		logger:      log.WithComponent("proxy"),
		manager:     manager,
		cache:       embCache,
		store:       store,
		recommender: recommender,
		engine:      engine,
		hub:         hub,
		limiter:     newRateLimiter(&cfg.RateLimit),
		router:      mux.NewRouter(),
		started:     time.Now(),
	}

	server.setupRoutes()

	server.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return server
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.rateLimitMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")
	s.router.HandleFunc("/cache/stats", s.handleCacheStats).Methods("GET")
	s.router.HandleFunc("/cache", s.handleCacheClear).Methods("DELETE")

	if s.config.WebSocket.Enabled {
		s.router.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	}

	// Embedding endpoints. Model names contain slashes, so the name
	// variable needs an explicit pattern.
	emb := s.router.PathPrefix("/embeddings").Subrouter()
	emb.HandleFunc("/text", s.handleEmbedText).Methods("POST")
	emb.HandleFunc("/image", s.handleEmbedImage).Methods("POST")
	emb.HandleFunc("/multi-field", s.handleEmbedMultiField).Methods("POST")
	emb.HandleFunc("/batch", s.handleEmbedBatch).Methods("POST")
	emb.HandleFunc("/models", s.handleListModels).Methods("GET")
	emb.HandleFunc("/models/load", s.handleLoadModel).Methods("POST")
	emb.HandleFunc("/models/{name:.+}", s.handleGetModel).Methods("GET")
	emb.HandleFunc("/models/{name:.+}", s.handleUnloadModel).Methods("DELETE")

	meta := s.router.PathPrefix("/metadata").Subrouter()
	meta.HandleFunc("/vector-columns", s.handleRegisterVectorColumn).Methods("POST")
	meta.HandleFunc("/vector-columns/{table}", s.handleTableVectorColumns).Methods("GET")
	meta.HandleFunc("/vector-columns/{table}/{column}", s.handleDeleteVectorColumn).Methods("DELETE")

	rec := s.router.PathPrefix("/recommendations").Subrouter()
	rec.HandleFunc("/search", s.handleRecommendSearch).Methods("POST")
	rec.HandleFunc("/tables", s.handleRecommendTables).Methods("GET")
	rec.HandleFunc("/tables/{table}/vector-columns", s.handleRecommendTableColumns).Methods("GET")

	// Everything under /api/ goes to the search engine untouched.
	s.router.PathPrefix("/api/").HandlerFunc(s.handleEngineProxy)
}

// Start starts the HTTP server and the background hub and limiter loops.
func (s *Server) Start() error {
	s.logger.Info("Starting embedgate server",
		zap.Int("port", s.config.Server.Port),
		zap.String("search_engine", s.engine.BaseURL()),
		zap.Int("max_models_in_memory", s.config.Models.MaxInMemory),
	)

	if s.config.WebSocket.Enabled {
		go s.hub.Run()
		go s.broadcastStatus()
	}
	s.limiter.startCleanup()

	return s.server.ListenAndServe()
}

// broadcastStatus pushes a periodic state snapshot to dashboard clients.
func (s *Server) broadcastStatus() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		s.hub.Broadcast(ws.EventTypeSystemStatus, ws.SystemStatusEvent{
			LoadedModels:  s.manager.LoadedCount(),
			TotalMemoryMB: s.manager.TotalMemoryMB(),
			Clients:       s.hub.GetStats().ActiveConnections,
		})
	}
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping embedgate server")
	return s.server.Shutdown(ctx)
}

// Router exposes the configured handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":            "embedgate",
		"version":         version,
		"uptime_seconds":  int64(time.Since(s.started).Seconds()),
		"loaded_models":   s.manager.LoadedCount(),
		"total_memory_mb": s.manager.TotalMemoryMB(),
		"cache_enabled":   s.cache != nil,
		"search_engine":   s.engine.BaseURL(),
	})
}

// handleWebSocket upgrades dashboard clients onto the event hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.HandleWebSocket(w, r)
}
