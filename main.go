package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// openStore builds the session store named by cfg.StoreBackend. The pool is
// returned too (nil unless postgres) so login and auth can use the users table.
func openStore(ctx context.Context, cfg config) (sessionStore, *pgxpool.Pool, error) {
	switch cfg.StoreBackend {
	case "postgres":
		pool := getDBPool(cfg.DBURL)
		return newPGStore(pool, cfg.MessageRetention), pool, nil
	case "sqlite":
		s, err := newSQLiteStore(cfg.SQLitePath, cfg.MessageRetention, cfg.LogLevel == "debug")
		return s, nil, err
	case "redis":
		s, err := newRedisStore(ctx, newRedisClient(cfg.Redis), cfg.MessageRetention)
		return s, nil, err
	default:
		s, err := newMemoryStore(cfg.MessageRetention, cfg.MaxTrackedUsers)
		return s, nil, err
	}
}

// newRouter wires middleware and routes for h.
func newRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.SetTrustedProxies(nil)
	router.Use(gin.Recovery(), requestID(), requestLogger(), h.metrics.middleware())
	h.registerRoutes(router)
	return router
}

func gracefulShutdown(srv *http.Server, done chan bool) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Info().Msg("shutting down gracefully, press Ctrl+C again to force")
	stop()

	// 5s to finish in-flight requests.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	done <- true
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	store, pool, err := openStore(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("could not open session store")
	}
	defer store.Close()
	if pool != nil {
		defer pool.Close()
	}

	m := newMetrics()
	var llm *llmClient
	if cfg.llmEnabled() {
		llm = newLLMClient(cfg, m)
	} else {
		log.Warn().Msg("OPENAI_API_KEY not set, chat uses rule-based replies")
	}

	h := &Handler{
		coach:   newCoach(store, llm, m, cfg.HistoryLimit),
		store:   store,
		db:      pool,
		metrics: m,
		cfg:     cfg,
	}

	// Chat may wait out the whole LLM timeout, so writes get that plus slack.
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      newRouter(h),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.LLMTimeout + 10*time.Second,
	}

	done := make(chan bool, 1)
	go gracefulShutdown(srv, done)

	log.Info().Int("port", cfg.Port).Str("store", cfg.StoreBackend).Bool("llm", llm != nil).Msg("weight coach listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("http server error")
	}

	<-done
	log.Info().Msg("graceful shutdown complete")
}
