package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Handler holds shared dependencies (coach, store, db pool, config) for all
// route handlers.
type Handler struct {
	coach   *coach
	store   sessionStore
	db      *pgxpool.Pool // nil unless the postgres backend is configured
	metrics *metrics
	cfg     config
}

/* ─── Database helpers ────────────────────────────────────────────────── */

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// queryOne runs a query and scans the first row into T using RowToStructByName.
// Logs query and scan errors for debugging (e.g. struct/column mismatches).
func queryOne[T any](ctx context.Context, q querier, sql string, args pgx.NamedArgs) (T, error) {
	rows, err := q.Query(ctx, sql, args)
	if err != nil {
		log.Error().Err(err).Str("component", "queryOne").Msg("query error")
		var zero T
		return zero, err
	}
	result, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[T])
	if err != nil && err != pgx.ErrNoRows {
		log.Error().Err(err).Str("component", "queryOne").Msg("scan error")
	}
	return result, err
}

// queryMany runs a query and scans all rows into []T using RowToStructByName.
func queryMany[T any](ctx context.Context, q querier, sql string, args pgx.NamedArgs) ([]T, error) {
	rows, err := q.Query(ctx, sql, args)
	if err != nil {
		log.Error().Err(err).Str("component", "queryMany").Msg("query error")
		return nil, err
	}
	results, err := pgx.CollectRows(rows, pgx.RowToStructByName[T])
	if err != nil {
		log.Error().Err(err).Str("component", "queryMany").Msg("scan error")
	}
	return results, err
}

// apiError returns a consistent JSON error response: {"error": "message"}.
func apiError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

/* ─── Server setup ────────────────────────────────────────────────────── */

// getDBPool creates a connection pool. We use a pool (not a single conn) because
// Neon closes idle connections after ~5 minutes.
func getDBPool(dbURL string) *pgxpool.Pool {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to parse DB URL: %v\n", err)
		os.Exit(1)
	}
	// Use simple query protocol to avoid "cached plan must not change result type"
	// errors from Neon's server-side prepared statement cache after schema changes.
	config.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	log.Info().Msg("DB pool ready")
	return pool
}

// registerRoutes registers all API routes on the router. Coaching routes are
// served at the root and again under /api for the bundled frontend.
func (h *Handler) registerRoutes(router *gin.Engine) {
	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(h.metrics.handler()))

	// Login needs the users table, which only exists on postgres.
	if h.db != nil {
		router.POST("/api/login", h.login)
	}

	for _, prefix := range []string{"", "/api"} {
		api := router.Group(prefix)
		if h.cfg.RequireAuth && h.db != nil {
			api.Use(h.authMiddleware())
		}
		api.POST("/goal", h.setGoal)
		api.POST("/chat", h.chat)
		api.POST("/log", h.logWeight)
		api.GET("/weight-log", h.getWeightLog)
		api.GET("/messages", h.getMessages)
	}

	if h.cfg.StaticDir != "" {
		h.registerStatic(router)
	}
}

// health reports the session store status.
// GET /health. Returns 503 when the store reports down.
func (h *Handler) health(c *gin.Context) {
	stats := h.store.Health(c.Request.Context())
	status := 200
	if stats["status"] != "up" {
		status = 503
	}
	c.JSON(status, stats)
}
