package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgStore is the PostgreSQL session store. Schema lives in db/*.sql and is
// applied with cmd/migrate. Writes for one user are serialised with a
// transaction-scoped advisory lock keyed by the user id, so insert-and-trim
// never interleaves across API instances either.
type pgStore struct {
	db        *pgxpool.Pool
	retention int
}

func newPGStore(db *pgxpool.Pool, retention int) *pgStore {
	if retention <= 0 {
		retention = defaultMessageRetention
	}
	return &pgStore{db: db, retention: retention}
}

// withUserTx runs fn in a transaction holding userID's advisory lock.
func (s *pgStore) withUserTx(ctx context.Context, userID string, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext(@userID))",
		pgx.NamedArgs{"userID": userID}); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *pgStore) AddMessage(ctx context.Context, userID, role, text string) (message, error) {
	var m message
	err := s.withUserTx(ctx, userID, func(tx pgx.Tx) error {
		var err error
		m, err = queryOne[message](ctx, tx,
			`INSERT INTO messages (user_id, role, text, ts)
			 VALUES (@userID, @role, @text, now())
			 RETURNING id, user_id, role, text, ts`,
			pgx.NamedArgs{"userID": userID, "role": role, "text": text})
		if err != nil {
			return err
		}
		// Trim everything older than the newest `retention` rows.
		_, err = tx.Exec(ctx,
			`DELETE FROM messages
			 WHERE user_id = @userID AND id NOT IN (
				SELECT id FROM messages WHERE user_id = @userID
				ORDER BY ts DESC, id DESC LIMIT @keep)`,
			pgx.NamedArgs{"userID": userID, "keep": s.retention})
		return err
	})
	if err != nil {
		return message{}, &persistenceError{Op: "add message", Err: err}
	}
	return m, nil
}

func (s *pgStore) LastMessages(ctx context.Context, userID string, limit int) ([]message, error) {
	if limit <= 0 || limit > s.retention {
		limit = s.retention
	}
	msgs, err := queryMany[message](ctx, s.db,
		`SELECT id, user_id, role, text, ts FROM (
			SELECT * FROM messages WHERE user_id = @userID
			ORDER BY ts DESC, id DESC LIMIT @limit
		 ) AS recent
		 ORDER BY ts ASC, id ASC`,
		pgx.NamedArgs{"userID": userID, "limit": limit})
	if err != nil {
		return nil, &persistenceError{Op: "last messages", Err: err}
	}
	if msgs == nil {
		msgs = []message{}
	}
	return msgs, nil
}

func (s *pgStore) LogWeight(ctx context.Context, userID string, date time.Time, weightKG float64) (weightEntry, *float64, error) {
	var (
		entry weightEntry
		prev  *float64
	)
	err := s.withUserTx(ctx, userID, func(tx pgx.Tx) error {
		var last float64
		err := tx.QueryRow(ctx,
			`SELECT weight_kg FROM weight_log WHERE user_id = @userID
			 ORDER BY date DESC, id DESC LIMIT 1`,
			pgx.NamedArgs{"userID": userID}).Scan(&last)
		switch {
		case err == nil:
			prev = &last
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		entry, err = queryOne[weightEntry](ctx, tx,
			`INSERT INTO weight_log (user_id, date, weight_kg)
			 VALUES (@userID, @date, @weightKG)
			 RETURNING id, user_id, date, weight_kg, created_at`,
			pgx.NamedArgs{"userID": userID, "date": date.Format("2006-01-02"), "weightKG": weightKG})
		return err
	})
	if err != nil {
		return weightEntry{}, nil, &persistenceError{Op: "log weight", Err: err}
	}
	return entry, prev, nil
}

func (s *pgStore) LastWeight(ctx context.Context, userID string) (*weightEntry, error) {
	e, err := queryOne[weightEntry](ctx, s.db,
		`SELECT id, user_id, date, weight_kg, created_at FROM weight_log
		 WHERE user_id = @userID ORDER BY date DESC, id DESC LIMIT 1`,
		pgx.NamedArgs{"userID": userID})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &persistenceError{Op: "last weight", Err: err}
	}
	return &e, nil
}

func (s *pgStore) WeightHistory(ctx context.Context, userID string, limit int) ([]weightEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := queryMany[weightEntry](ctx, s.db,
		`SELECT id, user_id, date, weight_kg, created_at FROM (
			SELECT * FROM weight_log WHERE user_id = @userID
			ORDER BY date DESC, id DESC LIMIT @limit
		 ) AS recent
		 ORDER BY date ASC, id ASC`,
		pgx.NamedArgs{"userID": userID, "limit": limit})
	if err != nil {
		return nil, &persistenceError{Op: "weight history", Err: err}
	}
	if entries == nil {
		entries = []weightEntry{}
	}
	return entries, nil
}

// Health reports pool statistics, flagging a pool under heavy load.
func (s *pgStore) Health(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	stats := map[string]string{"backend": "postgres"}
	if err := s.db.Ping(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		return stats
	}

	poolStats := s.db.Stat()
	stats["status"] = "up"
	stats["total_conns"] = strconv.Itoa(int(poolStats.TotalConns()))
	stats["idle_conns"] = strconv.Itoa(int(poolStats.IdleConns()))
	stats["acquired_conns"] = strconv.Itoa(int(poolStats.AcquiredConns()))
	stats["max_conns"] = strconv.Itoa(int(poolStats.MaxConns()))
	if poolStats.AcquiredConns() > poolStats.MaxConns()*8/10 {
		stats["message"] = "The database connection pool is experiencing heavy load."
	}
	return stats
}

// Close is a no-op; the pool is owned by main, which also serves auth from it.
func (s *pgStore) Close() error { return nil }
