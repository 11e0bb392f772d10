// CLI tool to apply pending session-store migrations from db/ to Postgres.
// Checks the migrations table to skip already-applied files and wraps each
// migration + record insert in a single transaction.
// Usage: go run ./cmd/migrate [-dir db] [-dry-run]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var migrationPrefix = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}-\d{3}-`)

func main() {
	dir := flag.String("dir", "db", "directory containing *.sql migrations")
	dryRun := flag.Bool("dry-run", false, "list pending migrations without applying them")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatal().Err(err).Msg("error loading .env")
	}
	dbURL := os.Getenv("DB_URL")
	if dbURL == "" {
		log.Fatal().Msg("DB_URL is not set")
	}

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to connect to database")
	}
	defer conn.Close(ctx)

	files, err := filepath.Glob(filepath.Join(*dir, "*.sql"))
	if err != nil || len(files) == 0 {
		log.Fatal().Str("dir", *dir).Msg("no migration files found")
	}

	applied, err := appliedMigrations(ctx, conn)
	if err != nil {
		log.Fatal().Err(err).Msg("reading migrations table")
	}

	pending := pendingMigrations(files, applied)
	if *dryRun {
		for _, f := range pending {
			fmt.Printf("  pending: %s\n", filepath.Base(f))
		}
		fmt.Printf("%d pending migration(s).\n", len(pending))
		return
	}

	for _, f := range pending {
		if err := applyMigration(ctx, conn, f); err != nil {
			log.Fatal().Err(err).Str("migration", filepath.Base(f)).Msg("migration failed")
		}
		fmt.Printf("  applied: %s\n", filepath.Base(f))
	}

	if len(pending) == 0 {
		fmt.Println("No pending migrations.")
	} else {
		fmt.Printf("\n%d migration(s) applied.\n", len(pending))
	}
}

// appliedMigrations returns the recorded migration file names. A missing
// migrations table (first run) yields an empty set.
func appliedMigrations(ctx context.Context, conn *pgx.Conn) (map[string]bool, error) {
	applied := make(map[string]bool)
	var exists bool
	if err := conn.QueryRow(ctx, "SELECT to_regclass('migrations') IS NOT NULL").Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return applied, nil
	}

	rows, err := conn.Query(ctx, "SELECT migration FROM migrations")
	if err != nil {
		return nil, err
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		applied[name] = true
	}
	return applied, nil
}

// pendingMigrations returns the files not yet applied, in name order.
func pendingMigrations(files []string, applied map[string]bool) []string {
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)

	var pending []string
	for _, f := range sorted {
		if !applied[filepath.Base(f)] {
			pending = append(pending, f)
		}
	}
	return pending
}

// applyMigration runs one file and records it in the same transaction.
func applyMigration(ctx context.Context, conn *pgx.Conn, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	filename := filepath.Base(path)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, string(content)); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO migrations (migration, description) VALUES ($1, $2)",
		filename, descriptionFromFilename(filename)); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit(ctx)
}

// descriptionFromFilename strips the YYYY-MM-DD-NNN- prefix and .sql suffix.
func descriptionFromFilename(filename string) string {
	name := strings.TrimSuffix(filename, ".sql")
	name = migrationPrefix.ReplaceAllString(name, "")
	return strings.ReplaceAll(name, "-", " ")
}
