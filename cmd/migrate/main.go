package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"InvoiceChainSync/internal/config"
	"InvoiceChainSync/internal/db"
	"InvoiceChainSync/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config yaml")
	dir := flag.String("dir", "migrations", "directory holding *.sql files")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.DB.DSN == "" {
		logger.Fatal("db.dsn is empty, nothing to migrate")
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		logger.Fatal("db connect failed", zap.Error(err))
	}
	defer pool.Close()

	if err := ensureSchemaTable(ctx, pool); err != nil {
		logger.Fatal("ensure schema table failed", zap.Error(err))
	}

	files, err := listSQLFiles(*dir)
	if err != nil {
		logger.Fatal("list migrations failed", zap.Error(err))
	}

	applied := 0
	for _, file := range files {
		log := logger.With(zap.String("file", file))
		done, err := isApplied(ctx, pool, file)
		if err != nil {
			log.Fatal("check migration failed", zap.Error(err))
		}
		if done {
			continue
		}
		if err := applyMigration(ctx, pool, file); err != nil {
			log.Fatal("apply migration failed", zap.Error(err))
		}
		log.Info("applied")
		applied++
	}
	logger.Info("migrations complete", zap.Int("applied", applied), zap.Int("total", len(files)))
}

func ensureSchemaTable(ctx context.Context, pool *db.Pool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (filename TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`)
	return err
}

func listSQLFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	for i, name := range files {
		files[i] = filepath.Join(dir, name)
	}
	return files, nil
}

func isApplied(ctx context.Context, pool *db.Pool, file string) (bool, error) {
	var exists bool
	row := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, filepath.Base(file))
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// applyMigration runs the file and records it in one transaction so a failed
// file is never marked applied.
func applyMigration(ctx context.Context, pool *db.Pool, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if body := strings.TrimSpace(string(data)); body != "" {
		if _, err := tx.Exec(ctx, body); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, filepath.Base(file)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
