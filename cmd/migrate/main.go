// Package main applies database migrations with goose. Usage:
//
//	migrate up      apply all pending migrations
//	migrate down    roll back the most recent migration
//	migrate status  print migration status
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"mailloop/internal/config"
	"mailloop/migrations"
)

func main() {
	if err := run(); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()
	command := flag.Arg(0)
	if command == "" {
		command = "up"
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	database, err := sql.Open("pgx", cfg.Database.URL.Unmask())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}

	ctx := context.Background()
	switch command {
	case "up":
		return goose.UpContext(ctx, database, ".")
	case "down":
		return goose.DownContext(ctx, database, ".")
	case "status":
		return goose.StatusContext(ctx, database, ".")
	default:
		return fmt.Errorf("unknown command %q (want up, down, or status)", command)
	}
}
