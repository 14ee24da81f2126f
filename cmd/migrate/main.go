// Command migrate applies or reverts the SwapFlow order schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	dbmigrations "github.com/coachpo/swapflow/db/migrations"
	"github.com/coachpo/swapflow/internal/infra/persistence/migrations"
	"github.com/coachpo/swapflow/internal/observability"
)

const (
	dsnEnvVar      = "SWAPFLOW_DATABASE_URL"
	defaultTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dsn     = flag.String("database", os.Getenv(dsnEnvVar), "PostgreSQL DSN (default: $"+dsnEnvVar+")")
		dir     = flag.String("path", "", "Directory containing SQL migrations (default: migrations embedded in the binary)")
		timeout = flag.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = flag.Bool("quiet", false, "Suppress informational logs")
	)
	flag.Parse()

	if strings.TrimSpace(*dsn) == "" {
		return errors.New("-database flag or " + dsnEnvVar + " is required")
	}

	args := flag.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down)")
	}

	level := "info"
	if *quiet {
		level = "warn"
	}
	zl, err := observability.NewZapLogger(observability.ZapConfig{Level: level, Development: true})
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := zl.With(observability.F("component", "migrate"))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var source fs.FS = dbmigrations.Files
	if path := strings.TrimSpace(*dir); path != "" {
		source = os.DirFS(path)
	}

	switch args[0] {
	case "up":
		if strings.TrimSpace(*dir) != "" {
			return migrations.ApplyDir(ctx, *dsn, *dir, logger)
		}
		return migrations.Apply(ctx, *dsn, source, logger)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		return migrations.Rollback(ctx, *dsn, source, steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}
