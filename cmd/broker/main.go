// Package main is the entrypoint for the fitable-broker (binary name "broker" in Docker).
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/morezero/fitable-broker/internal/config"
	"github.com/morezero/fitable-broker/internal/server"
	"github.com/morezero/fitable-broker/pkg/bootstrap"
	"github.com/morezero/fitable-broker/pkg/db"
	"github.com/morezero/fitable-broker/pkg/registry"
	"github.com/morezero/fitable-broker/pkg/tasksource"
)

const usage = `Usage: broker [command]
       broker serve              Start a broker node (COMMS, discovery, HTTP).
       broker check [manifest]   Validate a manifest and print what it declares.
       broker migrate up         Run database migrations.
       broker migrate status     Show migration status.
       broker ensure-db [name]   Create database if missing (default name: broker_test). Uses DATABASE_URL host/user.
       broker bindings           List stored source bindings.

Commands:
  serve            (default) Start the fitable broker.
  check [manifest] Validate BROKER_MANIFEST_FILE or the given file against the task-source contracts.
  migrate up       Run database migrations only (MIGRATION_PATH or the embedded set).
  migrate status   Show whether the schema is installed.
  ensure-db [name] Create database (e.g. broker_test) on same host as DATABASE_URL.
  bindings         Print source to fitable bindings from the database.

Environment: COMMS_URL, DATABASE_URL, MIGRATION_PATH, BROKER_MANIFEST_FILE, BROKER_HTTP_ADDR (default 0.0.0.0:8080). See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "check":
		path := ""
		if len(args) > 1 {
			path = args[1]
		}
		if err := runCheck(os.Stdout, path); err != nil {
			log.Fatalf("broker check: %v", err)
		}
		return
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("broker migrate: require subcommand (up, status)")
		}
		switch sub := args[1]; sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("broker migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(os.Stdout); err != nil {
				log.Fatalf("broker migrate status: %v", err)
			}
		default:
			log.Fatalf("broker migrate: unknown subcommand %q (use up, status)", sub)
		}
		return
	case "ensure-db":
		dbName := "broker_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("broker ensure-db: %v", err)
		}
		return
	case "bindings":
		if err := runBindings(os.Stdout); err != nil {
			log.Fatalf("broker bindings: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("broker: %v", err)
	}
}

// runCheck loads a manifest and applies it, together with the task-source
// contracts, to a scratch registry so shape conflicts surface before deploy.
func runCheck(w io.Writer, path string) error {
	var (
		m   *bootstrap.Manifest
		err error
	)
	if path != "" {
		m, err = bootstrap.ReadManifest(path)
	} else {
		m, err = bootstrap.LoadManifest()
	}
	if err != nil {
		return err
	}

	ctx := context.Background()
	reg := registry.NewRegistry(registry.NewRegistryParams{})
	res, err := bootstrap.Apply(ctx, reg, m)
	if err != nil {
		return err
	}
	if err := tasksource.RegisterContracts(ctx, reg); err != nil {
		return fmt.Errorf("manifest conflicts with task-source contracts: %w", err)
	}

	fmt.Fprintf(w, "Manifest %q (version %s) is valid: %d contracts, %d implementations.\n", m.Name, m.Version, res.Contracts, res.Implementations)
	for _, id := range reg.Contracts() {
		fmt.Fprintf(w, "  %s: %d candidates\n", id, len(reg.CandidatesFor(id)))
	}
	return nil
}

func runMigrateUp() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, nil)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	var migrations []string
	if cfg.MigrationPath != "" {
		migrations, err = db.LoadMigrationFiles(cfg.MigrationPath)
	} else {
		migrations, err = db.DefaultMigrations()
	}
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrations); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runMigrateStatus(w io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, nil)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	installed, err := db.MigrationStatus(ctx, pool)
	if err != nil {
		return err
	}
	if installed {
		fmt.Fprintln(w, "Schema installed.")
	} else {
		fmt.Fprintln(w, "Schema not installed; run `broker migrate up`.")
	}
	return nil
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	targetURL, err := db.WithDatabaseName(cfg.DatabaseURL, dbName)
	if err != nil {
		return fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if err := db.EnsureDatabase(context.Background(), targetURL); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

func runBindings(w io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, nil)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	bindings, err := db.NewBindingRepository(pool).List(ctx)
	if err != nil {
		return err
	}
	for _, b := range bindings {
		fmt.Fprintf(w, "%s\t%s\t%s\n", b.SourceID, b.Source.Kind(), b.Fitable)
	}
	return nil
}
