package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtzanidakis/epoptis/internal/bus"
	"github.com/mtzanidakis/epoptis/internal/config"
	"github.com/mtzanidakis/epoptis/internal/coordinator"
	"github.com/mtzanidakis/epoptis/internal/scheduler"
	"github.com/mtzanidakis/epoptis/internal/store"
	"github.com/mtzanidakis/epoptis/internal/vault"
	"github.com/mtzanidakis/epoptis/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("epoptis %s\n", version)
	case "serve":
		if err := runServe(); err != nil {
			slog.Error("serve failed", "error", err)
			os.Exit(1)
		}
	case "analyze":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: epoptis analyze <transcript-file>")
			os.Exit(1)
		}
		if err := runAnalyze(os.Args[2]); err != nil {
			slog.Error("analyze failed", "error", err)
			os.Exit(1)
		}
	case "memory":
		if err := runMemory(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: epoptis <command>\n\nCommands:\n  serve              Start the analysis service\n  analyze <file>     Analyze one transcript and print the result\n  memory <cmd>       Inspect or edit the shared memory store\n  backup -f <file>   Archive the store and bus data\n  restore -f <file>  Restore from an archive\n  version            Print version\n")
}

// buildStack wires the shared infrastructure: store, memory (sealed when
// a vault passphrase is configured), embedded NATS, and the coordinator.
func buildStack(cfg *config.Config) (*store.Store, *bus.Bus, *coordinator.Coordinator, error) {
	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init store: %w", err)
	}
	slog.Info("store initialized", "path", cfg.Store.Path)

	var sealer store.Sealer
	if cfg.Vault.Passphrase != "" {
		sealer = vault.New(cfg.Vault.Passphrase)
		slog.Info("memory encryption enabled")
	}
	memory, err := store.NewMemory(db, sealer)
	if err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("init memory: %w", err)
	}

	b, err := bus.New(cfg.NATS)
	if err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("init nats: %w", err)
	}
	slog.Info("nats started", "port", cfg.NATS.Port)

	coord, err := coordinator.New(cfg, b, db, memory)
	if err != nil {
		b.Close()
		db.Close()
		return nil, nil, nil, fmt.Errorf("init coordinator: %w", err)
	}

	return db, b, coord, nil
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting epoptis", "version", version, "teams", len(cfg.Teams))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, b, coord, err := buildStack(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	defer b.Close()
	defer coord.Close()

	sched := scheduler.New(db, coord, cfg.Scheduler)
	go sched.Start(ctx)

	if cfg.Web.Enabled {
		srv := web.NewServer(db, b, coord, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	return nil
}

func runAnalyze(path string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	transcript, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}

	db, b, coord, err := buildStack(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	defer b.Close()
	defer coord.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	res, err := coord.Analyze(ctx, string(transcript))
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
