package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"filippo.io/age"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"ipasignd/pkg/bus"
	"ipasignd/pkg/db"
	gos3 "ipasignd/pkg/s3"
	"ipasignd/pkg/telemetry"
	"ipasignd/services/signd"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "signd",
		Short:         "Anonymous app signing service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the signing HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run("signd")
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, err := signd.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Store != "postgres" {
				return fmt.Errorf("migrate requires SIGND_STORE=postgres")
			}

			pool, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer pool.Close()

			return db.Migrate(ctx, pool)
		},
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}
	}()

	cfg, err := signd.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var identity *age.X25519Identity
	if cfg.AgeIdentity != "" {
		identity, err = age.ParseX25519Identity(cfg.AgeIdentity)
		if err != nil {
			return fmt.Errorf("parse age identity: %w", err)
		}
	}

	artifacts, err := signd.NewArtifacts(cfg.DataDir, identity)
	if err != nil {
		return fmt.Errorf("prepare artifact store: %w", err)
	}

	store := &signd.Store{}

	var pool *pgxpool.Pool
	switch cfg.Store {
	case "postgres":
		pool, err = db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		store.Jobs = signd.NewPostgresJobStore(pool)
		store.Credentials = signd.NewPostgresCredentialStore(pool)
	default:
		store.Jobs = signd.NewMemoryJobStore()
		store.Credentials = signd.NewMemoryCredentialStore()
	}

	if cfg.NATSURL != "" {
		b, err := bus.New(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		defer b.Close()
		store.Bus = b
	}

	if cfg.MirrorBucket != "" {
		s3Client, err := gos3.NewClientFromEnv()
		if err != nil {
			return fmt.Errorf("s3 client: %w", err)
		}
		store.Mirror = s3Client
	}

	api, err := signd.New(store, artifacts, signd.NewZsignSigner(cfg.SignerBin, cfg.SignTimeout), cfg, logger)
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}

	sweeper := signd.NewSweeper(store.Jobs, store.Credentials, artifacts, logger, cfg.SweepInterval, cfg.JobTTL)
	go sweeper.Run(ctx)

	var ready atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		if pool != nil {
			if err := db.Ping(r.Context(), pool); err != nil {
				http.Error(w, "database unreachable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api.Routes())

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: middleware(mux),
	}

	errCh := make(chan error, 1)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: http shutdown error: %v\n", serviceName, err)
		}
	}()

	ready.Store(true)
	logger.Printf("INFO http listening on %s", server.Addr)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}
