package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/projectdesk/accessq/internal/access"
	accesspg "github.com/projectdesk/accessq/internal/access/postgres"
	"github.com/projectdesk/accessq/internal/admission"
	"github.com/projectdesk/accessq/internal/secrets"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runMain(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	dsn         string
	dsnSecret   string
	requesterID string
	batchSize   int
}

func parseArgs(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("access-reconcile", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&o.dsn, "postgres-dsn", "", "Postgres DSN")
	fs.StringVar(&o.dsnSecret, "postgres-dsn-secret", "", "secret reference for the Postgres DSN: env:NAME or aws:ID[#field]")
	fs.StringVar(&o.requesterID, "requester", "", "reconcile only this requester; empty reconciles every guest")
	fs.IntVar(&o.batchSize, "batch-size", admission.DefaultReconcileBatchSize, "counters written per batch")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	o.requesterID = strings.TrimSpace(o.requesterID)
	if strings.TrimSpace(o.dsn) == "" && strings.TrimSpace(o.dsnSecret) == "" {
		return options{}, errors.New("--postgres-dsn or --postgres-dsn-secret is required")
	}
	if o.batchSize <= 0 {
		return options{}, errors.New("--batch-size must be > 0")
	}
	return o, nil
}

func runMain(ctx context.Context, args []string, stdout io.Writer) error {
	o, err := parseArgs(args)
	if err != nil {
		return err
	}

	dsn, err := secrets.ResolveValue(ctx, secrets.NewResolver(), o.dsn, o.dsnSecret)
	if err != nil {
		return fmt.Errorf("resolve postgres dsn: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("init pgx pool: %w", err)
	}
	defer pool.Close()

	store, err := accesspg.New(pool)
	if err != nil {
		return err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	return run(ctx, store, o, stdout)
}

type result struct {
	Reconciled int             `json:"reconciled"`
	Counter    *counterPayload `json:"counter,omitempty"`
}

type counterPayload struct {
	RequesterID  string `json:"requesterId"`
	Role         string `json:"role"`
	ActiveLeases int    `json:"activeLeases"`
}

func run(ctx context.Context, store access.Store, o options, stdout io.Writer) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	r, err := admission.NewReconciler(admission.ReconcilerConfig{BatchSize: o.batchSize}, store, nil, log)
	if err != nil {
		return err
	}

	var res result
	if o.requesterID != "" {
		c, err := r.ReconcileCounter(ctx, o.requesterID)
		if err != nil {
			return err
		}
		res.Reconciled = 1
		res.Counter = &counterPayload{RequesterID: c.RequesterID, Role: c.Role.String(), ActiveLeases: c.ActiveLeases}
	} else {
		n, err := r.ReconcileAllGuestCounters(ctx)
		if err != nil {
			return err
		}
		res.Reconciled = n
	}

	enc := json.NewEncoder(stdout)
	return enc.Encode(res)
}
