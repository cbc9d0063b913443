package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/projectdesk/accessq/internal/access"
	accesspg "github.com/projectdesk/accessq/internal/access/postgres"
	"github.com/projectdesk/accessq/internal/admission"
	"github.com/projectdesk/accessq/internal/archive"
	"github.com/projectdesk/accessq/internal/blobstore"
	"github.com/projectdesk/accessq/internal/eventbus"
	"github.com/projectdesk/accessq/internal/httpapi"
	"github.com/projectdesk/accessq/internal/metrics"
	"github.com/projectdesk/accessq/internal/notify"
	"github.com/projectdesk/accessq/internal/secrets"
	"github.com/projectdesk/accessq/internal/sweeper"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	storeMemory   = "memory"
	storePostgres = "postgres"
	driverNone    = "none"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8090", "HTTP listen address")

		storeDriver       = flag.String("store", storeMemory, "lease store: memory|postgres")
		postgresDSN       = flag.String("postgres-dsn", "", "Postgres DSN (store=postgres)")
		postgresDSNSecret = flag.String("postgres-dsn-secret", "", "secret reference for the Postgres DSN: env:NAME or aws:ID[#field]")

		sweepInterval     = flag.Duration("sweep-interval", sweeper.DefaultInterval, "expiry sweep interval")
		endingWarning     = flag.Duration("ending-warning", sweeper.DefaultEndingWarning, "send lease.ending this long before expiry (negative disables)")
		reconcileInterval = flag.Duration("reconcile-interval", 10*time.Minute, "guest counter reconciliation interval (0 disables)")
		reconcileBatch    = flag.Int("reconcile-batch", admission.DefaultReconcileBatchSize, "counters written per reconciliation batch")
		guestMaxLeases    = flag.Int("guest-max-active-leases", 0, "cap on concurrent active leases per guest across resources (0 = unlimited)")

		eventsDriver  = flag.String("events-driver", driverNone, "event bus driver: none|kafka|stdio")
		eventsBrokers = flag.String("events-brokers", "", "event bus brokers (comma-separated)")
		eventsTopic   = flag.String("events-topic", eventbus.DefaultTopic, "event bus topic")
		hubBuffer     = flag.Int("ws-buffer", 32, "per-subscriber websocket event buffer")

		archiveDriver = flag.String("archive-driver", driverNone, "ended lease archive: none|memory|s3")
		archiveBucket = flag.String("archive-bucket", "", "S3 bucket for the lease archive")
		archivePrefix = flag.String("archive-prefix", "accessq", "key prefix for the lease archive")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 10*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	store, err := normalizeStore(*storeDriver)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	events, err := normalizeEventsDriver(*eventsDriver)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	archiveKind, err := normalizeArchiveDriver(*archiveDriver)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *sweepInterval <= 0 || *reconcileInterval < 0 || *reconcileBatch <= 0 {
		fmt.Fprintln(os.Stderr, "error: --sweep-interval and --reconcile-batch must be > 0, --reconcile-interval >= 0")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}
	if events == eventbus.DriverKafka && len(eventbus.SplitCommaList(*eventsBrokers)) == 0 {
		fmt.Fprintln(os.Stderr, "error: --events-brokers is required for --events-driver=kafka")
		os.Exit(2)
	}
	if archiveKind == blobstore.DriverS3 && strings.TrimSpace(*archiveBucket) == "" {
		fmt.Fprintln(os.Stderr, "error: --archive-bucket is required for --archive-driver=s3")
		os.Exit(2)
	}
	policy, err := buildPolicy(*guestMaxLeases)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var accessStore access.Store
	switch store {
	case storePostgres:
		dsn, err := secrets.ResolveValue(ctx, secrets.NewResolver(), *postgresDSN, *postgresDSNSecret)
		if err != nil {
			log.Error("resolve postgres dsn", "err", err)
			os.Exit(2)
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		pgStore, err := accesspg.New(pool)
		if err != nil {
			log.Error("init access store", "err", err)
			os.Exit(2)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure access schema", "err", err)
			os.Exit(2)
		}
		accessStore = pgStore
	default:
		accessStore = access.NewMemoryStore(time.Now)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	hub := notify.NewHub(*hubBuffer, m.EventDropped)
	sinks := []notify.Sink{hub}

	if events != driverNone {
		producer, err := eventbus.NewProducer(eventbus.ProducerConfig{
			Driver:  events,
			Brokers: eventbus.SplitCommaList(*eventsBrokers),
		})
		if err != nil {
			log.Error("init event producer", "err", err)
			os.Exit(2)
		}
		defer producer.Close()

		busSink, err := notify.NewBusSink(producer, *eventsTopic)
		if err != nil {
			log.Error("init event bus sink", "err", err)
			os.Exit(2)
		}
		sinks = append(sinks, busSink)
	}

	var leaseArchive httpapi.LeaseArchive
	if archiveKind != driverNone {
		blobCfg := blobstore.Config{
			Driver: archiveKind,
			Prefix: *archivePrefix,
			Bucket: strings.TrimSpace(*archiveBucket),
		}
		if archiveKind == blobstore.DriverS3 {
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				log.Error("load aws config", "err", err)
				os.Exit(2)
			}
			blobCfg.S3Client = s3.NewFromConfig(awsCfg)
		}
		blobs, err := blobstore.New(blobCfg)
		if err != nil {
			log.Error("init archive blob store", "err", err)
			os.Exit(2)
		}
		archiveSink, err := archive.NewSink(blobs)
		if err != nil {
			log.Error("init archive sink", "err", err)
			os.Exit(2)
		}
		sinks = append(sinks, archiveSink)
		leaseArchive = archiveSink
	}

	publisher := notify.NewPublisher(notify.PublisherConfig{Logger: log}, sinks...)

	svc, err := admission.New(admission.Config{Policy: policy}, accessStore, publisher, m, log)
	if err != nil {
		log.Error("init admission service", "err", err)
		os.Exit(2)
	}
	reconciler, err := admission.NewReconciler(admission.ReconcilerConfig{BatchSize: *reconcileBatch}, accessStore, m, log)
	if err != nil {
		log.Error("init reconciler", "err", err)
		os.Exit(2)
	}
	sw, err := sweeper.New(sweeper.Config{
		Interval:      *sweepInterval,
		EndingWarning: *endingWarning,
	}, accessStore, svc, publisher, m, log)
	if err != nil {
		log.Error("init sweeper", "err", err)
		os.Exit(2)
	}

	handler, err := httpapi.NewHandler(httpapi.Config{
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		MetricsHandler:          promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Archive:                 leaseArchive,
		Now:                     time.Now,
		Logger:                  log,
	}, svc, reconciler, hub)
	if err != nil {
		log.Error("init http handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("accessd listening",
			"addr", *listenAddr,
			"store", store,
			"events", events,
			"archive", archiveKind,
			"sweepInterval", sweepInterval.String(),
			"endingWarning", endingWarning.String(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sw.Run(gctx)
	})
	if *reconcileInterval > 0 {
		g.Go(func() error {
			return runReconciler(gctx, reconciler, *reconcileInterval, log)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown", "reason", context.Cause(gctx))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("accessd stopped", "err", err)
		os.Exit(1)
	}
}

type guestReconciler interface {
	ReconcileAllGuestCounters(ctx context.Context) (int, error)
}

func runReconciler(ctx context.Context, r guestReconciler, every time.Duration, log *slog.Logger) error {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := r.ReconcileAllGuestCounters(ctx); err != nil && ctx.Err() == nil {
				log.Error("reconcile guest counters", "err", err)
			}
		}
	}
}

func normalizeStore(v string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", storeMemory:
		return storeMemory, nil
	case storePostgres:
		return storePostgres, nil
	default:
		return "", fmt.Errorf("--store must be memory or postgres, got %q", v)
	}
}

func normalizeEventsDriver(v string) (string, error) {
	switch s := strings.ToLower(strings.TrimSpace(v)); s {
	case "", driverNone:
		return driverNone, nil
	case eventbus.DriverKafka, eventbus.DriverStdio:
		return s, nil
	default:
		return "", fmt.Errorf("--events-driver must be none, kafka or stdio, got %q", v)
	}
}

func normalizeArchiveDriver(v string) (string, error) {
	switch s := strings.ToLower(strings.TrimSpace(v)); s {
	case "", driverNone:
		return driverNone, nil
	case blobstore.DriverMemory, blobstore.DriverS3:
		return s, nil
	default:
		return "", fmt.Errorf("--archive-driver must be none, memory or s3, got %q", v)
	}
}

func buildPolicy(guestMaxActiveLeases int) (access.Policy, error) {
	if guestMaxActiveLeases < 0 {
		return nil, errors.New("--guest-max-active-leases must be >= 0")
	}
	p := access.DefaultPolicy()
	rp := p[access.RoleGuest]
	rp.MaxActiveLeases = guestMaxActiveLeases
	p[access.RoleGuest] = rp
	return p, p.Validate()
}
