package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"docseal/internal/document/anchor"
	"docseal/internal/document/custody"
	"docseal/internal/document/handler"
	"docseal/internal/document/models"
	"docseal/internal/document/service"
	jwttoken "docseal/internal/jwt_token"
	"docseal/internal/platform/config"
	"docseal/internal/platform/httpserver"
	"docseal/internal/platform/logger"
	"docseal/internal/platform/metrics"
	platformredis "docseal/internal/platform/redis"
	httptransport "docseal/internal/transport/http"
	"docseal/pkg/platform/audit/publisher"
	"docseal/pkg/platform/circuit"
)

const shutdownTimeout = 15 * time.Second

// main wires configuration, key custody, anchoring, audit and the HTTP
// surface, then runs until SIGINT or SIGTERM.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "docseal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	keys, err := custody.Load(cfg.Keys)
	if err != nil {
		return fmt.Errorf("load keys: %w", err)
	}

	redisClient, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	backend, closeBackend, err := openAnchorBackend(ctx, cfg, redisClient)
	if err != nil {
		return fmt.Errorf("anchor backend: %w", err)
	}
	defer closeBackend()

	sink, err := openAuditSink(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("audit store: %w", err)
	}
	defer sink.close()
	auditPublisher := publisher.NewPublisher(sink.store, publisher.WithLogger(log))
	defer auditPublisher.Close()

	// svc is assigned below; the anchor hooks only fire after startup.
	var svc *service.Service
	breaker := circuit.New("anchor-"+backend.Name(),
		circuit.WithFailureThreshold(cfg.Anchor.FailureThreshold),
		circuit.WithSuccessThreshold(cfg.Anchor.SuccessThreshold),
		circuit.WithCooldown(cfg.Anchor.Cooldown),
	)
	anchorSvc := anchor.New(backend,
		anchor.WithTimeout(cfg.Anchor.Timeout),
		anchor.WithBreaker(breaker),
		anchor.WithLogger(log),
		anchor.WithObserver(m),
		anchor.WithCircuitListener(func(ctx context.Context, name string, open bool) {
			svc.ReportCircuit(ctx, name, open)
		}),
	)
	reconciler := anchor.NewReconciler(anchorSvc,
		anchor.WithBuffer(cfg.Anchor.ReconcileBuffer),
		anchor.WithInterval(cfg.Anchor.ReconcileEvery),
		anchor.WithReconcilerLogger(log),
		anchor.WithPendingGauge(m),
		anchor.OnReconciled(func(ctx context.Context, p anchor.Pending, r anchor.Receipt) {
			svc.ReportReconciled(ctx, p, r)
		}),
	)

	svc, err = service.New(cfg.Server.Issuer, keys, anchorSvc,
		service.WithLogger(log),
		service.WithAuditPublisher(auditPublisher),
		service.WithMetrics(m),
		service.WithPendingQueue(reconciler),
		service.WithDefaultFeatures(models.SecurityConfig(cfg.Features)),
		service.WithVerificationTokens(cfg.Server.TokenTTL),
	)
	if err != nil {
		return fmt.Errorf("document service: %w", err)
	}

	checks := sink.checks
	if redisClient != nil {
		checks["redis"] = redisClient.Health
	}
	router := httptransport.NewRouter(httptransport.Deps{
		Documents:      handler.New(svc, log),
		Validator:      jwttoken.NewJWTServiceAdapter(jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.Issuer, cfg.Server.JWTAudience)),
		IssueScope:     jwttoken.ScopeIssue,
		Logger:         log,
		Latency:        m,
		Gatherer:       reg,
		RequestTimeout: cfg.Server.RequestTimeout,
		Checks:         checks,
		VerifyLimiter:  verifyLimiter(cfg, redisClient, log),
	})
	srv := httpserver.New(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(reconciler.Run(gctx)) })
	for _, worker := range sink.workers {
		g.Go(func() error { return ignoreCanceled(worker(gctx)) })
	}
	g.Go(func() error {
		log.Info("starting docseal",
			"addr", cfg.Server.Addr,
			"anchor_backend", backend.Name(),
			"issuer", cfg.Server.Issuer,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down", "pending_anchors", reconciler.Len())
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("docseal stopped with error", "error", err)
		return err
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
