package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/pulsegate/controlplane/internal/auth"
	"github.com/pulsegate/controlplane/internal/config"
	"github.com/pulsegate/controlplane/internal/httpserver"
	"github.com/pulsegate/controlplane/internal/platform"
	"github.com/pulsegate/controlplane/internal/seed"
	"github.com/pulsegate/controlplane/internal/telemetry"
	"github.com/pulsegate/controlplane/pkg/aggregate"
	"github.com/pulsegate/controlplane/pkg/analytics"
	"github.com/pulsegate/controlplane/pkg/ingress"
	"github.com/pulsegate/controlplane/pkg/insight"
	"github.com/pulsegate/controlplane/pkg/notify"
	"github.com/pulsegate/controlplane/pkg/policy"
	"github.com/pulsegate/controlplane/pkg/signalstore"
	"github.com/pulsegate/controlplane/pkg/stream"
	"github.com/pulsegate/controlplane/pkg/threshold"
)

// serviceVersion is reported on traces; bump alongside releases.
const serviceVersion = "0.1.0"

// archiveSweepInterval is how often the api process rolls up each tracked
// endpoint's in-memory ring into an hourly archive row. The Signal Store is
// process-local, so this sweep must run where the Store lives rather than
// in a separate worker process (see DESIGN.md's topology decision).
const archiveSweepInterval = time.Hour

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api, worker, or
// seed-demo).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting pulsegate control plane", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "pulsegate-controlplane", serviceVersion)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, logger, db)
	case "seed-demo":
		return seed.RunDemo(ctx, db, logger)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// pipeline bundles the ingest → aggregate → policy components that only
// make sense wired together inside a single api process, since the
// Aggregator and Signal Store both hold process-local in-memory state.
type pipeline struct {
	signals    *signalstore.Store
	aggregator *aggregate.Aggregator
	policies   *policy.Store
	thresholds *threshold.Store
	insights   *insight.Store
	engine     *policy.Engine
	hub        *stream.Hub
	publisher  *stream.Publisher
	stream     *stream.Handler
}

func buildPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) (*pipeline, error) {
	archiveWriter := signalstore.NewArchiveWriter(db, logger)
	archiveWriter.Start(ctx)

	signals := signalstore.New(cfg.ShardCount, logger, signalstore.WithArchiver(archiveWriter), signalstore.WithRetention(time.Duration(cfg.SignalRetentionDays)*24*time.Hour))

	policies := policy.NewStore(db, logger)
	if err := policies.Load(ctx); err != nil {
		return nil, fmt.Errorf("loading policy cache: %w", err)
	}
	policies.SetRedis(rdb)
	go policies.Start(ctx)
	go policies.Subscribe(ctx)

	thresholds := threshold.NewStore(db, logger)
	if err := thresholds.Load(ctx); err != nil {
		return nil, fmt.Errorf("loading threshold cache: %w", err)
	}
	go thresholds.Start(ctx)

	insights := insight.NewStore(db)

	explainer, err := buildExplainer(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	engine := policy.NewEngine(db, policies, thresholds, insights, explainer, logger)

	notifier := notify.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	if notifier.IsEnabled() {
		logger.Info("slack insight notifications enabled", "channel", cfg.SlackAlertChannel)
	}
	engine.SetNotifier(func(ctx context.Context, rec insight.Record) {
		err := notifier.PostInsight(ctx, notify.Insight{
			Type:        string(rec.Type),
			Service:     rec.Service,
			Endpoint:    rec.Endpoint,
			Description: rec.Description,
			Confidence:  rec.Confidence,
			CreatedAt:   rec.CreatedAt,
		})
		if err != nil {
			logger.Error("posting insight notification", "error", err)
		}
	})

	aggregator := aggregate.New(cfg.ShardCount, logger, nil, func(ctx context.Context, snap aggregate.Snapshot) {
		if _, _, err := engine.Evaluate(ctx, snap); err != nil {
			logger.Error("evaluating policy", "error", err, "service", snap.Key.ServiceName, "endpoint", snap.Key.Endpoint)
		}
	})

	hub := stream.NewHub()
	publisher := stream.NewPublisher(hub, aggregator, policies)
	streamHandler := stream.NewHandler(hub, publisher)

	return &pipeline{
		signals:    signals,
		aggregator: aggregator,
		policies:   policies,
		thresholds: thresholds,
		insights:   insights,
		engine:     engine,
		hub:        hub,
		publisher:  publisher,
		stream:     streamHandler,
	}, nil
}

// buildExplainer returns a GeminiExplainer when GEMINI_API_KEY is set,
// falling back to the numeric HeuristicExplainer otherwise — an
// unconfigured explain collaborator degrades to rules, it never blocks
// policy evaluation.
func buildExplainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (insight.Explainer, error) {
	if cfg.GeminiAPIKey == "" {
		logger.Info("explain collaborator: using heuristic explainer (GEMINI_API_KEY not set)")
		return insight.NewHeuristicExplainer(), nil
	}

	explainer, err := insight.NewGeminiExplainer(ctx, cfg.GeminiAPIKey)
	if err != nil {
		return nil, fmt.Errorf("initializing gemini explainer: %w", err)
	}
	logger.Info("explain collaborator: using gemini explainer", "model", cfg.GeminiModel)
	return explainer, nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	p, err := buildPipeline(ctx, cfg, logger, db, rdb)
	if err != nil {
		return err
	}

	go func() {
		if err := p.aggregator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("aggregator stopped", "error", err)
		}
	}()
	go func() {
		if err := p.publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("publisher stopped", "error", err)
		}
	}()
	go runArchiveSweep(ctx, p.signals, logger)
	go runInsightPruning(ctx, p.insights, logger)

	sessionSecret := cfg.SessionSecret
	if sessionSecret == "" {
		sessionSecret = auth.GenerateDevSecret()
		logger.Info("session: using auto-generated dev secret (set PULSEGATE_SESSION_SECRET in production)")
	}
	sessionMaxAge, err := time.ParseDuration(cfg.SessionMaxAge)
	if err != nil {
		return fmt.Errorf("parsing session max age %q: %w", cfg.SessionMaxAge, err)
	}
	sessionMgr, err := auth.NewSessionManager(sessionSecret, sessionMaxAge)
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}

	var oidcAuth *auth.OIDCAuthenticator
	if cfg.OIDCIssuerURL != "" && cfg.OIDCClientID != "" {
		oidcAuth, err = auth.NewOIDCAuthenticator(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID)
		if err != nil {
			return fmt.Errorf("initializing OIDC authenticator: %w", err)
		}
		logger.Info("OIDC authentication enabled", "issuer", cfg.OIDCIssuerURL)
	} else {
		logger.Info("OIDC authentication disabled (OIDC_ISSUER_URL not set)")
	}

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, sessionMgr, oidcAuth)

	// Ingress: per-IP backpressure ahead of the per-tenant queue. Every
	// other /api/v1 route already requires an authenticated tenant; the
	// ingest path is the highest-volume surface and the one worth capping
	// before it reaches the signal store.
	ingressLimiter := auth.NewRateLimiter(rdb, 2000, time.Minute)

	ingressQueue := ingress.NewQueue(func(sig signalstore.Signal) {
		p.signals.Append(sig)
		p.aggregator.Record(sig)
		p.stream.PublishSignal(sig)
	})
	ingressHandler := ingress.NewHandler(ingressQueue)
	srv.APIRouter.With(rateLimitMiddleware(ingressLimiter, logger)).Mount("/signals", ingressHandler.Routes())

	policyHandler := policy.NewHandler(p.policies)
	srv.APIRouter.Mount("/config", policyHandler.Routes())

	thresholdHandler := threshold.NewHandler(p.thresholds)
	srv.APIRouter.Mount("/ai/thresholds", thresholdHandler.Routes())

	insightHandler := insight.NewHandler(p.insights)
	srv.APIRouter.Get("/ai/insights", insightHandler.ListInsights)

	srv.APIRouter.Mount("/sse", p.stream.Routes())

	analyticsStore := analytics.NewStore(db, p.signals, cfg.SignalRetentionDays)
	analyticsHandler := analytics.NewHandler(analyticsStore)
	srv.APIRouter.Mount("/analytics", analyticsHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// rateLimitMiddleware enforces rl ahead of the wrapped handler, keyed on
// clientIP (the X-Forwarded-For header if present, else RemoteAddr). It records every request it lets through so the window fills
// even on success, matching how nightowl's login rate limiter treats
// attempts rather than only failures.
func rateLimitMiddleware(rl *auth.RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			result, err := rl.Check(r.Context(), ip)
			if err != nil {
				logger.Error("checking ingress rate limit", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !result.Allowed {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(time.Until(result.RetryAt).Seconds())))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			if err := rl.Record(r.Context(), ip); err != nil {
				logger.Error("recording ingress rate limit", "error", err)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

// runWorker handles maintenance that has no dependency on the api
// process's in-memory state: expired insight pruning. Archival of the
// Signal Store's rings runs inside the api process itself (runArchiveSweep),
// since that Store only exists there.
func runWorker(ctx context.Context, logger *slog.Logger, db *pgxpool.Pool) error {
	logger.Info("worker started")

	insights := insight.NewStore(db)
	runInsightPruning(ctx, insights, logger)
	return nil
}

func runArchiveSweep(ctx context.Context, signals *signalstore.Store, logger *slog.Logger) {
	ticker := time.NewTicker(archiveSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			hourBucket := now.UTC().Truncate(time.Hour)
			for _, key := range signals.Keys() {
				signals.Archive(ctx, key, hourBucket)
			}
		}
	}
}

func runInsightPruning(ctx context.Context, insights *insight.Store, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := insights.PruneExpired(ctx); err != nil {
				logger.Error("pruning expired insights", "error", err)
			} else if n > 0 {
				logger.Info("pruned expired insights", "count", n)
			}
		}
	}
}
