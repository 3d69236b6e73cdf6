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
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/valzu-ai/valzu-chat/internal/adapter/autumn"
	apihttp "github.com/valzu-ai/valzu-chat/internal/adapter/http"
	"github.com/valzu-ai/valzu-chat/internal/adapter/jwtauth"
	"github.com/valzu-ai/valzu-chat/internal/adapter/ledger"
	"github.com/valzu-ai/valzu-chat/internal/adapter/localbus"
	"github.com/valzu-ai/valzu-chat/internal/adapter/memory"
	"github.com/valzu-ai/valzu-chat/internal/adapter/mongo"
	vnats "github.com/valzu-ai/valzu-chat/internal/adapter/nats"
	"github.com/valzu-ai/valzu-chat/internal/adapter/natskv"
	"github.com/valzu-ai/valzu-chat/internal/adapter/openai"
	"github.com/valzu-ai/valzu-chat/internal/adapter/otel"
	"github.com/valzu-ai/valzu-chat/internal/adapter/postgres"
	"github.com/valzu-ai/valzu-chat/internal/adapter/ristretto"
	"github.com/valzu-ai/valzu-chat/internal/adapter/tiered"
	"github.com/valzu-ai/valzu-chat/internal/adapter/ws"
	"github.com/valzu-ai/valzu-chat/internal/config"
	"github.com/valzu-ai/valzu-chat/internal/logger"
	"github.com/valzu-ai/valzu-chat/internal/middleware"
	"github.com/valzu-ai/valzu-chat/internal/port/billing"
	"github.com/valzu-ai/valzu-chat/internal/port/broadcast"
	"github.com/valzu-ai/valzu-chat/internal/port/cache"
	"github.com/valzu-ai/valzu-chat/internal/port/chatstore"
	"github.com/valzu-ai/valzu-chat/internal/resilience"
	"github.com/valzu-ai/valzu-chat/internal/secrets"
	"github.com/valzu-ai/valzu-chat/internal/service"
)

const (
	idempotencyTTL = 24 * time.Hour
	jwtSecretName  = "jwt"
)

// sessionSecrets reads the token signing key from its file when one is
// configured, otherwise from the configured value.
func sessionSecrets(auth config.Auth) secrets.Loader {
	return secrets.FileLoader(
		map[string]string{jwtSecretName: auth.JWTSecretFile},
		map[string]string{jwtSecretName: auth.JWTSecret},
	)
}

// cleanups runs registered teardown functions in reverse order.
type cleanups []func()

func (c *cleanups) add(fn func()) { *c = append(*c, fn) }

func (c cleanups) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigFile, "YAML config file")
	envPath := fs.String("env", config.DefaultEnvFile, "dotenv file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadFrom(*configPath, *envPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"store", cfg.Store.Driver,
		"billing", cfg.Billing.Enabled,
		"auth_required", cfg.Auth.Required,
		"nats", cfg.NATS.URL != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var teardown cleanups
	defer teardown.run()

	// --- Telemetry ---
	shutdownOTel, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	teardown.add(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	})
	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---
	store, storeCheck, err := openStore(ctx, cfg, &teardown)
	if err != nil {
		return err
	}
	checks := []apihttp.HealthCheck{storeCheck}

	var channel broadcast.Channel = localbus.New()
	var l2, idemL2 cache.Cache
	natsCheck := apihttp.HealthCheck{Name: "nats"}
	if cfg.NATS.URL != "" {
		conn, err := vnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		teardown.add(func() { _ = conn.Close() })
		channel = vnats.NewChannel(conn, cfg.NATS.SubjectRoot)
		natsCheck.Ping = conn.Ping

		kv, err := natskv.Open(ctx, conn.JetStream(), cfg.Cache.L2Bucket, cfg.Billing.HintTTL)
		if err != nil {
			return fmt.Errorf("nats kv: %w", err)
		}
		l2 = kv
		idemKV, err := natskv.Open(ctx, conn.JetStream(), cfg.Cache.L2Bucket+"_IDEMPOTENCY", idempotencyTTL)
		if err != nil {
			return fmt.Errorf("nats kv: %w", err)
		}
		idemL2 = idemKV
		slog.Info("nats connected", "subject_root", cfg.NATS.SubjectRoot, "bucket", cfg.Cache.L2Bucket)
	}
	checks = append(checks, natsCheck)

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	teardown.add(l1.Close)
	hints := tiered.New("usage", l1, l2, cfg.Billing.HintTTL)

	bill, err := openBilling(cfg, metrics)
	if err != nil {
		return err
	}

	provider := openai.New(cfg.LLM)
	provider.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout,
		resilience.WithName("llm"), resilience.WithObserver(metrics.BreakerTransition)))

	// --- Services ---
	usageSvc := service.NewUsageService(bill, hints, cfg.Billing.HintTTL)
	chatSvc := service.NewChatService(store, provider, usageSvc, metrics, cfg.LLM)
	hub := ws.NewHub(channel, cfg.Server.CORSOrigin)

	handlers := &apihttp.Handlers{
		Chat:   chatSvc,
		Usage:  usageSvc,
		Hub:    hub,
		Checks: checks,
	}

	// --- HTTP ---
	vault, err := secrets.NewVault(sessionSecrets(cfg.Auth))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	vault.ReloadOn(ctx, syscall.SIGHUP)
	var authn *jwtauth.Authenticator
	if vault.Get(jwtSecretName) != "" {
		authn = jwtauth.NewRotating(cfg.Auth, vault, jwtSecretName)
	}

	limiter := middleware.NewLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst, cfg.Rate.TurnCost)
	teardown.add(limiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.ForwardedFor(cfg.Server.TrustProxy))
	r.Use(apihttp.CORS(cfg.Server.CORSOrigin))
	r.Use(apihttp.SecurityHeaders)
	r.Use(otel.HTTPMiddleware(cfg.OTel.ServiceName))
	r.Use(apihttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(authMiddleware(authn, cfg.Auth.Required))
	r.Use(limiter.Handler)

	replays := tiered.New("idem", l1, idemL2, idempotencyTTL)
	apihttp.MountRoutes(r, handlers, middleware.Idempotency(replays, idempotencyTTL))

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: chat responses stream until the model finishes.
		IdleTimeout: 120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// authMiddleware keeps a nil *Authenticator from becoming a non-nil interface.
func authMiddleware(authn *jwtauth.Authenticator, required bool) func(http.Handler) http.Handler {
	if authn == nil {
		return middleware.Auth(nil, required)
	}
	return middleware.Auth(authn, required)
}

func openStore(ctx context.Context, cfg *config.Config, teardown *cleanups) (chatstore.Store, apihttp.HealthCheck, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Store.Postgres)
		if err != nil {
			return nil, apihttp.HealthCheck{}, fmt.Errorf("postgres: %w", err)
		}
		teardown.add(pool.Close)
		if err := postgres.RunMigrations(ctx, cfg.Store.Postgres.DSN); err != nil {
			return nil, apihttp.HealthCheck{}, fmt.Errorf("migrations: %w", err)
		}
		slog.Info("postgres connected, migrations applied")
		s := postgres.NewStore(pool)
		return s, apihttp.HealthCheck{Name: "postgres", Ping: s.Ping}, nil

	case config.DriverMemory:
		slog.Warn("using in-memory conversation store, history is lost on restart")
		s := memory.NewStore()
		return s, apihttp.HealthCheck{Name: "memory", Ping: s.Ping}, nil

	default:
		h, err := mongo.NewHandle(cfg.Store)
		if err != nil {
			return nil, apihttp.HealthCheck{}, fmt.Errorf("mongo: %w", err)
		}
		teardown.add(func() {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = h.Close(cctx)
		})
		s := mongo.NewStore(h)
		return s, apihttp.HealthCheck{Name: "mongo", Ping: s.Ping}, nil
	}
}

// openBilling returns nil when gating is disabled, which turns the usage gate off.
func openBilling(cfg *config.Config, metrics *otel.Metrics) (billing.Billing, error) {
	if !cfg.Billing.Enabled {
		slog.Warn("usage gating disabled")
		return nil, nil
	}
	switch cfg.Billing.Provider {
	case "ledger":
		plan, err := ledger.PlanByID(cfg.Billing.Plan)
		if err != nil {
			return nil, fmt.Errorf("billing: %w", err)
		}
		return ledger.New(plan), nil
	default:
		client := autumn.NewClient(cfg.Billing.URL, cfg.Billing.SecretKey)
		client.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout,
			resilience.WithName("billing"),
			resilience.WithNeutral(autumn.Neutral),
			resilience.WithObserver(metrics.BreakerTransition)))
		return client, nil
	}
}
