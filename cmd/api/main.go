package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/evolvecharge/funnel/internal/catalog"
	"github.com/evolvecharge/funnel/internal/checkout"
	"github.com/evolvecharge/funnel/internal/funnel"
	"github.com/evolvecharge/funnel/internal/handlers"
	"github.com/evolvecharge/funnel/internal/notify"
	"github.com/evolvecharge/funnel/internal/payments"
	"github.com/evolvecharge/funnel/internal/platform/auth"
	"github.com/evolvecharge/funnel/internal/platform/config"
	pfirestore "github.com/evolvecharge/funnel/internal/platform/firestore"
	"github.com/evolvecharge/funnel/internal/platform/idempotency"
	"github.com/evolvecharge/funnel/internal/platform/observability"
	"github.com/evolvecharge/funnel/internal/platform/secrets"
	"github.com/evolvecharge/funnel/internal/repositories"
	firestoreRepo "github.com/evolvecharge/funnel/internal/repositories/firestore"
	"github.com/evolvecharge/funnel/internal/repositories/memory"
	"github.com/evolvecharge/funnel/internal/services"
	"github.com/evolvecharge/funnel/internal/validation"
)

const (
	serviceName       = "evolvecharge-funnel"
	meterName         = "github.com/evolvecharge/funnel"
	shutdownTimeout   = 10 * time.Second
	sessionStartLimit = 30
)

type stores struct {
	customers repositories.CustomerRepository
	orders    repositories.OrderRepository
	counters  repositories.CounterRepository
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	logger = logger.With(zap.String("environment", buildInfo.Environment), zap.String("version", buildInfo.Version))

	var (
		firestoreProvider *pfirestore.Provider
		firestoreClient   *firestore.Client
	)
	if cfg.Store.Backend == config.StoreFirestore || cfg.Idempotency.Backend == config.StoreFirestore {
		firestoreProvider = pfirestore.NewProvider(cfg.Firestore)
		firestoreClient, err = firestoreProvider.Client(ctx)
		if err != nil {
			logger.Fatal("failed to initialise firestore client", zap.Error(err))
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := firestoreProvider.Close(closeCtx); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}()
	}

	repos, err := newStores(cfg, firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	cat, err := catalog.Load(cfg.Checkout.CatalogFile)
	if err != nil {
		logger.Fatal("failed to load catalog", zap.Error(err))
	}

	counterService, err := services.NewCounterService(services.CounterServiceDeps{
		Repository:  repos.counters,
		Clock:       time.Now,
		OrderPrefix: cfg.Checkout.OrderNumberPrefix,
	})
	if err != nil {
		logger.Fatal("failed to initialise counter service", zap.Error(err))
	}

	provider, webhooks, err := newPaymentProvider(cfg, logger.Named("payments"))
	if err != nil {
		logger.Fatal("failed to initialise payment provider", zap.Error(err))
	}

	sender, closeSender, err := newNotifier(ctx, cfg, logger.Named("notify"))
	if err != nil {
		logger.Fatal("failed to initialise confirmation transport", zap.Error(err))
	}
	defer closeSender()

	meter := otel.Meter(meterName)
	metrics, err := checkout.NewMetrics(meter)
	if err != nil {
		logger.Fatal("failed to register checkout metrics", zap.Error(err))
	}

	finalizer, err := checkout.NewFinalizer(checkout.FinalizerDeps{
		Orders:   repos.orders,
		Notifier: sender,
		Metrics:  metrics,
		Clock:    time.Now,
		Logger:   logger.Named("finalizer"),
		Timeout:  cfg.Checkout.Timeout,
	})
	if err != nil {
		logger.Fatal("failed to initialise order finalizer", zap.Error(err))
	}

	registry := funnel.NewRegistry(cfg.Checkout.SessionTTL, time.Now, logger.Named("sessions"))
	funnelService, err := funnel.NewService(funnel.Deps{
		Catalog:   cat,
		Validator: validation.NewStructValidator(time.Now),
		Checkout: checkout.Deps{
			Customers: repos.customers,
			Orders:    repos.orders,
			Numbers:   counterService,
			Payments:  provider,
			Finalizer: finalizer,
			Metrics:   metrics,
			Clock:     time.Now,
			Logger:    logger.Named("checkout"),
			Timeout:   cfg.Checkout.Timeout,
			Currency:  cat.Currency(),
		},
		Registry: registry,
		TaxRates: &funnel.TaxRates{Order: cfg.Checkout.OrderTaxRate, Legacy: cfg.Checkout.LegacyTaxRate},
		Clock:    time.Now,
		Logger:   logger.Named("funnel"),
	})
	if err != nil {
		logger.Fatal("failed to initialise funnel service", zap.Error(err))
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:       repos.orders,
		Finalizer:    finalizer,
		Webhooks:     webhooks,
		AbandonAfter: cfg.Checkout.AbandonAfter,
		Clock:        time.Now,
		Logger:       observability.EventLogger(logger.Named("orders")),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	idempotencyStore, closeStore, err := newIdempotencyStore(cfg, firestoreClient)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}
	defer closeStore()
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	systemService, err := newSystemService(firestoreProvider, fetcher, buildInfo)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	authenticator, err := newAuthenticator(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	if cfg.AdminAuthBypassed() {
		logger.Warn("admin authentication bypassed for local environment")
	}

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)
	funnelHandlers := handlers.NewFunnelHandlers(funnelService,
		handlers.WithSessionRateLimit(handlers.NewRateLimiter(sessionStartLimit, time.Minute, time.Now)),
		handlers.WithMutationMiddlewares(idempotencyMiddleware),
	)
	webhookHandlers := handlers.NewWebhookHandlers(orderService)
	adminHandlers := handlers.NewAdminOrderHandlers(orderService)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithFunnelRoutes(funnelHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithAdminMiddlewares(authenticator.RequireRoles(cfg.Security.AdminRoles...)),
	)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
		serverLogger.Info("funnel api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return registry.Run(groupCtx, cfg.Checkout.SessionSweepInterval)
	})
	group.Go(func() error {
		runAbandonedSweep(groupCtx, orderService, cfg.Checkout.AbandonSweepInterval, logger.Named("sweeper"))
		return nil
	})
	group.Go(func() error {
		idempotency.RunCleanup(groupCtx, idempotencyStore, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, time.Now, logger.Named("idempotency"))
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown signal received; draining requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		if err := finalizer.Wait(shutdownCtx); err != nil {
			logger.Warn("confirmation emails still in flight at shutdown", zap.Error(err))
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Error("funnel api stopped with error", zap.Error(err))
		return
	}
	logger.Info("funnel api stopped")
}

func newStores(cfg config.Config, provider *pfirestore.Provider) (stores, error) {
	if cfg.Store.Backend != config.StoreFirestore {
		return stores{
			customers: memory.NewCustomerRepository(),
			orders:    memory.NewOrderRepository(),
			counters:  memory.NewCounterRepository(),
		}, nil
	}
	customers, err := firestoreRepo.NewCustomerRepository(provider)
	if err != nil {
		return stores{}, err
	}
	orders, err := firestoreRepo.NewOrderRepository(provider)
	if err != nil {
		return stores{}, err
	}
	counters, err := firestoreRepo.NewCounterRepository(provider)
	if err != nil {
		return stores{}, err
	}
	return stores{customers: customers, orders: orders, counters: counters}, nil
}

func newPaymentProvider(cfg config.Config, logger *zap.Logger) (payments.Provider, payments.WebhookVerifier, error) {
	if cfg.PSP.Provider != config.PSPStripe {
		logger.Warn("using sandbox payment provider; succeeded payment results confirm intents")
		return payments.NewSandboxProvider(false, payments.WithResultConfirmation()), nil, nil
	}
	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:        cfg.PSP.StripeAPIKey,
		WebhookSecret: cfg.PSP.StripeWebhookSecret,
		AccountID:     cfg.PSP.StripeAccountID,
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}
	var webhooks payments.WebhookVerifier
	if strings.TrimSpace(cfg.PSP.StripeWebhookSecret) != "" {
		webhooks = stripeProvider
	}
	return stripeProvider, webhooks, nil
}

func newNotifier(ctx context.Context, cfg config.Config, logger *zap.Logger) (notify.Sender, func(), error) {
	noop := func() {}
	switch cfg.Notify.Transport {
	case config.NotifyHTTP:
		sender, err := notify.NewHTTPSender(cfg.Notify.HTTPEndpoint, cfg.Notify.HTTPToken, &http.Client{Timeout: 10 * time.Second})
		if err != nil {
			return nil, noop, err
		}
		return sender, noop, nil
	case config.NotifyPubSub:
		client, err := pubsub.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, noop, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(cfg.Notify.PubSubTopic)
		sender, err := notify.NewPubSubSender(topic)
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return sender, func() {
			topic.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}, nil
	case config.NotifyAMQP:
		sender, err := notify.DialAMQP(cfg.Notify.AMQPURL, cfg.Notify.AMQPExchange)
		if err != nil {
			return nil, noop, err
		}
		return sender, func() {
			if err := sender.Close(); err != nil {
				logger.Warn("amqp close error", zap.Error(err))
			}
		}, nil
	default:
		return notify.LogSender{Logger: logger}, noop, nil
	}
}

func newIdempotencyStore(cfg config.Config, client *firestore.Client) (idempotency.Store, func(), error) {
	noop := func() {}
	switch cfg.Idempotency.Backend {
	case config.StoreFirestore:
		if client == nil {
			return nil, noop, errors.New("firestore client is required for the firestore idempotency backend")
		}
		return idempotency.NewFirestoreStore(client), noop, nil
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return idempotency.NewRedisStore(rdb, ""), func() { _ = rdb.Close() }, nil
	default:
		return idempotency.NewMemoryStore(), noop, nil
	}
}

func newAuthenticator(ctx context.Context, cfg config.Config) (*auth.Authenticator, error) {
	if cfg.AdminAuthBypassed() {
		return auth.NewAuthenticator(nil, auth.WithBypass(true)), nil
	}
	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return auth.NewAuthenticator(verifier), nil
}

// runAbandonedSweep marks stale pending orders abandoned every interval.
func runAbandonedSweep(ctx context.Context, orders services.OrderService, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := orders.SweepAbandoned(ctx)
			if err != nil {
				logger.Warn("abandoned order sweep failed", zap.Error(err))
				continue
			}
			if len(result.OrderIDs) > 0 {
				logger.Info("orders marked abandoned", zap.Int("count", len(result.OrderIDs)), zap.Time("cutoff", result.Cutoff))
			}
		}
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newSystemService(provider *pfirestore.Provider, fetcher *secrets.Fetcher, build services.BuildInfo) (services.SystemService, error) {
	checks := make([]repositories.DependencyCheck, 0, 2)
	if provider != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check:   provider.Ping,
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				if errors.Is(err, secrets.ErrSecretNotFound) {
					return nil
				}
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Build:            build,
	})
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
		secrets.WithMeter(otel.Meter(meterName)),
	}
	if projects := parseKeyValueList(lookup("API_SECRET_PROJECT_IDS")); len(projects) > 0 {
		lowered := make(map[string]string, len(projects))
		for label, project := range projects {
			lowered[strings.ToLower(label)] = project
		}
		opts = append(opts, secrets.WithProjectMap(lowered))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if pins := secretVersionPins(lookup("API_SECRET_VERSION_PINS")); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets the selected providers cannot run without.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if strings.EqualFold(strings.TrimSpace(env["API_PSP_PROVIDER"]), config.PSPStripe) {
		required = append(required, "PSP.StripeAPIKey", "PSP.StripeWebhookSecret")
	}
	if strings.EqualFold(strings.TrimSpace(env["API_NOTIFY_TRANSPORT"]), config.NotifyAMQP) {
		required = append(required, "Notify.AMQPURL")
	}
	return uniqueStrings(required)
}

// secretVersionPins parses "ref=version" pairs, accepting bare names and sm:// references.
func secretVersionPins(raw string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range parseKeyValueList(raw) {
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			schemeSplit := strings.Index(ref, "://")
			if schemeSplit == -1 || idx < schemeSplit {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		switch {
		case strings.HasPrefix(ref, "sm://"):
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		case !strings.HasPrefix(ref, "secret://"):
			ref = "secret://" + ref
		}
		pins[prefix+ref] = version
	}
	return pins
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
