package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultSecurityEnvironment  = "local"
	defaultStoreBackend         = StoreMemory
	defaultPSPProvider          = PSPSandbox
	defaultCheckoutTimeout      = 15 * time.Second
	defaultAbandonAfter         = 24 * time.Hour
	defaultAbandonSweep         = 15 * time.Minute
	defaultSessionTTL           = 2 * time.Hour
	defaultSessionSweep         = 5 * time.Minute
	defaultOrderTaxRate         = 0.10
	defaultLegacyTaxRate        = 0.08
	defaultOrderNumberPrefix    = "EC"
	defaultNotifyTransport      = NotifyLog
	defaultAMQPExchange         = "funnel.notifications"
	defaultIdempotencyBackend   = StoreMemory
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultRedisAddr            = "localhost:6379"
)

// Store backends.
const (
	StoreMemory    = "memory"
	StoreFirestore = "firestore"
	StoreRedis     = "redis"
)

// Payment providers.
const (
	PSPStripe  = "stripe"
	PSPSandbox = "sandbox"
)

// Confirmation e-mail transports.
const (
	NotifyLog    = "log"
	NotifyHTTP   = "http"
	NotifyPubSub = "pubsub"
	NotifyAMQP   = "amqp"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Store       StoreConfig
	PSP         PSPConfig
	Checkout    CheckoutConfig
	Notify      NotifyConfig
	Idempotency IdempotencyConfig
	Redis       RedisConfig
	Security    SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	// CheckRevoked makes admin token checks call Firebase to reject revoked sessions.
	CheckRevoked bool
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StoreConfig selects where customers, orders and counters live.
type StoreConfig struct {
	Backend string
}

// PSPConfig selects the payment processor and holds its secrets.
type PSPConfig struct {
	Provider            string
	StripeAPIKey        string
	StripeWebhookSecret string
	StripeAccountID     string
}

// CheckoutConfig tunes the wizard sessions and order lifecycle.
type CheckoutConfig struct {
	Timeout              time.Duration
	AbandonAfter         time.Duration
	AbandonSweepInterval time.Duration
	SessionTTL           time.Duration
	SessionSweepInterval time.Duration
	OrderTaxRate         float64
	LegacyTaxRate        float64
	OrderNumberPrefix    string
	CatalogFile          string
}

// NotifyConfig selects the confirmation e-mail transport.
type NotifyConfig struct {
	Transport    string
	HTTPEndpoint string
	HTTPToken    string
	PubSubTopic  string
	AMQPURL      string
	AMQPExchange string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Backend          string
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// RedisConfig points at the Redis instance used by the redis idempotency backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SecurityConfig groups admin authentication settings.
type SecurityConfig struct {
	Environment string
	// AdminAuthDisabled skips Firebase verification on admin routes. Only honoured locally.
	AdminAuthDisabled bool
	AdminRoles        []string
}

// SecretResolver turns a secret:// reference into its value. secrets.Fetcher implements it.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists every missing or malformed field, by Go field path, in sorted order.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return "config: missing or invalid fields [" + strings.Join(e.fields, ", ") + "]"
}

func (e *ValidationError) Fields() []string { return slices.Clone(e.fields) }

// SecretError wraps a resolver failure for Ref.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("config: resolve secret %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError names required secrets that resolved to an empty value. Error only
// prints RedactedNames so the message is safe to log.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return "config: missing required secrets [" + strings.Join(e.RedactedNames(), ", ") + "]"
}

// RedactedNames returns a short hash of each missing name.
func (e *MissingSecretsError) RedactedNames() []string {
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		out = append(out, redactSecretName(name))
	}
	sort.Strings(out)
	return out
}

func (e *MissingSecretsError) Names() []string { return slices.Clone(e.names) }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// WithEnvFile points at a dotenv file. An empty path skips dotenv entirely.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap supplies values that win over the process environment and the dotenv file.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver resolves secret:// and sm:// values. Without one, any reference fails Load.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets fails Load when one of the named secret fields, such as
// "PSP.StripeAPIKey", ends up empty.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// source layers the three configuration inputs: explicit map, then process environment, then
// the dotenv file.
type source struct {
	explicit map[string]string
	system   bool
	dotenv   map[string]string
}

func newSource(options loaderOptions) (source, error) {
	dotenv, err := loadDotEnv(options.envFile)
	if err != nil {
		return source{}, err
	}
	return source{explicit: options.envMap, system: options.useSystemEnv, dotenv: dotenv}, nil
}

func (s source) lookup(key string) (string, bool) {
	if value, ok := s.explicit[key]; ok {
		return value, true
	}
	if s.system {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
	}
	value, ok := s.dotenv[key]
	return value, ok
}

// EnvironmentValues flattens the layered sources into one map, with the same precedence as
// Load. main uses it to configure the secret fetcher before Load runs.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	src, err := newSource(newLoaderOptions(opts))
	if err != nil {
		return nil, err
	}
	values := maps.Clone(src.dotenv)
	if values == nil {
		values = map[string]string{}
	}
	if src.system {
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok && strings.TrimSpace(key) != "" {
				values[strings.TrimSpace(key)] = value
			}
		}
	}
	maps.Copy(values, src.explicit)
	return values, nil
}

// Load builds Config from defaults and the layered sources, resolves secret references and
// validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	src, err := newSource(options)
	if err != nil {
		return Config{}, err
	}
	env := &reader{src: src}

	cfg := Config{
		Server: ServerConfig{
			Port:         env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
			CheckRevoked:    env.flag("API_FIREBASE_CHECK_REVOKED", false),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(env.str("API_STORE_BACKEND", defaultStoreBackend)),
		},
		PSP: PSPConfig{
			Provider:            strings.ToLower(env.str("API_PSP_PROVIDER", defaultPSPProvider)),
			StripeAPIKey:        env.str("API_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret: env.str("API_PSP_STRIPE_WEBHOOK_SECRET", ""),
			StripeAccountID:     env.str("API_PSP_STRIPE_ACCOUNT_ID", ""),
		},
		Checkout: CheckoutConfig{
			Timeout:              env.duration("API_CHECKOUT_TIMEOUT", defaultCheckoutTimeout),
			AbandonAfter:         env.duration("API_CHECKOUT_ABANDON_AFTER", defaultAbandonAfter),
			AbandonSweepInterval: env.duration("API_CHECKOUT_ABANDON_SWEEP_INTERVAL", defaultAbandonSweep),
			SessionTTL:           env.duration("API_CHECKOUT_SESSION_TTL", defaultSessionTTL),
			SessionSweepInterval: env.duration("API_CHECKOUT_SESSION_SWEEP_INTERVAL", defaultSessionSweep),
			OrderTaxRate:         env.decimal("API_CHECKOUT_ORDER_TAX_RATE", "Checkout.OrderTaxRate", defaultOrderTaxRate),
			LegacyTaxRate:        env.decimal("API_CHECKOUT_LEGACY_TAX_RATE", "Checkout.LegacyTaxRate", defaultLegacyTaxRate),
			OrderNumberPrefix:    env.str("API_CHECKOUT_ORDER_NUMBER_PREFIX", defaultOrderNumberPrefix),
			CatalogFile:          env.str("API_CHECKOUT_CATALOG_FILE", ""),
		},
		Notify: NotifyConfig{
			Transport:    strings.ToLower(env.str("API_NOTIFY_TRANSPORT", defaultNotifyTransport)),
			HTTPEndpoint: env.str("API_NOTIFY_HTTP_ENDPOINT", ""),
			HTTPToken:    env.str("API_NOTIFY_HTTP_TOKEN", ""),
			PubSubTopic:  env.str("API_NOTIFY_PUBSUB_TOPIC", ""),
			AMQPURL:      env.str("API_NOTIFY_AMQP_URL", ""),
			AMQPExchange: env.str("API_NOTIFY_AMQP_EXCHANGE", defaultAMQPExchange),
		},
		Idempotency: IdempotencyConfig{
			Backend:          strings.ToLower(env.str("API_IDEMPOTENCY_BACKEND", defaultIdempotencyBackend)),
			Header:           env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Redis: RedisConfig{
			Addr:     env.str("API_REDIS_ADDR", defaultRedisAddr),
			Password: env.str("API_REDIS_PASSWORD", ""),
			DB:       env.integer("API_REDIS_DB", 0),
		},
		Security: SecurityConfig{
			Environment:       strings.ToLower(env.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			AdminAuthDisabled: env.flag("API_SECURITY_ADMIN_AUTH_DISABLED", false),
			AdminRoles:        env.list("API_SECURITY_ADMIN_ROLES"),
		},
	}

	// Firestore project defaults to Firebase project when unspecified.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.AdminRoles) == 0 {
		cfg.Security.AdminRoles = []string{"admin", "staff"}
	}

	resolvedSecrets := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"PSP.StripeWebhookSecret", &cfg.PSP.StripeWebhookSecret},
		{"Notify.HTTPToken", &cfg.Notify.HTTPToken},
		{"Notify.AMQPURL", &cfg.Notify.AMQPURL},
		{"Redis.Password", &cfg.Redis.Password},
	}
	for _, target := range secretFields {
		resolved, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = resolved
		resolvedSecrets[target.name] = strings.TrimSpace(resolved)
	}

	if err := validateConfig(cfg, env.invalid); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config, invalid []string) error {
	missing := append([]string(nil), invalid...)

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}

	usesFirestore := cfg.Store.Backend == StoreFirestore || cfg.Idempotency.Backend == StoreFirestore
	switch cfg.Store.Backend {
	case StoreMemory, StoreFirestore:
	default:
		missing = append(missing, "Store.Backend")
	}
	if usesFirestore && cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}

	switch cfg.PSP.Provider {
	case PSPSandbox:
	case PSPStripe:
		if cfg.PSP.StripeAPIKey == "" {
			missing = append(missing, "PSP.StripeAPIKey")
		}
	default:
		missing = append(missing, "PSP.Provider")
	}

	if cfg.Checkout.Timeout <= 0 {
		missing = append(missing, "Checkout.Timeout")
	}
	if cfg.Checkout.AbandonAfter <= 0 {
		missing = append(missing, "Checkout.AbandonAfter")
	}
	if cfg.Checkout.SessionTTL <= 0 {
		missing = append(missing, "Checkout.SessionTTL")
	}
	for name, rate := range map[string]float64{
		"Checkout.OrderTaxRate":  cfg.Checkout.OrderTaxRate,
		"Checkout.LegacyTaxRate": cfg.Checkout.LegacyTaxRate,
	} {
		if rate < 0 || rate >= 1 {
			missing = append(missing, name)
		}
	}

	switch cfg.Notify.Transport {
	case NotifyLog:
	case NotifyHTTP:
		if cfg.Notify.HTTPEndpoint == "" {
			missing = append(missing, "Notify.HTTPEndpoint")
		}
	case NotifyPubSub:
		if cfg.Notify.PubSubTopic == "" {
			missing = append(missing, "Notify.PubSubTopic")
		}
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	case NotifyAMQP:
		if cfg.Notify.AMQPURL == "" {
			missing = append(missing, "Notify.AMQPURL")
		}
	default:
		missing = append(missing, "Notify.Transport")
	}

	switch cfg.Idempotency.Backend {
	case StoreMemory, StoreFirestore:
	case StoreRedis:
		if cfg.Redis.Addr == "" {
			missing = append(missing, "Redis.Addr")
		}
	default:
		missing = append(missing, "Idempotency.Backend")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}

	if !cfg.AdminAuthBypassed() && cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return &ValidationError{fields: slices.Compact(missing)}
	}
	return nil
}

// AdminAuthBypassed reports whether admin routes run without Firebase verification. The flag
// is ignored outside the local environment.
func (c Config) AdminAuthBypassed() bool {
	return c.Security.AdminAuthDisabled && c.Security.Environment == defaultSecurityEnvironment
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var names []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" || slices.Contains(names, name) || strings.TrimSpace(resolved[name]) != "" {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	return &MissingSecretsError{names: names}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

// loadDotEnv reads path with godotenv. A missing file is not an error.
func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	return values, nil
}

// reader parses typed values out of a source. Malformed numbers are collected in invalid and
// reported by validateConfig; other malformed values fall back to their default.
type reader struct {
	src     source
	invalid []string
}

func (r *reader) raw(key string) (string, bool) {
	value, ok := r.src.lookup(key)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func (r *reader) str(key, fallback string) string {
	if value, ok := r.raw(key); ok {
		return value
	}
	return fallback
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	if value, ok := r.raw(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func (r *reader) integer(key string, fallback int) int {
	if value, ok := r.raw(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

// decimal records field as invalid when key holds something that is not a number.
func (r *reader) decimal(key, field string, fallback float64) float64 {
	value, ok := r.raw(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		r.invalid = append(r.invalid, field)
		return fallback
	}
	return f
}

func (r *reader) flag(key string, fallback bool) bool {
	value, ok := r.raw(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

// list splits a comma separated value, dropping empty items.
func (r *reader) list(key string) []string {
	value, _ := r.raw(key)
	out := []string{}
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
