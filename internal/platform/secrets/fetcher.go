// Package secrets resolves secret:// references through Google Secret Manager.
package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	metricNamespace     = "github.com/evolvecharge/funnel/internal/platform/secrets"
)

// ErrSecretNotFound is returned when neither Secret Manager nor the fallback file holds a value.
var ErrSecretNotFound = errors.New("secrets: secret not found")

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret references with an in-memory cache and a local fallback file for
// development machines without Secret Manager access.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger
	clock      func() time.Time

	env         string
	projectID   string
	projectMap  map[string]string
	versionPins map[string]string
	cacheTTL    time.Duration

	fallbackPath string
	fallbackOnce sync.Once
	fallbackVals map[string]string
	fallbackErr  error

	mu    sync.RWMutex
	cache map[string]cacheEntry

	lookups metric.Int64Counter
}

type cacheEntry struct {
	value     string
	canonical string
	fetchedAt time.Time
}

type fetcherConfig struct {
	logger       *zap.Logger
	env          string
	projectID    string
	projectMap   map[string]string
	versionPins  map[string]string
	fallbackPath string
	cacheTTL     time.Duration
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
	clock        func() time.Time
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithEnvironment selects the environment key used to resolve per-environment project IDs.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherConfig) { cfg.env = strings.ToLower(strings.TrimSpace(env)) }
}

// WithDefaultProject configures the project used when no environment mapping matches.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.projectID = strings.TrimSpace(projectID) }
}

// WithProjectMap supplies environment-specific project IDs.
func WithProjectMap(m map[string]string) Option {
	return func(cfg *fetcherConfig) { cfg.projectMap = copyStringMap(m) }
}

// WithVersionPins pins canonical references (optionally prefixed with "env:") to a version.
func WithVersionPins(pins map[string]string) Option {
	return func(cfg *fetcherConfig) { cfg.versionPins = copyStringMap(pins) }
}

// WithFallbackFile overrides the path to the local fallback secrets file.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

// WithCacheTTL expires cached values so rotated secrets are picked up. Zero caches forever.
func WithCacheTTL(ttl time.Duration) Option {
	return func(cfg *fetcherConfig) { cfg.cacheTTL = ttl }
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) { cfg.meter = m }
}

// WithSecretManagerClient injects a preconfigured Secret Manager client.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

// WithClientOptions forwards Cloud client options when constructing the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// WithClock injects the clock used for cache expiry.
func WithClock(clock func() time.Time) Option {
	return func(cfg *fetcherConfig) { cfg.clock = clock }
}

// NewFetcher builds a Fetcher. When the Secret Manager client cannot be created the fetcher
// serves the fallback file only.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:       zap.NewNop(),
		env:          defaultEnvironment,
		fallbackPath: defaultFallbackPath,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.clock == nil {
		cfg.clock = time.Now
	}
	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}
	lookups, err := meter.Int64Counter("secrets.lookups", metric.WithDescription("Secret resolutions by source"))
	if err != nil {
		return nil, fmt.Errorf("secrets: register metric: %w", err)
	}

	f := &Fetcher{
		logger:       cfg.logger,
		clock:        cfg.clock,
		env:          cfg.env,
		projectID:    cfg.projectID,
		projectMap:   copyStringMap(cfg.projectMap),
		versionPins:  copyStringMap(cfg.versionPins),
		cacheTTL:     cfg.cacheTTL,
		fallbackPath: cfg.fallbackPath,
		cache:        make(map[string]cacheEntry),
		lookups:      lookups,
	}

	if cfg.client != nil {
		f.client = cfg.client
		return f, nil
	}
	client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
	if err != nil {
		cfg.logger.Warn("secrets: secret manager client unavailable; operating in fallback mode", zap.Error(err))
		return f, nil
	}
	f.client = client
	f.ownsClient = true
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret lets the fetcher serve as the configuration secret resolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

// Resolve returns the secret for ref from cache, Secret Manager or the fallback file. Access
// and availability errors fall back to the local file; other errors are returned.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	version := f.selectVersion(parsed)
	key := cacheKey(parsed.Canonical, version)

	if value, ok := f.lookupCache(key); ok {
		f.record(ctx, parsed, "cache")
		return value, nil
	}

	if projectID := f.project(parsed); projectID != "" && f.client != nil {
		value, err := f.fetchRemote(ctx, projectID, parsed.Secret, version)
		if err == nil {
			f.storeCache(key, parsed.Canonical, value)
			f.record(ctx, parsed, "remote")
			return value, nil
		}
		if !isFallbackError(err) {
			f.record(ctx, parsed, "error")
			return "", fmt.Errorf("secrets: fetch failed for %s: %w", parsed.Canonical, err)
		}
		f.logger.Debug("secrets: falling back to local secrets", zap.String("ref", maskReference(parsed.Canonical)), zap.Error(err))
	}

	value, ok := f.lookupFallback(parsed, version)
	if !ok {
		f.record(ctx, parsed, "error")
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, parsed.Canonical)
	}
	f.storeCache(key, parsed.Canonical, value)
	f.record(ctx, parsed, "fallback")
	return value, nil
}

// Invalidate drops every cached version of ref.
func (f *Fetcher) Invalidate(ref string) {
	parsed, err := parseReference(ref)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, entry := range f.cache {
		if entry.canonical == parsed.Canonical {
			delete(f.cache, key)
		}
	}
}

func (f *Fetcher) lookupCache(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.cache[key]
	if !ok {
		return "", false
	}
	if f.cacheTTL > 0 && f.clock().Sub(entry.fetchedAt) >= f.cacheTTL {
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) storeCache(key, canonical, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[key] = cacheEntry{value: value, canonical: canonical, fetchedAt: f.clock()}
}

func (f *Fetcher) fetchRemote(ctx context.Context, projectID, secretName, version string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", projectID, secretName, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", name)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) project(ref parsedReference) string {
	if ref.ProjectOverride != "" {
		return ref.ProjectOverride
	}
	if id := strings.TrimSpace(f.projectMap[f.env]); id != "" {
		return id
	}
	return f.projectID
}

func (f *Fetcher) selectVersion(ref parsedReference) string {
	if ref.Version != "" {
		return ref.Version
	}
	for _, key := range []string{f.env + ":" + ref.Canonical, ref.Canonical} {
		if pin := strings.TrimSpace(f.versionPins[key]); pin != "" {
			return pin
		}
	}
	return "latest"
}

func (f *Fetcher) lookupFallback(ref parsedReference, version string) (string, bool) {
	f.fallbackOnce.Do(f.loadFallback)
	if f.fallbackErr != nil {
		f.logger.Warn("secrets: fallback file unreadable", zap.Error(f.fallbackErr))
		return "", false
	}
	if val, ok := f.fallbackVals[cacheKey(ref.Canonical, version)]; ok {
		return val, true
	}
	val, ok := f.fallbackVals[ref.Canonical]
	return val, ok
}

// loadFallback parses "secret://name[?version=n]=value" lines. The keys contain ':' so the
// file is read line by line rather than as dotenv.
func (f *Fetcher) loadFallback() {
	f.fallbackVals = map[string]string{}
	if f.fallbackPath == "" {
		return
	}
	file, err := os.Open(f.fallbackPath)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		f.fallbackErr = fmt.Errorf("secrets: open fallback file %s: %w", f.fallbackPath, err)
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := cutAfterReference(line)
		if !ok {
			continue
		}
		parsed, err := parseReference(normalizeScheme(key))
		if err != nil {
			continue
		}
		version := parsed.Version
		if version == "" {
			version = "latest"
		}
		f.fallbackVals[parsed.Canonical] = value
		f.fallbackVals[cacheKey(parsed.Canonical, version)] = value
	}
	if err := scanner.Err(); err != nil {
		f.fallbackErr = fmt.Errorf("secrets: read fallback file %s: %w", f.fallbackPath, err)
	}
}

// cutAfterReference splits the reference from its value, skipping the '=' of a ?version= query.
func cutAfterReference(line string) (string, string, bool) {
	idx := strings.Index(line, "=")
	if idx < 0 {
		return "", "", false
	}
	if strings.Contains(line[:idx], "?") {
		next := strings.Index(line[idx+1:], "=")
		if next < 0 {
			return "", "", false
		}
		idx += next + 1
	}
	return strings.TrimSpace(line[:idx]), strings.Trim(strings.TrimSpace(line[idx+1:]), "\"'"), true
}

func (f *Fetcher) record(ctx context.Context, ref parsedReference, source string) {
	f.lookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("secret", maskReference(ref.Canonical)),
	))
}

type parsedReference struct {
	Canonical       string
	Secret          string
	Version         string
	ProjectOverride string
}

func parseReference(ref string) (parsedReference, error) {
	ref = normalizeScheme(ref)
	if ref == "" {
		return parsedReference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return parsedReference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return parsedReference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	secret := strings.Trim(u.Host+u.Path, "/")
	if secret == "" {
		return parsedReference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}

	query := u.Query()
	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""
	return parsedReference{
		Canonical:       canonical.String(),
		Secret:          strings.ReplaceAll(secret, "/", "_"),
		Version:         strings.TrimSpace(query.Get("version")),
		ProjectOverride: strings.TrimSpace(query.Get("project")),
	}, nil
}

func normalizeScheme(ref string) string {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "sm://") {
		return "secret://" + strings.TrimPrefix(ref, "sm://")
	}
	return ref
}

func cacheKey(canonical, version string) string {
	return canonical + "#" + version
}

func copyStringMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for key, value := range src {
		dst[key] = value
	}
	return dst
}

func maskReference(ref string) string {
	h := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(h[:8])
}

func isFallbackError(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
