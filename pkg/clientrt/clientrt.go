// Package clientrt is the importable Client Runtime (C10): a small library
// services embed to resolve the control plane's traffic-management policy
// for each request and report back observed latency/status.
//
// It never blocks a request path on control-plane I/O: the policy cache
// serves a stale-but-present entry when the Policy API is unreachable, and
// Track posts signals through a bounded, fire-and-forget outbound queue.
package clientrt

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Priority is the caller-declared importance of a request, gating which of
// the five decision outputs the Client Runtime honours.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

const (
	cacheTTL            = 30 * time.Second
	controlPlaneTimeout = 50 * time.Millisecond
)

// PolicyConfig mirrors GET /config/:service/*endpoint's wire shape (spec
// §6). It is a standalone type rather than a reuse of the server's
// pkg/policy.Record so this library carries no dependency on the server's
// Postgres/engine stack.
type PolicyConfig struct {
	CacheEnabled            bool    `json:"cache_enabled"`
	CircuitBreaker          bool    `json:"circuit_breaker"`
	RateLimitEnabled        bool    `json:"rate_limit_enabled"`
	RateLimitCustomerRPM    float64 `json:"rate_limit_customer_rpm"`
	QueueDeferralRPM        float64 `json:"queue_deferral_rpm"`
	LoadSheddingRPM         float64 `json:"load_shedding_rpm"`
	CacheLatencyMS          float64 `json:"cache_latency_ms"`
	CircuitBreakerErrorRate float64 `json:"circuit_breaker_error_rate"`
	Reasoning               string  `json:"reasoning"`
	Version                 int64   `json:"version"`
}

// SafeDefaultConfig is served when no cached entry exists and the Policy API
// is unreachable (spec §4.10's failure policy): every gate open, nothing
// cached, nothing shed.
func SafeDefaultConfig() PolicyConfig {
	return PolicyConfig{Reasoning: "no policy yet"}
}

// Annotation is the per-request decision Middleware attaches (spec §4.10).
type Annotation struct {
	ShouldCache           bool          `json:"shouldCache"`
	ShouldSkip            bool          `json:"shouldSkip"`
	IsRateLimitedCustomer bool          `json:"isRateLimitedCustomer"`
	IsLoadShedding        bool          `json:"isLoadShedding"`
	IsQueueDeferral       bool          `json:"isQueueDeferral"`
	EstimatedDelay        time.Duration `json:"estimatedDelay"`
	RetryAfter            time.Duration `json:"retryAfter"`
	CustomerIdentifier    string        `json:"customer_identifier"`
	PriorityRequired      Priority      `json:"priorityRequired"`
	Reason                string        `json:"reason"`
}

// MiddlewareOptions configures one Middleware call.
type MiddlewareOptions struct {
	Priority Priority
	// CustomerIdentifier keys the per-customer RPM ring; callers typically
	// pass the caller's IP or an API-key-derived identifier.
	CustomerIdentifier string
}

type cacheEntry struct {
	config    PolicyConfig
	fetchedAt time.Time
}

// Client is the Client Runtime. Construct one per service and reuse it
// across requests; it is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	service    string
	httpClient *http.Client
	logger     *slog.Logger

	cache atomic.Pointer[map[string]cacheEntry]
	sf    singleflight.Group

	rpm      *rpmRegistry
	outbound *outboundQueue
}

// NewClient creates a Client for service, talking to the control plane at
// baseURL with apiKey. Call Close when the embedding service shuts down to
// drain the outbound signal queue.
func NewClient(baseURL, apiKey, service string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		service:    service,
		httpClient: &http.Client{Timeout: 2 * time.Second},
		logger:     logger,
		rpm:        newRPMRegistry(),
	}
	empty := map[string]cacheEntry{}
	c.cache.Store(&empty)
	c.outbound = newOutboundQueue(baseURL, apiKey, c.httpClient, logger)
	return c
}

// Close drains the outbound signal queue. Pending signals are flushed on a
// best-effort basis; it does not block past the queue's own retry budget.
func (c *Client) Close() {
	c.outbound.close()
}

// Middleware resolves the policy for endpoint, advances the caller's RPM
// counter, and returns the annotation the embedding service should act on
// before forwarding (or rejecting) the request.
func (c *Client) Middleware(ctx context.Context, endpoint string, opts MiddlewareOptions) Annotation {
	cfg := c.resolvePolicy(ctx, endpoint)

	customer := opts.CustomerIdentifier
	var rpm int64
	if customer != "" {
		rpm = c.rpm.get(customer).increment(time.Now())
	}

	return buildAnnotation(cfg, opts.Priority, customer, rpm)
}

// Track reports one completed request's outcome, fire-and-forget.
func (c *Client) Track(endpoint string, latencyMS float64, status string) {
	c.outbound.enqueue(signalOut{
		ServiceName: c.service,
		Endpoint:    endpoint,
		LatencyMS:   latencyMS,
		Status:      status,
	})
}

func cacheKey(endpoint string) string { return endpoint }

// resolvePolicy serves the cached config if fresh, otherwise single-flights
// a refetch per endpoint; on fetch failure it falls back to the stale
// cached entry (if any) or SafeDefaultConfig (spec §4.10's failure policy).
func (c *Client) resolvePolicy(ctx context.Context, endpoint string) PolicyConfig {
	key := cacheKey(endpoint)
	m := *c.cache.Load()
	entry, hasEntry := m[key]
	if hasEntry && time.Since(entry.fetchedAt) < cacheTTL {
		return entry.config
	}

	fetchCtx, cancel := context.WithTimeout(ctx, controlPlaneTimeout)
	defer cancel()

	v, err, _ := c.sf.Do(key, func() (any, error) {
		cfg, ferr := c.fetchPolicy(fetchCtx, endpoint)
		if ferr != nil {
			return PolicyConfig{}, ferr
		}
		c.installCache(key, cfg)
		return cfg, nil
	})

	if err == nil {
		return v.(PolicyConfig)
	}

	c.logger.Warn("policy fetch failed, falling back", "endpoint", endpoint, "error", err, "had_stale_entry", hasEntry)
	if hasEntry {
		return entry.config
	}
	return SafeDefaultConfig()
}

// installCache installs a fresh copy-on-write snapshot with key updated,
// mirroring pkg/policy.Store.InstallCache's pattern so reads never lock.
func (c *Client) installCache(key string, cfg PolicyConfig) {
	old := *c.cache.Load()
	next := make(map[string]cacheEntry, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[key] = cacheEntry{config: cfg, fetchedAt: time.Now()}
	c.cache.Store(&next)
}
