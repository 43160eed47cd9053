package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-reliability/auth_providers"
	"github.com/saiset-co/sai-reliability/types"
	"github.com/saiset-co/sai-reliability/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

var (
	requestBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	batchSizeBuckets = []float64{2, 4, 8, 16, 32, 64}
)

type Option func(*Orchestrator)

func WithTransport(transport types.Transport) Option {
	return func(o *Orchestrator) {
		o.transport = transport
	}
}

func WithCache(cache types.CacheStore) Option {
	return func(o *Orchestrator) {
		o.cache = cache
	}
}

func WithTelemetry(telemetry types.TelemetryRecorder) Option {
	return func(o *Orchestrator) {
		if telemetry != nil {
			o.telemetry = telemetry
		}
	}
}

// WithAuthProviders supplies the registry used to resolve client.auth.provider,
// for callers that registered custom providers.
func WithAuthProviders(providers *auth_providers.AuthProviderManager) Option {
	return func(o *Orchestrator) {
		o.authProviders = providers
	}
}

// WithSleeper replaces the backoff wait, mainly for tests.
func WithSleeper(sleep Sleeper) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

type orchestratorCounters struct {
	requests     atomic.Uint64
	dispatches   atomic.Uint64
	retries      atomic.Uint64
	cacheHits    atomic.Uint64
	dedupHits    atomic.Uint64
	batchCalls   atomic.Uint64
	batchedItems atomic.Uint64
}

// Orchestrator is the request facade: cache lookup, in-flight dedup,
// batching and retry with backoff around a pluggable transport.
type Orchestrator struct {
	parent          context.Context
	runMu           sync.RWMutex
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	cache           types.CacheStore
	telemetry       types.TelemetryRecorder
	transport       types.Transport
	breaker         *CircuitBreaker
	authProviders   *auth_providers.AuthProviderManager
	authorizer      *auth_providers.Authorizer
	registry        *Registry
	batches         *batchQueue
	sleep           Sleeper
	mu              sync.RWMutex
	config          types.ClientConfig
	stats           orchestratorCounters
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewOrchestrator(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, opts ...Option) (*Orchestrator, error) {
	clientConfig := config.GetConfig().Client
	if clientConfig == nil {
		return nil, types.Errorf(types.ErrClientConfigInvalid, "client section is missing")
	}

	cfg := *clientConfig
	if cfg.BatchPath == "" {
		cfg.BatchPath = "/api/batch"
	}
	if cfg.Retries < 0 {
		return nil, types.Errorf(types.ErrClientConfigInvalid, "retries %d below zero", cfg.Retries)
	}

	orchestratorCtx, cancel := context.WithCancel(ctx)

	o := &Orchestrator{
		parent:          ctx,
		ctx:             orchestratorCtx,
		cancel:          cancel,
		logger:          logger,
		metrics:         metrics,
		telemetry:       nopRecorder{},
		registry:        NewRegistry(),
		sleep:           sleepContext,
		config:          cfg,
		breaker:         NewCircuitBreaker(cfg.CircuitBreaker, logger, "orchestrator"),
		shutdownTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.transport == nil {
		o.transport = NewFastHTTPTransport(&cfg)
	}

	if cfg.Auth != nil && cfg.Auth.Provider != "" {
		if o.authProviders == nil {
			o.authProviders = auth_providers.NewAuthProviderManager(logger)
		}
		authorizer, err := o.authProviders.NewAuthorizer(cfg.Auth)
		if err != nil {
			cancel()
			return nil, types.Errorf(types.ErrClientConfigInvalid, "auth: %v", err)
		}
		o.authorizer = authorizer
	}

	o.batches = newBatchQueue(cfg.BatchWindow, cfg.BatchMaxSize, o.flushBatch)
	o.state.Store(StateStopped)

	return o, nil
}

// Request runs one logical request through cache, dedup, batching and retry.
func (o *Orchestrator) Request(ctx context.Context, method, target string, opts *types.RequestOptions) (*types.Response, error) {
	if !o.IsRunning() {
		return nil, types.ErrClientNotRunning
	}
	if opts == nil {
		opts = &types.RequestOptions{}
	}

	o.stats.requests.Add(1)
	cfg := o.Config()

	method = strings.ToUpper(method)
	body, err := encodeBody(opts.Body)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	request := &types.TransportRequest{
		Method:  method,
		URL:     o.resolveURL(target),
		Headers: opts.Headers,
		Body:    body,
		Timeout: timeout,
	}

	endpoint := endpointName(method, request.URL)
	stop := o.telemetry.StartMeasurement(types.RequestMeasurement(endpoint))
	defer stop()

	fingerprint := Fingerprint(method, request.URL, request.Headers, body)
	read := method == http.MethodGet || method == http.MethodHead
	cacheable := read && o.cache != nil && optionEnabled(opts.Cache, cfg.EnableCaching)

	if cacheable {
		if resp, ok := o.cachedResponse(fingerprint); ok {
			return resp, nil
		}
	}

	call := func(callCtx context.Context) (*types.Response, error) {
		return o.execute(callCtx, request, opts, cfg, read)
	}

	labels := map[string]string{"method": method, "endpoint": endpoint}

	var resp *types.Response
	if optionEnabled(opts.Dedupe, cfg.EnableDeduplication) {
		resp, err = o.shared(ctx, fingerprint, call, labels)
	} else {
		resp, err = call(ctx)
		if err != nil {
			o.telemetry.RecordError(err, labels)
		}
	}

	if err != nil {
		return nil, err
	}

	if cacheable {
		o.store(fingerprint, resp, opts.CacheTTL)
	}

	if !read && resp.Status < 400 {
		o.invalidateAfterMutation(method, request.URL)
	}

	return resp, nil
}

// shared attaches to an in-flight call for fingerprint or starts one. The
// shared call runs on the orchestrator context so a waiter leaving early
// never cancels it for the others. A failed shared call is recorded once;
// a waiter whose own ctx ends records that on its own.
func (o *Orchestrator) shared(ctx context.Context, fingerprint string, call func(context.Context) (*types.Response, error), labels map[string]string) (*types.Response, error) {
	handle, owner := o.registry.Acquire(fingerprint)
	if owner {
		runCtx := o.runContext()
		go func() {
			resp, err := call(runCtx)
			if err != nil {
				o.telemetry.RecordError(err, labels)
			}
			o.registry.Complete(fingerprint, resp, err)
		}()
	} else {
		o.stats.dedupHits.Add(1)
		o.counter("http_client_dedup_hits_total", nil).Inc()
	}

	resp, err := handle.Wait(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = contextError(ctx.Err())
		o.telemetry.RecordError(err, labels)
		return nil, err
	}
	return resp, err
}

func (o *Orchestrator) execute(ctx context.Context, request *types.TransportRequest, opts *types.RequestOptions, cfg types.ClientConfig, read bool) (*types.Response, error) {
	if read && optionEnabled(opts.Batch, cfg.EnableBatching) {
		waitCtx := ctx
		if request.Timeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, request.Timeout+cfg.BatchWindow)
			defer cancel()
		}

		resp, err := o.batches.enqueue(waitCtx, batchKey(request.Method, request.URL), request, retriesFor(opts, cfg))
		if err != nil && waitCtx.Err() != nil && errors.Is(err, waitCtx.Err()) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, types.NewTimeoutError(request.Method, request.URL, err)
		}
		return resp, err
	}

	return o.dispatch(ctx, request, retriesFor(opts, cfg))
}

func (o *Orchestrator) Get(ctx context.Context, target string, opts *types.RequestOptions) (*types.Response, error) {
	return o.Request(ctx, http.MethodGet, target, opts)
}

// Post creates a resource.
func (o *Orchestrator) Post(ctx context.Context, target string, body interface{}, opts *types.RequestOptions) (*types.Response, error) {
	return o.Request(ctx, http.MethodPost, target, withBody(opts, body))
}

// Put replaces a resource.
func (o *Orchestrator) Put(ctx context.Context, target string, body interface{}, opts *types.RequestOptions) (*types.Response, error) {
	return o.Request(ctx, http.MethodPut, target, withBody(opts, body))
}

// Patch applies a partial update.
func (o *Orchestrator) Patch(ctx context.Context, target string, body interface{}, opts *types.RequestOptions) (*types.Response, error) {
	return o.Request(ctx, http.MethodPatch, target, withBody(opts, body))
}

func (o *Orchestrator) Delete(ctx context.Context, target string, opts *types.RequestOptions) (*types.Response, error) {
	return o.Request(ctx, http.MethodDelete, target, opts)
}

// GetJSON issues a GET and decodes the body into T.
func GetJSON[T any](ctx context.Context, o types.Orchestrator, target string, opts *types.RequestOptions) (T, error) {
	var out T
	resp, err := o.Get(ctx, target, opts)
	if err != nil {
		return out, err
	}
	return decodeJSON[T](resp)
}

// PostJSON issues a POST with body and decodes the response into T.
func PostJSON[T any](ctx context.Context, o types.Orchestrator, target string, body interface{}, opts *types.RequestOptions) (T, error) {
	var out T
	resp, err := o.Post(ctx, target, body, opts)
	if err != nil {
		return out, err
	}
	return decodeJSON[T](resp)
}

func decodeJSON[T any](resp *types.Response) (T, error) {
	var out T
	if len(resp.Body) == 0 {
		return out, nil
	}
	if err := utils.Unmarshal(resp.Body, &out); err != nil {
		return out, types.Errorf(types.ErrClientResponseInvalid, "decode body: %v", err)
	}
	return out, nil
}

// ClearCache drops every cached response for an empty pattern and the
// matching fingerprints otherwise. It returns the number removed.
func (o *Orchestrator) ClearCache(pattern string) (int, error) {
	if o.cache == nil {
		return 0, nil
	}

	if pattern == "" {
		removed := o.cache.Stats().Entries
		o.cache.Clear()
		o.logger.Debug("Response cache cleared", zap.Int("removed", removed))
		return removed, nil
	}

	removed, err := o.cache.InvalidatePattern(pattern)
	if err != nil {
		return 0, err
	}

	o.logger.Debug("Response cache invalidated",
		zap.String("pattern", pattern),
		zap.Int("removed", removed))
	return removed, nil
}

// Prefetch warms the cache with GET responses for targets that are not cached yet.
func (o *Orchestrator) Prefetch(ctx context.Context, targets []string) error {
	if o.cache == nil {
		return nil
	}
	if !o.IsRunning() {
		return types.ErrClientNotRunning
	}

	keys := make([]string, 0, len(targets))
	byKey := make(map[string]string, len(targets))
	for _, target := range targets {
		key := Fingerprint(http.MethodGet, o.resolveURL(target), nil, nil)
		if _, seen := byKey[key]; seen {
			continue
		}
		byKey[key] = target
		keys = append(keys, key)
	}

	return o.cache.Prefetch(ctx, keys, func(loadCtx context.Context, key string) (interface{}, error) {
		return o.Request(loadCtx, http.MethodGet, byKey[key], &types.RequestOptions{
			Cache: types.Bool(false),
			Batch: types.Bool(false),
		})
	})
}

func (o *Orchestrator) Stats() types.OrchestratorStats {
	batches, calls := o.batches.size()

	stats := types.OrchestratorStats{
		InFlight:      o.registry.Len(),
		QueuedBatches: batches,
		QueuedCalls:   calls,
		Requests:      o.stats.requests.Load(),
		Dispatches:    o.stats.dispatches.Load(),
		Retries:       o.stats.retries.Load(),
		CacheHits:     o.stats.cacheHits.Load(),
		DedupHits:     o.stats.dedupHits.Load(),
		BatchCalls:    o.stats.batchCalls.Load(),
		BatchedItems:  o.stats.batchedItems.Load(),
		Breaker:       o.breaker.State().String(),
	}

	if o.cache != nil {
		cacheStats := o.cache.Stats()
		stats.Cache = &cacheStats
	}

	return stats
}

func (o *Orchestrator) BreakerState() CircuitBreakerState {
	return o.breaker.State()
}

func (o *Orchestrator) Config() types.ClientConfig {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.config
}

func (o *Orchestrator) Start() error {
	if !o.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if o.getState() == StateStarting {
			o.setState(StateRunning)
		}
	}()

	o.runMu.Lock()
	if o.ctx.Err() != nil {
		o.ctx, o.cancel = context.WithCancel(o.parent)
	}
	o.runMu.Unlock()

	cfg := o.Config()
	o.logger.Info("Request orchestrator started",
		zap.String("base_url", cfg.BaseURL),
		zap.Int("retries", cfg.Retries),
		zap.Bool("caching", cfg.EnableCaching && o.cache != nil),
		zap.Bool("batching", cfg.EnableBatching),
		zap.Bool("deduplication", cfg.EnableDeduplication))
	return nil
}

func (o *Orchestrator) Stop() error {
	if !o.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		o.setState(StateStopped)
		o.runMu.RLock()
		o.cancel()
		o.runMu.RUnlock()
	}()

	drained := make(chan struct{})
	go func() {
		o.batches.drain()
		close(drained)
	}()

	select {
	case <-drained:
		o.logger.Info("Request orchestrator stopped gracefully")
	case <-time.After(o.shutdownTimeout):
		o.logger.Warn("Request orchestrator stop timeout, pending batches abandoned")
	}

	if closer, ok := o.transport.(interface{ CloseIdleConnections() }); ok {
		closer.CloseIdleConnections()
	}

	return nil
}

// runContext is the context shared and batched calls run on. Start replaces
// it after a Stop.
func (o *Orchestrator) runContext() context.Context {
	o.runMu.RLock()
	defer o.runMu.RUnlock()
	return o.ctx
}

func (o *Orchestrator) IsRunning() bool {
	return o.getState() == StateRunning
}

func (o *Orchestrator) getState() State {
	return o.state.Load().(State)
}

func (o *Orchestrator) setState(newState State) bool {
	currentState := o.getState()
	return o.state.CompareAndSwap(currentState, newState)
}

func (o *Orchestrator) transitionState(from, to State) bool {
	return o.state.CompareAndSwap(from, to)
}

func (o *Orchestrator) cachedResponse(fingerprint string) (*types.Response, bool) {
	value, ok := o.cache.Get(fingerprint)
	if !ok {
		return nil, false
	}

	cached, ok := value.(*types.Response)
	if !ok {
		o.cache.Remove(fingerprint)
		return nil, false
	}

	o.stats.cacheHits.Add(1)
	hit := *cached
	hit.FromCache = true
	return &hit, true
}

// store never fails the request; cache errors are logged.
func (o *Orchestrator) store(fingerprint string, resp *types.Response, ttl time.Duration) {
	var opts []types.CacheSetOption
	if ttl > 0 {
		opts = append(opts, types.WithTTL(ttl))
	}
	if etag := resp.Headers["Etag"]; etag != "" {
		opts = append(opts, types.WithValidator(etag))
	} else if etag := resp.Headers["ETag"]; etag != "" {
		opts = append(opts, types.WithValidator(etag))
	}

	if err := o.cache.Set(fingerprint, resp, opts...); err != nil {
		o.logger.Warn("Failed to cache response", zap.Error(err))
	}
}

// invalidateAfterMutation drops cached reads of the mutated path, its
// sub-paths and its parent collection.
func (o *Orchestrator) invalidateAfterMutation(method, rawURL string) {
	if o.cache == nil {
		return
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return
	}

	base := ""
	if parsed.Host != "" {
		base = parsed.Scheme + "://" + parsed.Host
	}
	path := strings.TrimSuffix(parsed.Path, "/")
	prefixes := []string{regexp.QuoteMeta(base + path)}
	if idx := strings.LastIndex(path, "/"); idx > 0 {
		prefixes = append(prefixes, regexp.QuoteMeta(base+path[:idx])+"(?:[?:]|$)")
	}

	pattern := "re:^(?:GET|HEAD):(?:" + strings.Join(prefixes, "|") + ")"
	removed, err := o.cache.InvalidatePattern(pattern)
	if err != nil {
		o.logger.Warn("Failed to invalidate cache after mutation", zap.Error(err))
		return
	}

	if removed > 0 {
		o.logger.Debug("Cache invalidated after mutation",
			zap.String("method", method),
			zap.String("path", parsed.Path),
			zap.Int("removed", removed))
	}
}

func (o *Orchestrator) resolveURL(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}

	base := strings.TrimSuffix(o.Config().BaseURL, "/")
	if base == "" {
		return target
	}
	return base + "/" + strings.TrimPrefix(target, "/")
}

func (o *Orchestrator) counter(name string, labels map[string]string) types.Counter {
	if o.metrics == nil {
		return nopCounter{}
	}
	return o.metrics.Counter(name, labels)
}

func (o *Orchestrator) histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	if o.metrics == nil {
		return nopHistogram{}
	}
	return o.metrics.Histogram(name, buckets, labels)
}

func withBody(opts *types.RequestOptions, body interface{}) *types.RequestOptions {
	merged := types.RequestOptions{}
	if opts != nil {
		merged = *opts
	}
	if body == nil {
		return &merged
	}

	merged.Body = body
	headers := make(map[string]string, len(merged.Headers)+2)
	for key, value := range merged.Headers {
		headers[key] = value
	}
	if _, ok := headers["Content-Type"]; !ok {
		headers["Content-Type"] = "application/json"
	}
	if _, ok := headers["Accept"]; !ok {
		headers["Accept"] = "application/json"
	}
	merged.Headers = headers
	return &merged
}

func optionEnabled(override *bool, fallback bool) bool {
	if override != nil {
		return *override
	}
	return fallback
}

func retriesFor(opts *types.RequestOptions, cfg types.ClientConfig) int {
	if opts.Retries != nil && *opts.Retries >= 0 {
		return *opts.Retries
	}
	return cfg.Retries
}

// batchKey groups calls by method and path, ignoring the query.
func batchKey(method, rawURL string) string {
	path := rawURL
	if idx := strings.IndexAny(path, "?#"); idx >= 0 {
		path = path[:idx]
	}
	return method + " " + path
}

// endpointName labels telemetry by method and path without host or query.
func endpointName(method, rawURL string) string {
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Path != "" {
		return method + " " + parsed.Path
	}
	return batchKey(method, rawURL)
}

func statusLabel(status int) string {
	return strconv.Itoa(status)
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewTimeoutError("", "", err)
	}
	return err
}

type nopRecorder struct{}

func (nopRecorder) StartMeasurement(_ string) func() time.Duration {
	start := time.Now()
	return func() time.Duration { return time.Since(start) }
}

func (nopRecorder) RecordAPICall(_ string, _ float64)       {}
func (nopRecorder) RecordError(_ error, _ map[string]string) {}

type nopCounter struct{}

func (nopCounter) Inc()          {}
func (nopCounter) Add(_ float64) {}
func (nopCounter) Get() float64  { return 0 }

type nopHistogram struct{}

func (nopHistogram) Observe(_ float64)           {}
func (nopHistogram) ObserveDuration(_ time.Time) {}
func (nopHistogram) GetCount() uint64            { return 0 }
func (nopHistogram) GetSum() float64             { return 0 }
