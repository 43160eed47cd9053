package types

import (
	"context"
	"time"
)

type Transport interface {
	Do(ctx context.Context, req *TransportRequest) (*TransportResponse, error)
}

type TransportFunc func(ctx context.Context, req *TransportRequest) (*TransportResponse, error)

func (f TransportFunc) Do(ctx context.Context, req *TransportRequest) (*TransportResponse, error) {
	return f(ctx, req)
}

type TransportRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

type TransportResponse struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Response is shared between deduplicated callers and the cache; treat it as read-only.
type Response struct {
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body"`
	FromCache bool              `json:"-"`
}

func (r *Response) CachePayload() []byte {
	return r.Body
}

func (r *Response) WithCachePayload(body []byte) interface{} {
	clone := *r
	clone.Body = body
	return &clone
}

// RequestOptions carries per-call overrides. Nil pointers fall back to the orchestrator config.
type RequestOptions struct {
	Headers  map[string]string
	Body     interface{}
	Timeout  time.Duration
	Cache    *bool
	CacheTTL time.Duration
	Batch    *bool
	Dedupe   *bool
	Retries  *int
}

type Orchestrator interface {
	LifecycleManager
	Request(ctx context.Context, method, target string, opts *RequestOptions) (*Response, error)
	Get(ctx context.Context, target string, opts *RequestOptions) (*Response, error)
	Post(ctx context.Context, target string, body interface{}, opts *RequestOptions) (*Response, error)
	Put(ctx context.Context, target string, body interface{}, opts *RequestOptions) (*Response, error)
	Patch(ctx context.Context, target string, body interface{}, opts *RequestOptions) (*Response, error)
	Delete(ctx context.Context, target string, opts *RequestOptions) (*Response, error)
	ClearCache(pattern string) (int, error)
	Prefetch(ctx context.Context, targets []string) error
}

func Bool(v bool) *bool {
	return &v
}

func Int(v int) *int {
	return &v
}

type OrchestratorStats struct {
	InFlight      int         `json:"in_flight"`
	QueuedBatches int         `json:"queued_batches"`
	QueuedCalls   int         `json:"queued_calls"`
	Requests      uint64      `json:"requests"`
	Dispatches    uint64      `json:"dispatches"`
	Retries       uint64      `json:"retries"`
	CacheHits     uint64      `json:"cache_hits"`
	DedupHits     uint64      `json:"dedup_hits"`
	BatchCalls    uint64      `json:"batch_calls"`
	BatchedItems  uint64      `json:"batched_items"`
	Breaker       string      `json:"breaker"`
	Cache         *CacheStats `json:"cache,omitempty"`
}
