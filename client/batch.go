package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-reliability/types"
	"github.com/saiset-co/sai-reliability/utils"
)

type batchResult struct {
	response *types.Response
	err      error
}

type batchCall struct {
	request *types.TransportRequest
	retries int
	result  chan batchResult
}

type pendingBatch struct {
	calls []*batchCall
	timer *time.Timer
}

// batchQueue coalesces calls that share a batch key within a window.
type batchQueue struct {
	mu      sync.Mutex
	pending map[string]*pendingBatch
	window  time.Duration
	maxSize int
	flush   func(key string, calls []*batchCall)
}

func newBatchQueue(window time.Duration, maxSize int, flush func(key string, calls []*batchCall)) *batchQueue {
	return &batchQueue{
		pending: make(map[string]*pendingBatch),
		window:  window,
		maxSize: maxSize,
		flush:   flush,
	}
}

// enqueue adds a call and waits for its own result. A caller whose ctx ends
// leaves the batch; its siblings keep waiting.
func (q *batchQueue) enqueue(ctx context.Context, key string, request *types.TransportRequest, retries int) (*types.Response, error) {
	call := &batchCall{
		request: request,
		retries: retries,
		result:  make(chan batchResult, 1),
	}

	q.mu.Lock()
	batch, ok := q.pending[key]
	if !ok {
		batch = &pendingBatch{}
		q.pending[key] = batch
		batch.timer = time.AfterFunc(q.window, func() {
			q.flushPending(key, batch)
		})
	}
	batch.calls = append(batch.calls, call)

	var ready []*batchCall
	if q.maxSize > 0 && len(batch.calls) >= q.maxSize {
		batch.timer.Stop()
		delete(q.pending, key)
		ready = batch.calls
	}
	q.mu.Unlock()

	if ready != nil {
		go q.flush(key, ready)
	}

	select {
	case result := <-call.result:
		return result.response, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *batchQueue) flushPending(key string, batch *pendingBatch) {
	q.mu.Lock()
	if q.pending[key] != batch {
		q.mu.Unlock()
		return
	}
	delete(q.pending, key)
	calls := batch.calls
	q.mu.Unlock()

	q.flush(key, calls)
}

// drain flushes every pending batch immediately.
func (q *batchQueue) drain() {
	q.mu.Lock()
	batches := make(map[string][]*batchCall, len(q.pending))
	for key, batch := range q.pending {
		batch.timer.Stop()
		batches[key] = batch.calls
	}
	q.pending = make(map[string]*pendingBatch)
	q.mu.Unlock()

	for key, calls := range batches {
		q.flush(key, calls)
	}
}

func (q *batchQueue) size() (batches, calls int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, batch := range q.pending {
		calls += len(batch.calls)
	}
	return len(q.pending), calls
}

type batchRequestItem struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

type batchRequest struct {
	Requests []batchRequestItem `json:"requests"`
}

type batchResultItem struct {
	ID     string          `json:"id"`
	Status int             `json:"status,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

type batchResponse struct {
	Results []batchResultItem `json:"results"`
}

// flushBatch sends a single call directly and several calls as one batch request.
func (o *Orchestrator) flushBatch(key string, calls []*batchCall) {
	if len(calls) == 0 {
		return
	}

	if len(calls) == 1 {
		resp, err := o.dispatch(o.runContext(), calls[0].request, calls[0].retries)
		calls[0].result <- batchResult{response: resp, err: err}
		return
	}

	o.stats.batchCalls.Add(1)
	o.stats.batchedItems.Add(uint64(len(calls)))
	o.histogram("http_client_batch_size", batchSizeBuckets, nil).Observe(float64(len(calls)))

	ids := make([]string, len(calls))
	payload := batchRequest{Requests: make([]batchRequestItem, len(calls))}
	for i, call := range calls {
		ids[i] = uuid.NewString()
		payload.Requests[i] = batchRequestItem{
			ID:      ids[i],
			Method:  call.request.Method,
			URL:     call.request.URL,
			Headers: call.request.Headers,
			Body:    rawBody(call.request.Body),
		}
	}

	body, err := utils.Marshal(payload)
	if err != nil {
		failAll(calls, types.Errorf(types.ErrClientRequestFailed, "encode batch: %v", err))
		return
	}

	cfg := o.Config()
	request := &types.TransportRequest{
		Method:  http.MethodPost,
		URL:     o.resolveURL(cfg.BatchPath),
		Headers: map[string]string{"Content-Type": "application/json", "Accept": "application/json"},
		Body:    body,
		Timeout: cfg.Timeout,
	}

	o.logger.Debug("Flushing batch",
		zap.String("batch_key", key),
		zap.Int("size", len(calls)))

	resp, err := o.dispatch(o.runContext(), request, cfg.Retries)
	if err != nil {
		failAll(calls, err)
		return
	}

	var decoded batchResponse
	if err := utils.Unmarshal(resp.Body, &decoded); err != nil {
		failAll(calls, types.Errorf(types.ErrClientResponseInvalid, "decode batch response: %v", err))
		return
	}

	results := matchResults(ids, decoded.Results)
	for i, call := range calls {
		call.result <- itemResult(ids[i], i, results[i])
	}
}

// matchResults pairs results with calls by position, falling back to ids
// when the lengths differ or an id at a position disagrees.
func matchResults(ids []string, results []batchResultItem) []*batchResultItem {
	matched := make([]*batchResultItem, len(ids))

	positional := len(results) == len(ids)
	if positional {
		for i := range results {
			if results[i].ID != "" && results[i].ID != ids[i] {
				positional = false
				break
			}
		}
	}

	if positional {
		for i := range results {
			matched[i] = &results[i]
		}
		return matched
	}

	byID := make(map[string]*batchResultItem, len(results))
	for i := range results {
		if results[i].ID != "" {
			byID[results[i].ID] = &results[i]
		}
	}
	for i, id := range ids {
		matched[i] = byID[id]
	}
	return matched
}

func itemResult(id string, index int, item *batchResultItem) batchResult {
	if item == nil {
		return batchResult{err: &types.BatchItemError{ID: id, Index: index, Message: "missing result"}}
	}

	if len(item.Error) > 0 && string(item.Error) != "null" {
		return batchResult{err: &types.BatchItemError{ID: id, Index: index, Message: errorMessage(item.Error)}}
	}

	status := item.Status
	if status == 0 {
		status = http.StatusOK
	}
	if status >= 400 {
		return batchResult{err: &types.BatchItemError{ID: id, Index: index, Message: errorMessage(item.Data)}}
	}

	return batchResult{response: &types.Response{
		Status:  status,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    append([]byte(nil), item.Data...),
	}}
}

// errorMessage accepts a string or an object carrying message/error.
func errorMessage(raw json.RawMessage) string {
	var text string
	if utils.Unmarshal(raw, &text) == nil {
		return text
	}

	var body errorBody
	if utils.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}

	return string(raw)
}

func rawBody(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if canonical, ok := utils.Canonicalize(body); ok {
		return canonical
	}

	quoted, err := utils.Marshal(string(body))
	if err != nil {
		return nil
	}
	return quoted
}

func failAll(calls []*batchCall, err error) {
	for _, call := range calls {
		call.result <- batchResult{err: err}
	}
}
