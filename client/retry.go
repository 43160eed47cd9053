package client

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-reliability/types"
	"github.com/saiset-co/sai-reliability/utils"
)

// Sleeper waits for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BackoffDelay returns base × 2^retry capped at maxDelay. retry starts at 0.
func BackoffDelay(base, maxDelay time.Duration, retry int) time.Duration {
	if base <= 0 {
		return 0
	}

	delay := base
	for i := 0; i < retry; i++ {
		if maxDelay > 0 && delay >= maxDelay {
			return maxDelay
		}
		delay *= 2
	}

	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}

// dispatch sends req with up to retries additional attempts. Client errors
// and an open breaker end the loop at once. Other failures are retried and,
// once attempts run out, reported as RetryExhaustedError.
func (o *Orchestrator) dispatch(ctx context.Context, req *types.TransportRequest, retries int) (*types.Response, error) {
	cfg := o.Config()
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := BackoffDelay(cfg.RetryBaseDelay, cfg.MaxRetryDelay, attempt-1)
			o.logger.Debug("Retrying request",
				zap.String("method", req.Method),
				zap.String("url", req.URL),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", delay),
				zap.Error(lastErr))

			if err := o.sleep(ctx, delay); err != nil {
				return nil, err
			}
			o.stats.retries.Add(1)
		}

		resp, err := o.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil && !errors.Is(err, types.ErrTimeout) {
			return nil, ctx.Err()
		}

		if errors.Is(err, types.ErrCircuitBreakerOpen) || !types.IsRetryable(err) {
			return nil, err
		}
	}

	return nil, &types.RetryExhaustedError{Attempts: retries + 1, Last: lastErr}
}

// attempt performs one timed network call under the per-attempt deadline.
func (o *Orchestrator) attempt(ctx context.Context, req *types.TransportRequest) (*types.Response, error) {
	if !o.breaker.CanExecute() {
		return nil, types.NewNetworkError(req.Method, req.URL, types.ErrCircuitBreakerOpen)
	}

	attemptCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	authorized, err := o.authorizer.Apply(req)
	if err != nil {
		return nil, types.NewNetworkError(req.Method, req.URL, err)
	}

	o.stats.dispatches.Add(1)
	start := time.Now()

	transportResp, err := o.transport.Do(attemptCtx, authorized)
	if err != nil {
		err = o.classifyError(ctx, attemptCtx, req, err)
	} else if transportResp.Status >= 400 {
		err = statusError(req, transportResp)
	}

	elapsed := time.Since(start)
	o.recordAttempt(req, transportResp, err, elapsed)
	o.breaker.Record(err)

	if err != nil {
		return nil, err
	}

	return &types.Response{
		Status:  transportResp.Status,
		Headers: transportResp.Headers,
		Body:    transportResp.Body,
	}, nil
}

func (o *Orchestrator) classifyError(ctx, attemptCtx context.Context, req *types.TransportRequest, err error) error {
	var reqErr *types.RequestError
	if errors.As(err, &reqErr) {
		return err
	}

	if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return types.NewTimeoutError(req.Method, req.URL, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewTimeoutError(req.Method, req.URL, err)
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	return types.NewNetworkError(req.Method, req.URL, err)
}

type errorBody struct {
	Error     string      `json:"error"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	RequestID string      `json:"request_id"`
}

// statusError classifies a failed status and lifts the backend error shape
// into the error when the body carries one.
func statusError(req *types.TransportRequest, resp *types.TransportResponse) error {
	reqErr := types.NewStatusError(req.Method, req.URL, resp.Status, "")

	var body errorBody
	if len(resp.Body) > 0 && utils.Unmarshal(resp.Body, &body) == nil {
		reqErr.Code = body.Error
		reqErr.Message = body.Message
		reqErr.RequestID = body.RequestID
		if reqErr.Message == "" {
			reqErr.Message = body.Error
		}
	}

	return reqErr
}

func (o *Orchestrator) recordAttempt(req *types.TransportRequest, resp *types.TransportResponse, err error, elapsed time.Duration) {
	ms := float64(elapsed) / float64(time.Millisecond)
	o.telemetry.RecordAPICall(endpointName(req.Method, req.URL), ms)

	status := "error"
	switch {
	case resp != nil:
		status = statusLabel(resp.Status)
	case errors.Is(err, types.ErrTimeout):
		status = "timeout"
	}

	o.counter("http_client_requests_total", map[string]string{
		"method": req.Method,
		"status": status,
	}).Inc()
	o.histogram("http_client_request_duration_seconds", requestBuckets, map[string]string{
		"method": req.Method,
	}).Observe(elapsed.Seconds())
}
