package client

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-reliability/types"
)

// FastHTTPTransport is the default network transport.
type FastHTTPTransport struct {
	client *fasthttp.Client
}

func NewFastHTTPTransport(config *types.ClientConfig) *FastHTTPTransport {
	maxConns := config.MaxIdleConnections
	if maxConns <= 0 {
		maxConns = fasthttp.DefaultMaxConnsPerHost
	}

	return &FastHTTPTransport{
		client: &fasthttp.Client{
			Name:                "sai-reliability",
			MaxConnsPerHost:     maxConns,
			MaxIdleConnDuration: 90 * time.Second,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
		},
	}
}

func (t *FastHTTPTransport) Do(ctx context.Context, request *types.TransportRequest) (*types.TransportResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyContextError(request, err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(request.URL)
	req.Header.SetMethod(request.Method)
	for key, value := range request.Headers {
		req.Header.Set(key, value)
	}
	if len(request.Body) > 0 {
		req.SetBody(request.Body)
	}

	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline && request.Timeout > 0 {
		deadline, hasDeadline = time.Now().Add(request.Timeout), true
	}

	var err error
	if hasDeadline {
		err = t.client.DoDeadline(req, resp, deadline)
	} else {
		err = t.client.Do(req, resp)
	}
	if err != nil {
		return nil, classifyTransportError(request, err)
	}

	headers := make(map[string]string)
	resp.Header.VisitAll(func(key, value []byte) {
		headers[string(key)] = string(value)
	})

	return &types.TransportResponse{
		Status:  resp.StatusCode(),
		Headers: headers,
		Body:    append([]byte(nil), resp.Body()...),
	}, nil
}

func (t *FastHTTPTransport) CloseIdleConnections() {
	t.client.CloseIdleConnections()
}

func classifyTransportError(request *types.TransportRequest, err error) error {
	var reqErr *types.RequestError
	if errors.As(err, &reqErr) {
		return err
	}

	if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) ||
		errors.Is(err, context.DeadlineExceeded) {
		return types.NewTimeoutError(request.Method, request.URL, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.NewTimeoutError(request.Method, request.URL, err)
	}

	return types.NewNetworkError(request.Method, request.URL, err)
}

func classifyContextError(request *types.TransportRequest, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewTimeoutError(request.Method, request.URL, err)
	}
	return err
}
