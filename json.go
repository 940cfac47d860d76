// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package birpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	gorilla "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/rs/zerolog"
)

// GatewayService is the JSON-RPC service name the gateway registers under.
const GatewayService = "Gateway"

// GatewayInvokeMethod is the JSON-RPC method of Gateway.Invoke.
const GatewayInvokeMethod = GatewayService + ".Invoke"

const (
	maxRetries    = 3
	retryBaseWait = 250 * time.Millisecond
)

// InvokeArgs names a function and its positional arguments.
type InvokeArgs struct {
	Method string        `json:"method"`
	Args   []interface{} `json:"args"`
}

// InvokeReply carries the function's result.
type InvokeReply struct {
	Result interface{} `json:"result"`
}

// Gateway exposes a resolver's functions to plain HTTP clients as JSON-RPC
// 2.0. Values travel as JSON trees, so shared references are not preserved.
type Gateway struct {
	resolver Resolver
	timeout  time.Duration
	log      zerolog.Logger
}

// NewGateway serves functions from resolver. Each invocation is bounded by
// timeout; zero means DefaultTimeout.
func NewGateway(resolver Resolver, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gateway{
		resolver: resolver,
		timeout:  timeout,
		log:      Logger().With().Str("component", "gateway").Logger(),
	}
}

// Invoke resolves args.Method and runs it with the request's context.
func (g *Gateway) Invoke(r *http.Request, args *InvokeArgs, reply *InvokeReply) error {
	fn, ok := g.resolver.Resolve(args.Method)
	if !ok {
		return &json2.Error{
			Code:    json2.E_NO_METHOD,
			Message: fmt.Sprintf("method %q not found", args.Method),
			Data:    ErrorNameMethodNotFound,
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
	defer cancel()
	result, err := safeInvoke(ctx, fn, args.Args)
	if err != nil {
		g.log.Debug().Err(err).Str("method", args.Method).Msg("invoke failed")
		return &json2.Error{
			Code:    json2.E_SERVER,
			Message: err.Error(),
			Data:    errorName(err),
		}
	}
	reply.Result = result
	return nil
}

// Handler returns the HTTP handler serving the gateway.
func (g *Gateway) Handler() (http.Handler, error) {
	s := gorilla.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(g, GatewayService); err != nil {
		return nil, fmt.Errorf("register gateway: %w", err)
	}
	return s, nil
}

// InvokeGateway calls method through the gateway at uri and returns its result.
// Gateway errors come back as *RemoteError.
func InvokeGateway(ctx context.Context, uri *url.URL, method string, args []interface{}, options ...Option) (interface{}, error) {
	if args == nil {
		args = []interface{}{}
	}
	var reply InvokeReply
	err := SendJSONRequest(ctx, uri, GatewayInvokeMethod, &InvokeArgs{Method: method, Args: args}, &reply, options...)
	var jerr *json2.Error
	if errors.As(err, &jerr) {
		name, _ := jerr.Data.(string)
		if name == "" {
			name = ErrorNameDefault
		}
		return nil, &RemoteError{Name: name, Message: jerr.Message}
	}
	if err != nil {
		return nil, err
	}
	return reply.Result, nil
}

// newHTTPClient returns a client without keep-alives; a gateway is usually
// called a handful of times from short-lived tools.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body.
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError reports whether err looks like a transient connection failure
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe")
}

// SendJSONRequest posts a JSON-RPC 2.0 request to uri and decodes the result
// into reply, retrying transient connection failures with backoff.
func SendJSONRequest(
	ctx context.Context,
	uri *url.URL,
	method string,
	params interface{},
	reply interface{},
	options ...Option,
) error {
	log := Logger().With().Str("component", "gateway-client").Str("method", method).Logger()
	body, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	ops := NewOptions(options)
	target := *uri
	if len(ops.queryParams) > 0 {
		target.RawQuery = ops.queryParams.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			wait := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		request, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		request.Header = ops.headers.Clone()
		request.Header.Set("Content-Type", "application/json")

		resp, err := newHTTPClient().Do(request)
		if err != nil {
			lastErr = err
			retry := isRetryableError(err) && ctx.Err() == nil
			log.Debug().Err(err).Int("attempt", attempt+1).Bool("retryable", retry).Msg("request failed")
			if retry {
				continue
			}
			return fmt.Errorf("failed to issue request: %w", err)
		}
		if attempt > 0 {
			log.Debug().Int("attempt", attempt+1).Msg("request succeeded after retry")
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			CleanlyCloseBody(resp.Body)
			return fmt.Errorf("received status code: %d", resp.StatusCode)
		}
		err = json2.DecodeClientResponse(resp.Body, reply)
		CleanlyCloseBody(resp.Body)
		if err != nil {
			var jerr *json2.Error
			if errors.As(err, &jerr) {
				return jerr
			}
			return fmt.Errorf("failed to decode client response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to issue request after %d retries: %w", maxRetries, lastErr)
}
