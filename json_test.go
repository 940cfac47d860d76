// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package birpc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startGateway(t *testing.T, resolver Resolver) *url.URL {
	t.Helper()
	handler, err := NewGateway(resolver, time.Second).Handler()
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u
}

func TestGatewayInvoke(t *testing.T) {
	registry := NewRegistry(FunctionTable{
		"getVersion": constFunc("1.2.3"),
		"add": func(_ context.Context, args ...interface{}) (interface{}, error) {
			return args[0].(float64) + args[1].(float64), nil
		},
		"crash": func(context.Context, ...interface{}) (interface{}, error) {
			return nil, errors.New("boom")
		},
		"panics": func(context.Context, ...interface{}) (interface{}, error) {
			panic("kaboom")
		},
	})
	registry.Register("ns", FunctionTable{"fn": constFunc(map[string]interface{}{"ok": true})})
	u := startGateway(t, registry)
	ctx := testContext(t)

	v, err := InvokeGateway(ctx, u, "getVersion", nil)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", v)

	v, err = InvokeGateway(ctx, u, "add", []interface{}{2, 3})
	require.NoError(t, err)
	assert.Equal(t, float64(5), v)

	v, err = InvokeGateway(ctx, u, "ns:fn", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"ok": true}, v)

	_, err = InvokeGateway(ctx, u, "crash", nil)
	var re *RemoteError
	require.True(t, errors.As(err, &re), "got %v", err)
	assert.Equal(t, "boom", re.Message)
	assert.Equal(t, ErrorNameDefault, re.Name)

	_, err = InvokeGateway(ctx, u, "panics", nil)
	require.True(t, errors.As(err, &re), "got %v", err)
	assert.Equal(t, ErrorNamePanic, re.Name)

	_, err = InvokeGateway(ctx, u, "ns:missing", nil)
	assert.True(t, errors.Is(err, ErrMethodNotFound), "got %v", err)
}

func TestGatewayTimeout(t *testing.T) {
	registry := NewRegistry(FunctionTable{
		"wait": func(ctx context.Context, _ ...interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	handler, err := NewGateway(registry, 20*time.Millisecond).Handler()
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	defer srv.Close()
	u, _ := url.Parse(srv.URL)

	_, err = InvokeGateway(testContext(t), u, "wait", nil)
	assert.ErrorContains(t, err, context.DeadlineExceeded.Error())
}

func TestSendJSONRequestOptions(t *testing.T) {
	var gotHeader, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Test")
		gotQuery = r.URL.Query().Get("debug")
		io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"jsonrpc":"2.0","result":{"result":"ok"},"id":1}`)
	}))
	defer srv.Close()
	u, _ := url.Parse(srv.URL)

	var reply InvokeReply
	err := SendJSONRequest(testContext(t), u, GatewayInvokeMethod, &InvokeArgs{Method: "x"}, &reply,
		WithHeader("X-Test", "yes"),
		WithQueryParam("debug", "1"),
	)
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Result)
	assert.Equal(t, "yes", gotHeader)
	assert.Equal(t, "1", gotQuery)
	assert.Empty(t, u.RawQuery, "caller's url must not be modified")
}

func TestSendJSONRequestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	u, _ := url.Parse(srv.URL)

	var reply InvokeReply
	err := SendJSONRequest(testContext(t), u, GatewayInvokeMethod, &InvokeArgs{}, &reply)
	assert.ErrorContains(t, err, "502")
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, isRetryableError(io.EOF))
	assert.True(t, isRetryableError(errors.New("read: connection reset by peer")))
	assert.False(t, isRetryableError(errors.New("no such host")))
	assert.False(t, isRetryableError(nil))
}
