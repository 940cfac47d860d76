// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package birpc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHost(t *testing.T, ctx context.Context, listen string, table FunctionTable) (*Host, HotServer) {
	t.Helper()
	srv, err := Listen(listen, WithServerLogger(zerolog.Nop()))
	require.NoError(t, err)
	host := NewHost(NewRegistry(table), "", WithLogger(zerolog.Nop()))
	go host.Serve(ctx, srv)
	t.Cleanup(func() { srv.Close() })
	return host, srv
}

func clientConfig(candidates ...string) Config {
	cfg := DefaultConfig()
	cfg.Candidates = candidates
	cfg.Timeout = Duration(2 * time.Second)
	cfg.Backoff = BackoffFileConfig{Initial: Duration(5 * time.Millisecond), Multiplier: 2, Max: Duration(50 * time.Millisecond)}
	return cfg
}

func TestHostClientEndToEnd(t *testing.T) {
	for _, scheme := range []string{TransportZAP, TransportGRPC} {
		t.Run(scheme, func(t *testing.T) {
			ctx := testContext(t)
			host, srv := startHost(t, ctx, scheme+"://127.0.0.1:0/", FunctionTable{
				"getVersion": constFunc("1.2.3"),
			})

			cfg := clientConfig(scheme + "://" + srv.Addr() + "/")
			client, err := Connect(ctx, cfg, FunctionTable{"whoami": constFunc("browser")}, zerolog.Nop())
			require.NoError(t, err)
			defer client.Close()

			v, err := client.Call(ctx, "getVersion")
			require.NoError(t, err)
			assert.Equal(t, "1.2.3", v)

			_, err = client.Call(ctx, "ns:fn")
			assert.True(t, errors.Is(err, ErrMethodNotFound))

			host.Register("ns", FunctionTable{"fn": constFunc("registered later")})
			v, err = client.Call(ctx, "ns:fn")
			require.NoError(t, err)
			assert.Equal(t, "registered later", v)

			require.Eventually(t, func() bool { return len(host.Sessions()) == 1 }, time.Second, 5*time.Millisecond)
			v, err = host.Sessions()[0].Call(ctx, "whoami")
			require.NoError(t, err)
			assert.Equal(t, "browser", v)
		})
	}
}

func TestHostBroadcast(t *testing.T) {
	ctx := testContext(t)
	host, srv := startHost(t, ctx, "zap://127.0.0.1:0/", nil)

	received := make(chan interface{}, 4)
	table := FunctionTable{
		"reload": func(_ context.Context, args ...interface{}) (interface{}, error) {
			received <- args[0]
			return nil, nil
		},
	}
	for i := 0; i < 2; i++ {
		client, err := Connect(ctx, clientConfig("zap://"+srv.Addr()+"/"), table, zerolog.Nop())
		require.NoError(t, err)
		defer client.Close()
	}
	require.Eventually(t, func() bool { return len(host.Sessions()) == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, host.Broadcast(ctx, "reload", "page.vue"))
	for i := 0; i < 2; i++ {
		select {
		case v := <-received:
			assert.Equal(t, "page.vue", v)
		case <-ctx.Done():
			t.Fatal("broadcast not delivered")
		}
	}
}

func TestHostDropsSessionOnDisconnect(t *testing.T) {
	ctx := testContext(t)
	host, srv := startHost(t, ctx, "zap://127.0.0.1:0/", nil)

	client, err := Connect(ctx, clientConfig("zap://"+srv.Addr()+"/"), nil, zerolog.Nop())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(host.Sessions()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())
	assert.Eventually(t, func() bool { return len(host.Sessions()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestClientReconnects(t *testing.T) {
	ctx := testContext(t)
	srv, err := Listen("zap://127.0.0.1:0/", WithServerLogger(zerolog.Nop()))
	require.NoError(t, err)
	defer srv.Close()

	host := NewHost(NewRegistry(FunctionTable{"getVersion": constFunc("1.2.3")}), "", WithLogger(zerolog.Nop()))
	var accepted atomic.Int32
	go srv.Serve(ctx, func(hot HotContext) {
		if accepted.Add(1) == 1 {
			// drop the first connection right after the handshake
			hot.Close()
			return
		}
		host.Attach(hot)
	})

	client, err := Connect(ctx, clientConfig("zap://"+srv.Addr()+"/"), nil, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool {
		return accepted.Load() == 2 && client.Channel.Connected() && len(host.Sessions()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	v, err := client.Call(ctx, "getVersion")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", v)
	assert.Eventually(t, func() bool { return !client.Status().Connecting() }, time.Second, 5*time.Millisecond)
}

func TestConnectFailure(t *testing.T) {
	ctx := testContext(t)
	cfg := clientConfig("zap://127.0.0.1:1/")
	cfg.HandshakeTimeout = Duration(200 * time.Millisecond)

	_, err := Connect(ctx, cfg, nil, zerolog.Nop())
	var ce *ConnectError
	assert.True(t, errors.As(err, &ce), "got %v", err)
}
