// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command birpcd is a development host: it accepts hot contexts, serves a
// small built-in function table to every client, and optionally exposes the
// same functions over JSON-RPC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luxfi/birpc"
	"github.com/rs/zerolog"
)

var version = "dev"

var (
	configPath = flag.String("config", "", "path to a .yaml or .toml config file")
	listenURL  = flag.String("listen", "", "listen URL, e.g. zap://127.0.0.1:9797/ (overrides config)")
	gateway    = flag.String("gateway", "", "JSON-RPC gateway address, e.g. 127.0.0.1:9798 (overrides config)")
	bases      = flag.String("bases", "", "extra base path accepted during the handshake")
)

func main() {
	flag.Parse()

	cfg := birpc.DefaultConfig()
	if *configPath != "" {
		loaded, err := birpc.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "birpcd: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *listenURL != "" {
		cfg.Listen = *listenURL
	}
	if *gateway != "" {
		cfg.GatewayAddr = *gateway
	}

	log := birpc.NewLogger(cfg.Log)
	birpc.SetLogger(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("birpcd stopped")
	}
}

func run(ctx context.Context, cfg birpc.Config, log zerolog.Logger) error {
	sessOpts, err := cfg.SessionOptions()
	if err != nil {
		return err
	}
	registry := birpc.NewRegistry(nil)
	host := birpc.NewHost(registry, cfg.EventName, append(sessOpts, birpc.WithLogger(log))...)
	for name, fn := range builtins(host) {
		registry.Table()[name] = fn
	}

	var serverOpts []birpc.ServerOption
	serverOpts = append(serverOpts, birpc.WithServerLogger(log), birpc.WithServerHandshakeTimeout(cfg.HandshakeTimeout.Std()))
	if *bases != "" {
		serverOpts = append(serverOpts, birpc.WithBases(*bases))
	}
	srv, err := birpc.Listen(cfg.Listen, serverOpts...)
	if err != nil {
		return err
	}

	errc := make(chan error, 2)
	go func() { errc <- host.Serve(ctx, srv) }()

	if cfg.GatewayAddr != "" {
		handler, err := birpc.NewGateway(registry, cfg.Timeout.Std()).Handler()
		if err != nil {
			return err
		}
		hs := &http.Server{Addr: cfg.GatewayAddr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Info().Str("addr", cfg.GatewayAddr).Msg("json-rpc gateway listening")
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			hs.Shutdown(shutdownCtx)
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		srv.Close()
		return nil
	case err := <-errc:
		return err
	}
}

// builtins is the core function table every client can call.
func builtins(host *birpc.Host) birpc.FunctionTable {
	return birpc.FunctionTable{
		"getVersion": func(context.Context, ...interface{}) (interface{}, error) {
			return version, nil
		},
		"ping": func(context.Context, ...interface{}) (interface{}, error) {
			return "pong", nil
		},
		"echo": func(_ context.Context, args ...interface{}) (interface{}, error) {
			return args, nil
		},
		"listNamespaces": func(context.Context, ...interface{}) (interface{}, error) {
			return host.Registry().Namespaces(), nil
		},
		"clients": func(context.Context, ...interface{}) (interface{}, error) {
			return len(host.Sessions()), nil
		},
		"broadcast": func(ctx context.Context, args ...interface{}) (interface{}, error) {
			if len(args) == 0 {
				return nil, errors.New("broadcast: method name required")
			}
			method, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("broadcast: method name must be a string, got %T", args[0])
			}
			return nil, host.Broadcast(ctx, method, args[1:]...)
		},
	}
}
