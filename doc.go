// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package birpc provides a bidirectional RPC bridge between a development
// host and its connected clients.
//
// Either side may call functions exposed by the other. Arguments and results
// are encoded with a reference-preserving codec, so values containing shared
// or cyclic references arrive with the same shape they were sent with.
//
// # Transport Selection
//
// The transport is chosen by URL scheme:
//
//	zap://127.0.0.1:9797/app/   length-prefixed TCP (default)
//	grpc://127.0.0.1:9797/app/  one bidirectional gRPC stream
//
// The URL path is the base path the host serves. It is checked during the
// handshake, so dialing a list of candidate URLs doubles as discovery: the
// first candidate whose host accepts the base path wins.
//
// # Usage
//
// Host:
//
//	srv, err := birpc.Listen("zap://127.0.0.1:9797/")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	host := birpc.NewHost(birpc.NewRegistry(birpc.FunctionTable{
//	    "getVersion": func(context.Context, ...interface{}) (interface{}, error) {
//	        return "1.0.0", nil
//	    },
//	}), "")
//	go host.Serve(ctx, srv)
//
//	// extensions may be added while clients are connected
//	host.Register("docs", docsFunctions)
//
// Client:
//
//	cfg := birpc.DefaultConfig()
//	client, err := birpc.Connect(ctx, cfg, clientFunctions, birpc.Logger())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	v, err := client.Call(ctx, "docs:search", "query")
//
// The client reconnects with exponential backoff and queues outgoing
// messages while disconnected. Pending calls survive a reconnect and are
// bounded by the session timeout.
//
// # Codecs
//
//	flat       reference-preserving table, JSON encoded (default, flatted compatible)
//	flat+cbor  reference-preserving table, CBOR encoded
//	json       plain tree, no shared references
//
// # Architecture
//
//   - flat.go, codec.go: reference-preserving codec and codec registry
//   - registry.go: core function table plus namespaced extensions
//   - frame.go, schema.go: call, response, error and event frames
//   - session.go: pending calls, timeouts and inbound dispatch
//   - channel.go: Channel adapters over a hot context
//   - transport.go, dial.go: Dial and Listen by URL scheme
//   - zap.go: ZAP transport (default)
//   - dial_grpc.go: gRPC transport
//   - host.go, connect.go: host and client wiring
//   - json.go: JSON-RPC gateway to the same function registry
//   - config.go, log.go: YAML/TOML configuration and zerolog setup
package birpc
