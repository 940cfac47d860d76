// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package birpc

import (
	"context"
	"net/url"
	"sort"
	"sync"
)

// Transport types, selected by the scheme of a candidate URL
const (
	TransportZAP  = "zap"  // length-prefixed TCP, default
	TransportGRPC = "grpc" // one bidirectional gRPC stream
)

// DefaultTransport is the default transport type (ZAP)
const DefaultTransport = TransportZAP

type dialFunc func(ctx context.Context, u *url.URL, o *dialOptions) (HotContext, error)
type listenFunc func(u *url.URL, o *serverOptions) (HotServer, error)

type transport struct {
	dial   dialFunc
	listen listenFunc
}

var (
	transportsMu sync.RWMutex
	transports   = map[string]transport{
		TransportZAP: {dialZAP, listenZAP},
	}
)

// registerTransport registers a new transport (used by transport files)
func registerTransport(name string, dial dialFunc, listen listenFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = transport{dial, listen}
}

func lookupTransport(name string) (transport, bool) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	t, ok := transports[name]
	return t, ok
}

// AvailableTransports returns list of available transport types
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	_, ok := lookupTransport(name)
	return ok
}
