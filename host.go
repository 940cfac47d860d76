// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package birpc

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Host is the dev-server side of the bridge. Every accepted hot context gets
// its own Session; all sessions resolve through one shared Registry, so an
// extension registered once is callable from every client.
type Host struct {
	registry *Registry
	event    string
	opts     []SessionOption
	log      zerolog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewHost creates a host serving registry on event. opts apply to every
// session; WithResolver is always set to registry.
func NewHost(registry *Registry, event string, opts ...SessionOption) *Host {
	if event == "" {
		event = DefaultEventName
	}
	return &Host{
		registry: registry,
		event:    event,
		opts:     opts,
		log:      Logger().With().Str("component", "host").Logger(),
		sessions: make(map[*Session]struct{}),
	}
}

// Registry returns the shared registry.
func (h *Host) Registry() *Registry {
	return h.registry
}

// Register adds or replaces the extension table for namespace.
func (h *Host) Register(namespace string, table FunctionTable) {
	h.registry.Register(namespace, table)
}

// Serve accepts hot contexts from srv until ctx is canceled.
func (h *Host) Serve(ctx context.Context, srv HotServer) error {
	h.log.Info().Str("addr", srv.Addr()).Str("event", h.event).Msg("serving")
	err := srv.Serve(ctx, func(hot HotContext) { h.Attach(hot) })
	h.closeAll()
	return err
}

// Attach starts a session over hot. The session is closed when hot is done.
func (h *Host) Attach(hot HotContext) *Session {
	opts := append(append([]SessionOption{}, h.opts...), WithResolver(h.registry))
	s := NewSession(h.registry.Table(), NewConnChannel(hot, h.event), opts...)

	h.mu.Lock()
	h.sessions[s] = struct{}{}
	n := len(h.sessions)
	h.mu.Unlock()
	h.log.Debug().Int("sessions", n).Msg("client attached")

	go func() {
		<-hot.Done()
		h.mu.Lock()
		delete(h.sessions, s)
		n := len(h.sessions)
		h.mu.Unlock()
		s.Close()
		h.log.Debug().Int("sessions", n).Msg("client detached")
	}()
	return s
}

// Sessions returns the sessions of the currently connected clients.
func (h *Host) Sessions() []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast notifies method on every connected client. Failures are joined;
// one client failing does not stop the others.
func (h *Host) Broadcast(ctx context.Context, method string, args ...interface{}) error {
	var errs []error
	for _, s := range h.Sessions() {
		if err := s.Notify(ctx, method, args...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Host) closeAll() {
	for _, s := range h.Sessions() {
		s.Close()
	}
}
