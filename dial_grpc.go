// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package birpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	grpcCodecName   = "birpc"
	grpcBaseHeader  = "x-birpc-base"
	grpcAckEvent    = "birpc:ack"
	hotEventsMethod = "/birpc.Hot/Events"
)

func init() {
	encoding.RegisterCodec(envelopeCodec{})
	registerTransport(TransportGRPC, dialGRPC, listenGRPC)
}

// envelope is the single message type of the Events stream.
type envelope struct {
	Event string
	Data  []byte
}

// envelopeCodec frames envelopes the same way ZAP frames event messages,
// so no protobuf schema is needed.
type envelopeCodec struct{}

func (envelopeCodec) Marshal(v interface{}) ([]byte, error) {
	env, ok := v.(*envelope)
	if !ok {
		return nil, fmt.Errorf("birpc codec: cannot marshal %T", v)
	}
	if len(env.Event) > 0xffff {
		return nil, fmt.Errorf("birpc codec: event name too long")
	}
	return encodeEvent(env.Event, env.Data), nil
}

func (envelopeCodec) Unmarshal(data []byte, v interface{}) error {
	env, ok := v.(*envelope)
	if !ok {
		return fmt.Errorf("birpc codec: cannot unmarshal into %T", v)
	}
	event, payload, err := decodeEvent(data)
	if err != nil {
		return err
	}
	env.Event = event
	env.Data = append([]byte(nil), payload...)
	return nil
}

func (envelopeCodec) Name() string { return grpcCodecName }

var hotStreamDesc = grpc.StreamDesc{
	StreamName:    "Events",
	ServerStreams: true,
	ClientStreams: true,
}

var hotServiceDesc = grpc.ServiceDesc{
	ServiceName: "birpc.Hot",
	HandlerType: (*interface{})(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Events",
		Handler:       hotEventsHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
}

// msgStream is the part of grpc.ClientStream and grpc.ServerStream a hot
// context needs.
type msgStream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

// grpcHot is a hot context over one bidirectional Events stream.
type grpcHot struct {
	stream    msgStream
	sendMu    sync.Mutex
	handlers  sync.Map
	readOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
	cleanup   func()
	log       zerolog.Logger
}

func newGRPCHot(stream msgStream, cleanup func(), log zerolog.Logger) *grpcHot {
	return &grpcHot{
		stream:  stream,
		done:    make(chan struct{}),
		cleanup: cleanup,
		log:     log,
	}
}

func (g *grpcHot) Send(ctx context.Context, event string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-g.done:
		return ErrClosed
	default:
	}
	g.sendMu.Lock()
	defer g.sendMu.Unlock()
	if err := g.stream.SendMsg(&envelope{Event: event, Data: data}); err != nil {
		g.shutdown()
		return fmt.Errorf("grpc send: %w", err)
	}
	return nil
}

func (g *grpcHot) On(event string, fn func(data []byte)) {
	g.handlers.Store(event, fn)
	g.readOnce.Do(func() { go g.readLoop() })
}

func (g *grpcHot) Done() <-chan struct{} {
	return g.done
}

func (g *grpcHot) Close() error {
	g.shutdown()
	return nil
}

func (g *grpcHot) shutdown() {
	g.closeOnce.Do(func() {
		close(g.done)
		if g.cleanup != nil {
			g.cleanup()
		}
	})
}

func (g *grpcHot) readLoop() {
	defer g.shutdown()
	for {
		var env envelope
		if err := g.stream.RecvMsg(&env); err != nil {
			if status.Code(err) != codes.Canceled {
				g.log.Debug().Err(err).Msg("stream ended")
			}
			return
		}
		if h, ok := g.handlers.Load(env.Event); ok {
			h.(func([]byte))(env.Data)
		}
	}
}

// GRPCDial opens an Events stream to addr presenting base, and waits for the
// server's acknowledgement.
func GRPCDial(ctx context.Context, addr, base string, timeout time.Duration, log zerolog.Logger) (HotContext, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(grpcCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}

	// The stream outlives ctx; ctx and the timeout only bound the handshake.
	sctx, cancel := context.WithCancel(context.Background())
	sctx = metadata.AppendToOutgoingContext(sctx, grpcBaseHeader, base)
	fail := func(err error) (HotContext, error) {
		cancel()
		conn.Close()
		return nil, err
	}
	timer := time.AfterFunc(timeout, cancel)
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	stream, err := conn.NewStream(sctx, &hotStreamDesc, hotEventsMethod)
	if err != nil {
		timer.Stop()
		return fail(fmt.Errorf("grpc stream: %w", err))
	}
	var ack envelope
	err = stream.RecvMsg(&ack)
	if !timer.Stop() || !stop() {
		return fail(fmt.Errorf("grpc handshake: %w", context.DeadlineExceeded))
	}
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fail(fmt.Errorf("%w: %s", ErrHandshake, status.Convert(err).Message()))
		}
		return fail(fmt.Errorf("grpc handshake: %w", err))
	}
	if ack.Event != grpcAckEvent {
		return fail(fmt.Errorf("%w: unexpected event %q during handshake", ErrHandshake, ack.Event))
	}

	cleanup := func() {
		stream.CloseSend()
		cancel()
		conn.Close()
	}
	return newGRPCHot(stream, cleanup, log.With().Str("component", "grpc").Str("remote", addr).Logger()), nil
}

// GRPCServer accepts hot contexts as Events streams
type GRPCServer struct {
	server   *grpc.Server
	listener net.Listener
	bases    map[string]bool
	closed   atomic.Bool
	log      zerolog.Logger

	mu     sync.RWMutex
	accept func(HotContext)
}

// NewGRPCServer creates a gRPC hot server answering to the given base paths
func NewGRPCServer(listener net.Listener, bases []string, log zerolog.Logger) *GRPCServer {
	accepted := make(map[string]bool, len(bases))
	for _, b := range bases {
		accepted[normalizeBase(b)] = true
	}
	s := &GRPCServer{
		server:   grpc.NewServer(),
		listener: listener,
		bases:    accepted,
		log:      log.With().Str("component", "grpc-server").Logger(),
	}
	s.server.RegisterService(&hotServiceDesc, s)
	return s
}

func hotEventsHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(*GRPCServer).handle(stream)
}

func (s *GRPCServer) handle(stream grpc.ServerStream) error {
	base := "/"
	if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
		if v := md.Get(grpcBaseHeader); len(v) > 0 {
			base = v[0]
		}
	}
	base = normalizeBase(base)
	if !s.bases[base] {
		s.log.Debug().Str("base", base).Msg("rejecting unknown base")
		return status.Errorf(codes.NotFound, "unknown base %q", base)
	}
	s.mu.RLock()
	accept := s.accept
	s.mu.RUnlock()
	if accept == nil {
		return status.Error(codes.Unavailable, "server not serving")
	}
	if err := stream.SendMsg(&envelope{Event: grpcAckEvent}); err != nil {
		return err
	}

	hot := newGRPCHot(stream, nil, s.log)
	defer hot.shutdown()
	accept(hot)
	select {
	case <-hot.Done():
	case <-stream.Context().Done():
	}
	return nil
}

// Serve serves Events streams until ctx is canceled or Close is called
func (s *GRPCServer) Serve(ctx context.Context, accept func(HotContext)) error {
	s.mu.Lock()
	s.accept = accept
	s.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()
	err := s.server.Serve(s.listener)
	if s.closed.Load() || errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Close stops the server and drops every stream
func (s *GRPCServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.server.Stop()
	s.listener.Close()
	return nil
}

// Addr returns the listener address
func (s *GRPCServer) Addr() string {
	return s.listener.Addr().String()
}

func dialGRPC(ctx context.Context, u *url.URL, o *dialOptions) (HotContext, error) {
	return GRPCDial(ctx, u.Host, normalizeBase(u.Path), o.handshakeTimeout, o.log)
}

func listenGRPC(u *url.URL, o *serverOptions) (HotServer, error) {
	listener, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, err
	}
	bases := make([]string, 0, len(o.bases)+1)
	for b := range o.acceptedBases(u) {
		bases = append(bases, b)
	}
	return NewGRPCServer(listener, bases, o.log), nil
}
