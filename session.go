// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package birpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds how long a call waits for its reply.
const DefaultTimeout = 120 * time.Second

// ErrorHandler receives protocol, codec and reply errors that have no caller
// to return to. method is empty when it cannot be recovered from the frame.
type ErrorHandler func(err error, method string)

// SessionOption configures a Session
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	codec    Codec
	resolver Resolver
	timeout  time.Duration
	onError  ErrorHandler
	log      *zerolog.Logger
	newID    func() string
}

// WithCodec sets the frame codec
func WithCodec(c Codec) SessionOption {
	return func(o *sessionOptions) { o.codec = c }
}

// WithResolver replaces direct function table lookup, typically with a *Registry
func WithResolver(r Resolver) SessionOption {
	return func(o *sessionOptions) { o.resolver = r }
}

// WithTimeout sets the per-call timeout
func WithTimeout(d time.Duration) SessionOption {
	return func(o *sessionOptions) { o.timeout = d }
}

// WithErrorHandler sets the error reporting hook
func WithErrorHandler(h ErrorHandler) SessionOption {
	return func(o *sessionOptions) { o.onError = h }
}

// WithLogger sets the session logger
func WithLogger(l zerolog.Logger) SessionOption {
	return func(o *sessionOptions) { o.log = &l }
}

// WithIDGenerator sets the call id source. Ids still pending are never reused.
func WithIDGenerator(fn func() string) SessionOption {
	return func(o *sessionOptions) { o.newID = fn }
}

// Call represents an outbound call. Done receives the call once it settles.
type Call struct {
	ID     string
	Method string
	Args   []interface{}
	Result interface{}
	Error  error
	Done   chan *Call
}

func (c *Call) done() {
	select {
	case c.Done <- c:
	default:
		// Done is full; the caller sized it too small.
	}
}

// RemoteFunc invokes one remote method.
type RemoteFunc func(ctx context.Context, args ...interface{}) (interface{}, error)

type pendingCall struct {
	call  *Call
	timer *time.Timer
}

// Session is one endpoint of the bridge. It calls functions on the peer and
// serves the peer's calls from its resolver. A Session is safe for
// concurrent use.
type Session struct {
	ch       Channel
	codec    Codec
	resolver Resolver
	timeout  time.Duration
	onError  ErrorHandler
	log      zerolog.Logger
	newID    func() string

	// ctx is handed to inbound calls and canceled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
}

// NewSession creates a session serving table over ch.
func NewSession(table FunctionTable, ch Channel, opts ...SessionOption) *Session {
	o := &sessionOptions{
		codec:    defaultCodec,
		resolver: table,
		timeout:  DefaultTimeout,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	log := Logger()
	if o.log != nil {
		log = *o.log
	}
	log = log.With().Str("component", "session").Logger()
	if o.onError == nil {
		o.onError = LogErrorHandler(log)
	}
	if o.timeout <= 0 {
		o.timeout = DefaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ch:       ch,
		codec:    o.codec,
		resolver: o.resolver,
		timeout:  o.timeout,
		onError:  o.onError,
		log:      log,
		newID:    o.newID,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]*pendingCall),
	}
	ch.OnMessage(s.handleMessage)
	return s
}

// LogErrorHandler reports errors through log.
func LogErrorHandler(log zerolog.Logger) ErrorHandler {
	return func(err error, method string) {
		log.Error().Err(err).Str("method", method).Msg("rpc error on executing")
	}
}

// Call invokes method on the peer and waits for its result, the session
// timeout, or ctx. Canceling ctx only abandons the call locally.
func (s *Session) Call(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	call := &Call{Method: method, Args: args, Done: make(chan *Call, 1)}
	s.send(ctx, call)
	select {
	case <-call.Done:
		return call.Result, call.Error
	case <-ctx.Done():
		s.take(call.ID)
		return nil, ctx.Err()
	}
}

// Go invokes method asynchronously. done must be buffered; a nil done
// allocates one.
func (s *Session) Go(method string, args []interface{}, done chan *Call) *Call {
	if done == nil {
		done = make(chan *Call, 1)
	} else if cap(done) == 0 {
		panic("birpc: done channel is unbuffered")
	}
	call := &Call{Method: method, Args: args, Done: done}
	s.send(s.ctx, call)
	return call
}

// Remote returns a proxy for method.
func (s *Session) Remote(method string) RemoteFunc {
	return func(ctx context.Context, args ...interface{}) (interface{}, error) {
		return s.Call(ctx, method, args...)
	}
}

// Notify sends a one-way call. The peer never replies.
func (s *Session) Notify(ctx context.Context, method string, args ...interface{}) error {
	if s.isClosed() {
		return ErrClosed
	}
	payload, err := s.codec.Encode(newCallFrame(s.newID(), FrameEvent, method, args).value())
	if err != nil {
		return fmt.Errorf("encode %q: %w", method, err)
	}
	if err := s.ch.Send(ctx, payload); err != nil {
		return fmt.Errorf("send %q: %w", method, err)
	}
	return nil
}

// Pending returns the number of calls awaiting a reply.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close fails all pending calls with ErrClosed and cancels the context of
// running inbound calls, and detaches from the channel.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.pending
	s.pending = make(map[string]*pendingCall)
	s.mu.Unlock()

	s.cancel()
	s.ch.OnMessage(func([]byte) {})
	for _, p := range pending {
		p.timer.Stop()
		p.call.Error = ErrClosed
		p.call.done()
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// register allocates an unused id for call and arms its timeout.
func (s *Session) register(call *Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	id := s.newID()
	for _, taken := s.pending[id]; taken || id == ""; _, taken = s.pending[id] {
		id = s.newID()
	}
	call.ID = id
	p := &pendingCall{call: call}
	p.timer = time.AfterFunc(s.timeout, func() { s.expire(id) })
	s.pending[id] = p
	return nil
}

// take removes and returns the pending call for id, if any.
func (s *Session) take(id string) *pendingCall {
	s.mu.Lock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	p.timer.Stop()
	return p
}

func (s *Session) expire(id string) {
	p := s.take(id)
	if p == nil {
		return
	}
	s.log.Debug().Str("id", id).Str("method", p.call.Method).Dur("after", s.timeout).Msg("call timed out")
	p.call.Error = &TimeoutError{ID: id, Method: p.call.Method, After: s.timeout}
	p.call.done()
}

func (s *Session) fail(id string, err error) {
	if p := s.take(id); p != nil {
		p.call.Error = err
		p.call.done()
	}
}

func (s *Session) send(ctx context.Context, call *Call) {
	if err := s.register(call); err != nil {
		call.Error = err
		call.done()
		return
	}
	payload, err := s.codec.Encode(newCallFrame(call.ID, FrameCall, call.Method, call.Args).value())
	if err != nil {
		s.fail(call.ID, fmt.Errorf("encode %q: %w", call.Method, err))
		return
	}
	if err := s.ch.Send(ctx, payload); err != nil {
		s.fail(call.ID, fmt.Errorf("send %q: %w", call.Method, err))
	}
}

// handleMessage runs on the channel's receive goroutine, once per payload
// in arrival order.
func (s *Session) handleMessage(payload []byte) {
	if s.isClosed() {
		return
	}
	if len(payload) == 0 {
		s.onError(&ProtocolError{Err: errEmptyPayload}, "")
		return
	}
	var raw interface{}
	if err := s.codec.Decode(payload, &raw); err != nil {
		s.onError(&ProtocolError{Err: err}, "")
		return
	}
	f, err := parseFrame(raw)
	if err != nil {
		method := frameMethod(raw)
		s.onError(&ProtocolError{Method: method, Err: err}, method)
		return
	}

	switch f.Type {
	case FrameCall:
		s.handleCall(f)
	case FrameEvent:
		s.handleEvent(f)
	case FrameResponse:
		s.settle(f.ID, f.Result, nil)
	case FrameError:
		s.settle(f.ID, nil, &RemoteError{Name: f.Name, Message: f.Message})
	}
}

func (s *Session) settle(id string, result interface{}, err error) {
	p := s.take(id)
	if p == nil {
		s.log.Debug().Str("id", id).Msg("dropping reply for unknown or expired call")
		return
	}
	p.call.Result = result
	p.call.Error = err
	p.call.done()
}

func (s *Session) handleCall(f *Frame) {
	name := f.QualifiedName()
	fn, ok := s.resolver.Resolve(name)
	if !ok {
		s.reply(name, newErrorFrame(f.ID, &RemoteError{
			Name:    ErrorNameMethodNotFound,
			Message: fmt.Sprintf("method %q not found", name),
		}))
		return
	}
	go func() {
		result, err := s.invoke(fn, f.Args)
		if err != nil {
			s.reply(name, newErrorFrame(f.ID, err))
			return
		}
		s.reply(name, newResponseFrame(f.ID, result))
	}()
}

func (s *Session) handleEvent(f *Frame) {
	name := f.QualifiedName()
	fn, ok := s.resolver.Resolve(name)
	if !ok {
		s.onError(&RemoteError{Name: ErrorNameMethodNotFound, Message: fmt.Sprintf("method %q not found", name)}, name)
		return
	}
	go func() {
		if _, err := s.invoke(fn, f.Args); err != nil {
			s.onError(err, name)
		}
	}()
}

func (s *Session) invoke(fn Func, args []interface{}) (interface{}, error) {
	return safeInvoke(s.ctx, fn, args)
}

// safeInvoke runs fn, turning a panic into a *PanicError.
func safeInvoke(ctx context.Context, fn Func, args []interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, &PanicError{Value: r}
		}
	}()
	return fn(ctx, args...)
}

// reply sends exactly one response or error frame for a call.
func (s *Session) reply(method string, f *Frame) {
	if s.isClosed() {
		return
	}
	payload, err := s.codec.Encode(f.value())
	if err != nil {
		s.onError(err, method)
		payload, err = s.codec.Encode(newErrorFrame(f.ID, err).value())
		if err != nil {
			return
		}
	}
	if err := s.ch.Send(s.ctx, payload); err != nil {
		s.onError(fmt.Errorf("send reply: %w", err), method)
	}
}
