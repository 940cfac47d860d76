// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package birpc

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultEventName identifies RPC traffic on a shared hot channel.
const DefaultEventName = "devtools:rpc"

// Channel carries opaque payloads between two sessions.
type Channel interface {
	// Send delivers payload to the peer, best effort.
	Send(ctx context.Context, payload []byte) error

	// OnMessage sets the single handler, called once per received payload
	// in receipt order.
	OnMessage(handler func(payload []byte))
}

// HotContext is one live connection of the hot-reload transport. Several
// named events are multiplexed over it.
type HotContext interface {
	Send(ctx context.Context, event string, data []byte) error

	// On sets the handler for event, replacing any earlier one. Handlers run
	// on the connection's read goroutine.
	On(event string, fn func(data []byte))

	// Done is closed when the connection is lost or closed.
	Done() <-chan struct{}

	Close() error
}

// HotServer accepts hot contexts from clients.
type HotServer interface {
	// Serve accepts connections until ctx is canceled or Close is called.
	Serve(ctx context.Context, accept func(HotContext)) error
	Close() error
	Addr() string
}

// Connector establishes one live hot context.
type Connector func(ctx context.Context) (HotContext, error)

type handlerSlot struct {
	mu sync.RWMutex
	fn func([]byte)
}

func (h *handlerSlot) set(fn func([]byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fn = fn
}

func (h *handlerSlot) dispatch(data []byte) {
	h.mu.RLock()
	fn := h.fn
	h.mu.RUnlock()
	if fn != nil {
		fn(data)
	}
}

// ChannelOption configures a HotChannel
type ChannelOption func(*HotChannel)

// WithEventName sets the event the channel sends and listens on
func WithEventName(name string) ChannelOption {
	return func(c *HotChannel) { c.event = name }
}

// WithBackoff sets the reconnect backoff
func WithBackoff(b BackoffConfig) ChannelOption {
	return func(c *HotChannel) { c.backoff = b }
}

// WithQueueSize bounds the payloads queued while disconnected
func WithQueueSize(n int) ChannelOption {
	return func(c *HotChannel) { c.outbox = newOutbox(n) }
}

// WithStatus shares a Status with the channel
func WithStatus(s *Status) ChannelOption {
	return func(c *HotChannel) { c.status = s }
}

// WithChannelLogger sets the channel logger
func WithChannelLogger(l zerolog.Logger) ChannelOption {
	return func(c *HotChannel) { c.log = l }
}

// HotChannel is the client side Channel. It owns the connection: when the
// hot context drops it reconnects through its Connector with backoff.
// Payloads sent while disconnected are queued, up to the queue size, and
// flushed in order once a connection is live again. A payload accepted by a
// connection that later drops is not retransmitted.
type HotChannel struct {
	event   string
	connect Connector
	backoff BackoffConfig
	status  *Status
	outbox  *outbox
	log     zerolog.Logger
	rng     *rand.Rand
	handler handlerSlot

	ctx    context.Context
	cancel context.CancelFunc

	// sendMu orders writes and flushes; it guards hot and listening.
	sendMu    sync.Mutex
	hot       HotContext
	listening bool
}

// NewHotChannel connects through connect and keeps the channel connected
// until Close. Failure of the first connection is returned as a
// *ConnectError.
func NewHotChannel(ctx context.Context, connect Connector, opts ...ChannelOption) (*HotChannel, error) {
	c := &HotChannel{
		event:   DefaultEventName,
		connect: connect,
		backoff: DefaultBackoff(),
		log:     Logger(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.status == nil {
		c.status = NewStatus(DefaultConnectingDebounce)
	}
	if c.outbox == nil {
		c.outbox = newOutbox(DefaultQueueSize)
	}
	c.log = c.log.With().Str("component", "channel").Str("event", c.event).Logger()

	c.status.SetConnecting(true)
	hot, err := connect(ctx)
	c.status.SetConnecting(false)
	if err != nil {
		var ce *ConnectError
		if !errors.As(err, &ce) {
			err = &ConnectError{Err: err}
		}
		c.status.SetError(err)
		return nil, err
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.attach(hot)
	go c.supervise(hot)
	return c, nil
}

// OnMessage implements Channel. Reading from the hot context starts with
// the first handler, so nothing arrives before there is someone to take it.
func (c *HotChannel) OnMessage(handler func(payload []byte)) {
	c.handler.set(handler)
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.listening {
		c.listening = true
		if c.hot != nil {
			c.hot.On(c.event, c.handler.dispatch)
		}
	}
}

// Send implements Channel.
func (c *HotChannel) Send(ctx context.Context, payload []byte) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.hot != nil {
		err := c.hot.Send(ctx, c.event, payload)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Debug().Err(err).Msg("send failed, queueing until reconnect")
	}
	return c.outbox.push(payload)
}

// Status returns the channel's connectivity status.
func (c *HotChannel) Status() *Status {
	return c.status
}

// Connected reports whether a hot context is currently live.
func (c *HotChannel) Connected() bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.hot != nil
}

// Queued returns the number of payloads waiting for a connection.
func (c *HotChannel) Queued() int {
	return c.outbox.len()
}

// Close stops reconnecting and closes the live hot context.
func (c *HotChannel) Close() error {
	c.cancel()
	c.sendMu.Lock()
	hot := c.hot
	c.hot = nil
	c.sendMu.Unlock()
	if hot != nil {
		return hot.Close()
	}
	return nil
}

// attach makes hot the live connection after flushing the outbox through it.
func (c *HotChannel) attach(hot HotContext) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.ctx.Err() != nil {
		hot.Close()
		return
	}
	if c.listening {
		hot.On(c.event, c.handler.dispatch)
	}
	items := c.outbox.drain()
	for i, payload := range items {
		if err := hot.Send(c.ctx, c.event, payload); err != nil {
			c.outbox.requeue(items[i:])
			c.log.Debug().Err(err).Int("remaining", len(items)-i).Msg("flush interrupted")
			return
		}
	}
	if len(items) > 0 {
		c.log.Debug().Int("flushed", len(items)).Msg("flushed queued payloads")
	}
	c.hot = hot
}

func (c *HotChannel) supervise(hot HotContext) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-hot.Done():
		}
		c.sendMu.Lock()
		if c.hot == hot {
			c.hot = nil
		}
		c.sendMu.Unlock()

		c.log.Warn().Msg("hot channel disconnected, reconnecting")
		c.status.SetConnecting(true)
		next, ok := c.reconnect()
		if !ok {
			return
		}
		c.attach(next)
		c.status.SetConnecting(false)
		c.log.Info().Msg("hot channel reconnected")
		hot = next
	}
}

func (c *HotChannel) reconnect() (HotContext, bool) {
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(NextBackoffDelay(c.backoff, attempt, c.rng))
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}
		hot, err := c.connect(c.ctx)
		if err == nil {
			return hot, true
		}
		if c.ctx.Err() != nil {
			return nil, false
		}
		c.status.SetError(err)
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}
}

// ConnChannel is the host side Channel over one accepted hot context.
// Sends after the connection is gone fail with ErrClosed; reconnecting is
// the client's job.
type ConnChannel struct {
	hot     HotContext
	event   string
	handler handlerSlot
	listen  sync.Once
}

// NewConnChannel carries payloads as event on hot.
func NewConnChannel(hot HotContext, event string) *ConnChannel {
	if event == "" {
		event = DefaultEventName
	}
	return &ConnChannel{hot: hot, event: event}
}

// OnMessage implements Channel. The first call starts reading from hot.
func (c *ConnChannel) OnMessage(handler func(payload []byte)) {
	c.handler.set(handler)
	c.listen.Do(func() { c.hot.On(c.event, c.handler.dispatch) })
}

// Send implements Channel.
func (c *ConnChannel) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.hot.Done():
		return ErrClosed
	default:
	}
	return c.hot.Send(ctx, c.event, payload)
}

// Done is closed when the underlying connection is gone.
func (c *ConnChannel) Done() <-chan struct{} {
	return c.hot.Done()
}
