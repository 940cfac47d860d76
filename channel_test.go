// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package birpc

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentEvent struct {
	event string
	data  string
}

// fakeHot is an in-memory HotContext that records what it sends.
type fakeHot struct {
	mu       sync.Mutex
	handlers map[string]func([]byte)
	sent     []sentEvent
	done     chan struct{}
	once     sync.Once
}

func newFakeHot() *fakeHot {
	return &fakeHot{handlers: make(map[string]func([]byte)), done: make(chan struct{})}
}

func (f *fakeHot) Send(_ context.Context, event string, data []byte) error {
	select {
	case <-f.done:
		return ErrClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEvent{event, string(data)})
	return nil
}

func (f *fakeHot) On(event string, fn func([]byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = fn
}

func (f *fakeHot) Done() <-chan struct{} { return f.done }

func (f *fakeHot) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeHot) deliver(event, data string) {
	f.mu.Lock()
	fn := f.handlers[event]
	f.mu.Unlock()
	if fn != nil {
		fn([]byte(data))
	}
}

func (f *fakeHot) sentData() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.data)
	}
	return out
}

// fakeConnector hands out queued hot contexts. Connect blocks until one is
// queued or ctx ends.
type fakeConnector struct {
	next  chan *fakeHot
	calls chan struct{}
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{next: make(chan *fakeHot, 4), calls: make(chan struct{}, 64)}
}

func (c *fakeConnector) connect(ctx context.Context) (HotContext, error) {
	c.calls <- struct{}{}
	select {
	case hot := <-c.next:
		return hot, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func fastBackoff() BackoffConfig {
	return BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
}

func TestHotChannelConnectError(t *testing.T) {
	status := NewStatus(time.Second)
	failing := func(context.Context) (HotContext, error) {
		return nil, errors.New("refused")
	}
	_, err := NewHotChannel(context.Background(), failing, WithStatus(status), WithChannelLogger(zerolog.Nop()))
	var ce *ConnectError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, err, status.LastError())
	assert.False(t, status.Connecting())
}

func TestHotChannelSendAndFilter(t *testing.T) {
	conn := newFakeConnector()
	hot := newFakeHot()
	conn.next <- hot
	ch, err := NewHotChannel(context.Background(), conn.connect, WithEventName("test:rpc"), WithChannelLogger(zerolog.Nop()))
	require.NoError(t, err)
	defer ch.Close()

	var got []string
	ch.OnMessage(func(p []byte) { got = append(got, string(p)) })
	hot.deliver("test:rpc", "one")
	hot.deliver("vite:hmr", "ignored")
	hot.deliver("test:rpc", "two")
	assert.Equal(t, []string{"one", "two"}, got)

	require.NoError(t, ch.Send(context.Background(), []byte("out")))
	assert.Equal(t, []sentEvent{{"test:rpc", "out"}}, hot.sent)
	assert.True(t, ch.Connected())
}

func TestHotChannelQueueAndFlush(t *testing.T) {
	conn := newFakeConnector()
	first := newFakeHot()
	conn.next <- first
	ch, err := NewHotChannel(context.Background(), conn.connect,
		WithBackoff(fastBackoff()),
		WithChannelLogger(zerolog.Nop()),
	)
	require.NoError(t, err)
	defer ch.Close()
	<-conn.calls

	first.Close()
	// wait for the reconnect attempt, which blocks until a context is queued
	<-conn.calls
	require.Eventually(t, func() bool { return !ch.Connected() }, time.Second, time.Millisecond)
	assert.True(t, ch.Status().Connecting())

	ctx := context.Background()
	require.NoError(t, ch.Send(ctx, []byte("p1")))
	require.NoError(t, ch.Send(ctx, []byte("p2")))
	assert.Equal(t, 2, ch.Queued())

	second := newFakeHot()
	conn.next <- second
	require.Eventually(t, ch.Connected, time.Second, time.Millisecond)
	require.NoError(t, ch.Send(ctx, []byte("p3")))

	assert.Equal(t, []string{"p1", "p2", "p3"}, second.sentData())
	assert.Empty(t, first.sentData())
	assert.Equal(t, 0, ch.Queued())
	assert.Eventually(t, func() bool { return !ch.Status().Connecting() }, time.Second, time.Millisecond)
}

func TestHotChannelQueueFull(t *testing.T) {
	conn := newFakeConnector()
	hot := newFakeHot()
	conn.next <- hot
	ch, err := NewHotChannel(context.Background(), conn.connect,
		WithQueueSize(1),
		WithBackoff(fastBackoff()),
		WithChannelLogger(zerolog.Nop()),
	)
	require.NoError(t, err)
	defer ch.Close()

	hot.Close()
	require.Eventually(t, func() bool { return !ch.Connected() }, time.Second, time.Millisecond)

	require.NoError(t, ch.Send(context.Background(), []byte("kept")))
	assert.ErrorIs(t, ch.Send(context.Background(), []byte("lost")), ErrQueueFull)
}

func TestHotChannelClose(t *testing.T) {
	conn := newFakeConnector()
	hot := newFakeHot()
	conn.next <- hot
	ch, err := NewHotChannel(context.Background(), conn.connect, WithChannelLogger(zerolog.Nop()))
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Send(context.Background(), []byte("x")), ErrClosed)
	select {
	case <-hot.Done():
	default:
		t.Fatal("hot context not closed")
	}
}

func TestConnChannel(t *testing.T) {
	hot := newFakeHot()
	ch := NewConnChannel(hot, "")

	var got []string
	ch.OnMessage(func(p []byte) { got = append(got, string(p)) })
	hot.deliver(DefaultEventName, "in")
	assert.Equal(t, []string{"in"}, got)

	require.NoError(t, ch.Send(context.Background(), []byte("out")))
	assert.Equal(t, []sentEvent{{DefaultEventName, "out"}}, hot.sent)

	hot.Close()
	assert.ErrorIs(t, ch.Send(context.Background(), []byte("late")), ErrClosed)
}

func TestStatusDebounce(t *testing.T) {
	s := NewStatus(30 * time.Millisecond)

	s.SetConnecting(true)
	assert.True(t, s.Connecting())
	assert.False(t, s.ConnectingDebounced())
	assert.Eventually(t, s.ConnectingDebounced, time.Second, 5*time.Millisecond)

	s.SetConnecting(false)
	assert.False(t, s.Connecting())
	assert.False(t, s.ConnectingDebounced())

	// a short blip never shows
	s.SetConnecting(true)
	s.SetConnecting(false)
	time.Sleep(60 * time.Millisecond)
	assert.False(t, s.ConnectingDebounced())
}

func TestNextBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, NextBackoffDelay(cfg, 1, nil))
	assert.Equal(t, 200*time.Millisecond, NextBackoffDelay(cfg, 2, nil))
	assert.Equal(t, 400*time.Millisecond, NextBackoffDelay(cfg, 3, nil))
	assert.Equal(t, time.Second, NextBackoffDelay(cfg, 10, nil))

	cfg.Jitter = true
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		d := NextBackoffDelay(cfg, 3, rng)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.Less(t, d, 600*time.Millisecond)
	}
}

func TestOutboxOrder(t *testing.T) {
	o := newOutbox(3)
	require.NoError(t, o.push([]byte("a")))
	require.NoError(t, o.push([]byte("b")))
	items := o.drain()
	require.NoError(t, o.push([]byte("c")))
	o.requeue(items[1:])
	assert.Equal(t, [][]byte{[]byte("b"), []byte("c")}, o.drain())
	assert.Equal(t, 0, o.len())
}
