// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package birpc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrZAPClosed     = errors.New("zap: connection closed")
	ErrZAPInvalidMsg = errors.New("zap: invalid message")
)

// maxZAPMessage caps one framed message (64MB).
const maxZAPMessage = 64 * 1024 * 1024

// MessageType identifies ZAP message types
type MessageType uint8

const (
	MsgHello    MessageType = 0x01 // client -> server, payload is the base path
	MsgHelloAck MessageType = 0x02
	MsgEvent    MessageType = 0x03 // [2 nameLen][name][data]
	MsgError    MessageType = 0x04 // payload is a message
)

// Encode: [4 len][1 type][payload]
func writeMessage(w io.Writer, typ MessageType, payload []byte) error {
	msgLen := 1 + len(payload)
	if msgLen > maxZAPMessage {
		return fmt.Errorf("%w: %d bytes exceeds limit", ErrZAPInvalidMsg, msgLen)
	}
	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(typ)
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

func readMessage(r io.Reader) (MessageType, []byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	msgLen := binary.BigEndian.Uint32(header)
	if msgLen == 0 || msgLen > maxZAPMessage {
		return 0, nil, fmt.Errorf("%w: length %d", ErrZAPInvalidMsg, msgLen)
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return 0, nil, err
	}
	return MessageType(msg[0]), msg[1:], nil
}

// encodeEvent packs an event name and its data: [2 nameLen][name][data].
func encodeEvent(event string, data []byte) []byte {
	buf := make([]byte, 2+len(event)+len(data))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(event)))
	copy(buf[2:], event)
	copy(buf[2+len(event):], data)
	return buf
}

func decodeEvent(msg []byte) (string, []byte, error) {
	if len(msg) < 2 {
		return "", nil, ErrZAPInvalidMsg
	}
	nameLen := int(binary.BigEndian.Uint16(msg[0:2]))
	if len(msg) < 2+nameLen {
		return "", nil, ErrZAPInvalidMsg
	}
	return string(msg[2 : 2+nameLen]), msg[2+nameLen:], nil
}

// ZAPConn is a hot context over one TCP connection. Reading starts with the
// first call to On.
type ZAPConn struct {
	conn      net.Conn
	writeMu   sync.Mutex
	handlers  sync.Map // event -> func([]byte)
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	readOnce  sync.Once
	log       zerolog.Logger
}

func newZAPConn(conn net.Conn, log zerolog.Logger) *ZAPConn {
	return &ZAPConn{
		conn: conn,
		done: make(chan struct{}),
		log:  log.With().Str("component", "zap").Str("remote", conn.RemoteAddr().String()).Logger(),
	}
}

// ZAPDial connects to a ZAP server and presents base in the handshake.
func ZAPDial(ctx context.Context, addr, base string, timeout time.Duration, log zerolog.Logger) (*ZAPConn, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("zap dial: %w", err)
	}

	deadline, _ := dctx.Deadline()
	conn.SetDeadline(deadline)
	if err := writeMessage(conn, MsgHello, []byte(base)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("zap hello: %w", err)
	}
	typ, payload, err := readMessage(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("zap hello: %w", err)
	}
	switch typ {
	case MsgHelloAck:
	case MsgError:
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrHandshake, payload)
	default:
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected type %#x during handshake", ErrZAPInvalidMsg, typ)
	}
	conn.SetDeadline(time.Time{})
	return newZAPConn(conn, log), nil
}

// Send writes one event message.
func (z *ZAPConn) Send(ctx context.Context, event string, data []byte) error {
	if z.closed.Load() {
		return ErrZAPClosed
	}
	if len(event) > math.MaxUint16 {
		return fmt.Errorf("%w: event name too long", ErrZAPInvalidMsg)
	}
	msg := encodeEvent(event, data)

	z.writeMu.Lock()
	defer z.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		z.conn.SetWriteDeadline(deadline)
		defer z.conn.SetWriteDeadline(time.Time{})
	}
	if err := writeMessage(z.conn, MsgEvent, msg); err != nil {
		z.shutdown()
		return fmt.Errorf("zap write: %w", err)
	}
	return nil
}

// On implements HotContext.
func (z *ZAPConn) On(event string, fn func(data []byte)) {
	z.handlers.Store(event, fn)
	z.readOnce.Do(func() { go z.readLoop() })
}

// Done implements HotContext.
func (z *ZAPConn) Done() <-chan struct{} {
	return z.done
}

// Close closes the connection
func (z *ZAPConn) Close() error {
	z.shutdown()
	return nil
}

func (z *ZAPConn) shutdown() {
	z.closeOnce.Do(func() {
		z.closed.Store(true)
		z.conn.Close()
		close(z.done)
	})
}

func (z *ZAPConn) readLoop() {
	defer z.shutdown()
	for {
		typ, payload, err := readMessage(z.conn)
		if err != nil {
			if !z.closed.Load() && !errors.Is(err, io.EOF) {
				z.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		switch typ {
		case MsgEvent:
			event, data, err := decodeEvent(payload)
			if err != nil {
				z.log.Warn().Err(err).Msg("dropping malformed event")
				continue
			}
			if h, ok := z.handlers.Load(event); ok {
				h.(func([]byte))(data)
			}
		case MsgError:
			z.log.Warn().Str("message", string(payload)).Msg("peer reported error")
		}
	}
}

// ZAPServer accepts ZAP hot contexts
type ZAPServer struct {
	listener         net.Listener
	bases            map[string]bool
	handshakeTimeout time.Duration
	conns            sync.Map
	closed           atomic.Bool
	log              zerolog.Logger
}

// NewZAPServer creates a new ZAP server answering to the given base paths
func NewZAPServer(listener net.Listener, bases []string, handshakeTimeout time.Duration, log zerolog.Logger) *ZAPServer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	accepted := make(map[string]bool, len(bases))
	for _, b := range bases {
		accepted[normalizeBase(b)] = true
	}
	return &ZAPServer{
		listener:         listener,
		bases:            accepted,
		handshakeTimeout: handshakeTimeout,
		log:              log.With().Str("component", "zap-server").Logger(),
	}
}

// Serve starts serving connections
func (s *ZAPServer) Serve(ctx context.Context, accept func(HotContext)) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("zap accept: %w", err)
		}
		go s.handshake(conn, accept)
	}
}

func (s *ZAPServer) handshake(conn net.Conn, accept func(HotContext)) {
	conn.SetDeadline(time.Now().Add(s.handshakeTimeout))
	typ, payload, err := readMessage(conn)
	if err != nil || typ != MsgHello {
		s.log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("handshake failed")
		conn.Close()
		return
	}
	base := normalizeBase(string(payload))
	if !s.bases[base] {
		s.log.Debug().Str("base", base).Msg("rejecting unknown base")
		writeMessage(conn, MsgError, []byte(fmt.Sprintf("unknown base %q", base)))
		conn.Close()
		return
	}
	if err := writeMessage(conn, MsgHelloAck, nil); err != nil {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	zc := newZAPConn(conn, s.log)
	s.conns.Store(zc, struct{}{})
	go func() {
		<-zc.Done()
		s.conns.Delete(zc)
	}()
	if s.closed.Load() {
		zc.Close()
		return
	}
	accept(zc)
}

// Close closes the listener and every accepted connection
func (s *ZAPServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.conns.Range(func(key, _ interface{}) bool {
		key.(*ZAPConn).Close()
		return true
	})
	return s.listener.Close()
}

// Addr returns the listener address
func (s *ZAPServer) Addr() string {
	return s.listener.Addr().String()
}

// dialZAP dials u.Host presenting u's path as the base
func dialZAP(ctx context.Context, u *url.URL, o *dialOptions) (HotContext, error) {
	return ZAPDial(ctx, u.Host, normalizeBase(u.Path), o.handshakeTimeout, o.log)
}

// listenZAP creates a ZAP server
func listenZAP(u *url.URL, o *serverOptions) (HotServer, error) {
	listener, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, err
	}
	bases := make([]string, 0, len(o.bases)+1)
	for b := range o.acceptedBases(u) {
		bases = append(bases, b)
	}
	return NewZAPServer(listener, bases, o.handshakeTimeout, o.log), nil
}
