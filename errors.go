// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package birpc

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrClosed         = errors.New("birpc: session closed")
	ErrTimeout        = errors.New("birpc: call timeout")
	ErrMethodNotFound = errors.New("birpc: method not found")
	ErrQueueFull      = errors.New("birpc: outbox full")
	ErrHandshake      = errors.New("birpc: handshake rejected")
)

// Error names carried in error frames for failures raised by the session
// itself rather than by the invoked function.
const (
	ErrorNameDefault        = "Error"
	ErrorNameMethodNotFound = "MethodNotFoundError"
	ErrorNamePanic          = "PanicError"
	ErrorNameCodec          = "CodecError"
)

// RemoteError is the failure reported by the peer in an error frame.
type RemoteError struct {
	Name    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Is lets callers match remote resolution failures with errors.Is.
func (e *RemoteError) Is(target error) bool {
	return target == ErrMethodNotFound && e.Name == ErrorNameMethodNotFound
}

// TimeoutError is returned when no reply arrives within the session timeout.
type TimeoutError struct {
	ID     string
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("birpc: call %q (id %s) timed out after %s", e.Method, e.ID, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// CodecError reports a value that could not be encoded or a payload that
// could not be decoded.
type CodecError struct {
	Type   string
	Reason string
}

func (e *CodecError) Error() string {
	if e.Type == "" {
		return "birpc codec: " + e.Reason
	}
	return fmt.Sprintf("birpc codec: %s: %s", e.Type, e.Reason)
}

// ProtocolError wraps a frame that arrived but could not be handled.
type ProtocolError struct {
	Method string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("birpc protocol: %v", e.Err)
	}
	return fmt.Sprintf("birpc protocol: %q: %v", e.Method, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ConnectError is returned when no candidate yields a live hot context.
type ConnectError struct {
	Candidates []string
	Err        error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("birpc: unable to connect (tried %s): %v", strings.Join(e.Candidates, ", "), e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// errorName picks the name reported alongside an execution failure.
func errorName(err error) string {
	var named interface{ ErrorName() string }
	if errors.As(err, &named) {
		if n := named.ErrorName(); n != "" {
			return n
		}
	}
	var re *RemoteError
	if errors.As(err, &re) && re.Name != "" {
		return re.Name
	}
	var ce *CodecError
	if errors.As(err, &ce) {
		return ErrorNameCodec
	}
	return ErrorNameDefault
}

// PanicError is reported when an invoked function panics.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	if err, ok := e.Value.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(e.Value)
}

func (e *PanicError) ErrorName() string { return ErrorNamePanic }

func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}
