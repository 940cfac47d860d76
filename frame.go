// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package birpc

import (
	"errors"
	"fmt"
)

// FrameType identifies the kind of a frame on the wire.
type FrameType string

const (
	FrameCall     FrameType = "call"
	FrameResponse FrameType = "response"
	FrameError    FrameType = "error"
	FrameEvent    FrameType = "event" // one-way call, never answered
)

// Frame keys on the wire
const (
	keyID        = "id"
	keyType      = "type"
	keyNamespace = "namespace"
	keyMethod    = "method"
	keyArgs      = "args"
	keyResult    = "result"
	keyMessage   = "message"
	keyName      = "name"
)

// Frame is one protocol message. Call and event frames carry Method and
// Args; response frames carry Result; error frames carry Message and Name.
type Frame struct {
	ID        string
	Type      FrameType
	Namespace string
	Method    string
	Args      []interface{}
	Result    interface{}
	Message   string
	Name      string
}

// QualifiedName is the name the frame's target resolves under.
func (f *Frame) QualifiedName() string {
	return joinName(f.Namespace, f.Method)
}

func newCallFrame(id string, typ FrameType, name string, args []interface{}) *Frame {
	ns, method := splitName(name)
	if args == nil {
		args = []interface{}{}
	}
	return &Frame{ID: id, Type: typ, Namespace: ns, Method: method, Args: args}
}

func newResponseFrame(id string, result interface{}) *Frame {
	return &Frame{ID: id, Type: FrameResponse, Result: result}
}

func newErrorFrame(id string, err error) *Frame {
	return &Frame{ID: id, Type: FrameError, Message: err.Error(), Name: errorName(err)}
}

// value renders the frame as the map handed to the codec.
func (f *Frame) value() map[string]interface{} {
	m := map[string]interface{}{
		keyID:   f.ID,
		keyType: string(f.Type),
	}
	switch f.Type {
	case FrameCall, FrameEvent:
		if f.Namespace != "" {
			m[keyNamespace] = f.Namespace
		}
		m[keyMethod] = f.Method
		m[keyArgs] = f.Args
	case FrameResponse:
		m[keyResult] = f.Result
	case FrameError:
		m[keyMessage] = f.Message
		if f.Name != "" {
			m[keyName] = f.Name
		}
	}
	return m
}

// parseFrame validates a decoded value and converts it to a Frame.
func parseFrame(v interface{}) (*Frame, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("frame must be an object, got %T", v)
	}
	if err := validateFrame(m); err != nil {
		return nil, err
	}
	f := &Frame{
		ID:   m[keyID].(string),
		Type: FrameType(m[keyType].(string)),
	}
	f.Namespace, _ = m[keyNamespace].(string)
	f.Method, _ = m[keyMethod].(string)
	f.Message, _ = m[keyMessage].(string)
	f.Name, _ = m[keyName].(string)
	f.Result = m[keyResult]
	if args, ok := m[keyArgs].([]interface{}); ok {
		f.Args = args
	}
	return f, nil
}

// frameMethod recovers the method name of a frame that failed to parse.
func frameMethod(v interface{}) string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	method, _ := m[keyMethod].(string)
	ns, _ := m[keyNamespace].(string)
	return joinName(ns, method)
}

var errEmptyPayload = errors.New("empty payload")
