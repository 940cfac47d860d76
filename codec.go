// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package birpc

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Codec encodes/decodes frames to the opaque payload handed to a Channel.
// Decode targets are *any.
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

// Codec names
const (
	CodecFlat     = "flat"      // reference-preserving table, JSON encoded (default)
	CodecFlatCBOR = "flat+cbor" // reference-preserving table, CBOR encoded
	CodecJSON     = "json"      // plain tree, no shared references
)

// JSONCodec is a plain JSON codec. Shared references are duplicated and
// cycles fail to encode.
type JSONCodec struct{}

func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, &CodecError{Type: fmt.Sprintf("%T", v), Reason: err.Error()}
	}
	return b, nil
}

func (JSONCodec) Decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &CodecError{Reason: err.Error()}
	}
	return nil
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = FlatCodec{}

var (
	codecsMu sync.RWMutex
	codecs   = map[string]func() Codec{
		CodecFlat:     func() Codec { return FlatCodec{Format: FormatJSON} },
		CodecFlatCBOR: func() Codec { return FlatCodec{Format: FormatCBOR} },
		CodecJSON:     func() Codec { return JSONCodec{} },
	}
)

// RegisterCodec makes a codec available to NewCodec and configuration.
func RegisterCodec(name string, fn func() Codec) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	codecs[name] = fn
}

// NewCodec returns the codec registered under name. An empty name selects
// the default flat codec.
func NewCodec(name string) (Codec, error) {
	if name == "" {
		return defaultCodec, nil
	}
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	fn, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("unknown codec: %s", name)
	}
	return fn(), nil
}

// AvailableCodecs returns the registered codec names, sorted.
func AvailableCodecs() []string {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	result := make([]string, 0, len(codecs))
	for name := range codecs {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}
