// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package birpc

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// frameSchema describes the frame envelope. Args and result contents are
// application values and are not constrained.
const frameSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "type"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "type": {"enum": ["call", "response", "error", "event"]},
    "namespace": {"type": "string"},
    "method": {"type": "string"},
    "args": {"type": ["array", "null"]},
    "message": {"type": "string"},
    "name": {"type": "string"}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"enum": ["call", "event"]}}},
      "then": {"required": ["method"], "properties": {"method": {"minLength": 1}}}
    },
    {
      "if": {"properties": {"type": {"const": "error"}}},
      "then": {"required": ["message"]}
    }
  ]
}`

var compiledFrameSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(frameSchema))
})

// validateFrame checks the envelope of a decoded frame.
func validateFrame(m map[string]interface{}) error {
	schema, err := compiledFrameSchema()
	if err != nil {
		return fmt.Errorf("compile frame schema: %w", err)
	}
	// Only the envelope is validated; nested values may be cyclic.
	doc := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch v.(type) {
		case []interface{}:
			doc[k] = []interface{}{}
		case map[string]interface{}:
			doc[k] = map[string]interface{}{}
		default:
			doc[k] = v
		}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validate frame: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid frame: %s", strings.Join(msgs, "; "))
}
