// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package birpc

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, c Codec, v interface{}) interface{} {
	t.Helper()
	data, err := c.Encode(v)
	require.NoError(t, err)
	var out interface{}
	require.NoError(t, c.Decode(data, &out))
	return out
}

func samePointer(a, b interface{}) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

func TestFlatWireFormat(t *testing.T) {
	data, err := FlatCodec{}.Encode(map[string]interface{}{
		"a": "x",
		"b": 1,
		"c": true,
		"d": nil,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"a":"1","b":1,"c":true,"d":null},"x"]`, string(data))
}

func TestFlatPrimitiveRoots(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		wire string
		want interface{}
	}{
		{"string", "hello", `["hello"]`, "hello"},
		{"number", 42, `[42]`, float64(42)},
		{"bool", false, `[false]`, false},
		{"nil", nil, `[null]`, nil},
		{"numeric string", "7", `["7"]`, "7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := FlatCodec{}.Encode(tt.in)
			require.NoError(t, err)
			assert.JSONEq(t, tt.wire, string(data))

			var out interface{}
			require.NoError(t, FlatCodec{}.Decode(data, &out))
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestFlatStringsAreReferences(t *testing.T) {
	// A string that looks like an index must not be confused with one.
	out := roundTrip(t, FlatCodec{}, map[string]interface{}{
		"idx":  "0",
		"same": "0",
		"text": "value",
	})
	assert.Equal(t, map[string]interface{}{"idx": "0", "same": "0", "text": "value"}, out)
}

func TestFlatSharedReference(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatCBOR} {
		t.Run(format.String(), func(t *testing.T) {
			shared := map[string]interface{}{"x": 1}
			out := roundTrip(t, FlatCodec{Format: format}, map[string]interface{}{
				"a": shared,
				"b": shared,
			})
			m := out.(map[string]interface{})
			a := m["a"].(map[string]interface{})
			b := m["b"].(map[string]interface{})
			assert.True(t, samePointer(a, b), "shared object decoded twice")
			assert.EqualValues(t, 1, a["x"])
		})
	}
}

func TestFlatSelfCycle(t *testing.T) {
	root := map[string]interface{}{"name": "root"}
	root["self"] = root

	data, err := FlatCodec{}.Encode(root)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"1","self":"0"},"root"]`, string(data))

	var out interface{}
	require.NoError(t, FlatCodec{}.Decode(data, &out))
	m := out.(map[string]interface{})
	assert.Equal(t, "root", m["name"])
	assert.True(t, samePointer(m, m["self"]))
}

func TestFlatSliceCycle(t *testing.T) {
	list := make([]interface{}, 2)
	list[0] = "head"
	list[1] = list

	out := roundTrip(t, FlatCodec{}, list)
	s := out.([]interface{})
	require.Len(t, s, 2)
	assert.Equal(t, "head", s[0])
	inner := s[1].([]interface{})
	assert.Same(t, &s[0], &inner[0])
}

func TestFlatPointerCycle(t *testing.T) {
	type node struct {
		Name string `json:"name"`
		Next *node  `json:"next,omitempty"`
	}
	a := &node{Name: "a"}
	b := &node{Name: "b", Next: a}
	a.Next = b

	out := roundTrip(t, FlatCodec{}, a)
	na := out.(map[string]interface{})
	nb := na["next"].(map[string]interface{})
	assert.Equal(t, "a", na["name"])
	assert.Equal(t, "b", nb["name"])
	assert.True(t, samePointer(na, nb["next"]))
}

func TestFlatStructTags(t *testing.T) {
	type inner struct {
		Depth int `json:"depth"`
	}
	type value struct {
		inner
		Label   string   `json:"label"`
		Skip    string   `json:"-"`
		Empty   string   `json:"empty,omitempty"`
		Tags    []string `json:"tags"`
		private int
	}
	out := roundTrip(t, FlatCodec{}, value{
		inner:   inner{Depth: 3},
		Label:   "x",
		Skip:    "never",
		Tags:    []string{"a", "b"},
		private: 1,
	})
	assert.Equal(t, map[string]interface{}{
		"depth": float64(3),
		"label": "x",
		"tags":  []interface{}{"a", "b"},
	}, out)
}

func TestFlatDeepNesting(t *testing.T) {
	const depth = 100000
	root := map[string]interface{}{}
	cur := root
	for i := 0; i < depth; i++ {
		next := map[string]interface{}{}
		cur["child"] = next
		cur = next
	}
	cur["leaf"] = true

	out := roundTrip(t, FlatCodec{}, root)
	m := out.(map[string]interface{})
	for i := 0; i < depth; i++ {
		m = m["child"].(map[string]interface{})
	}
	assert.Equal(t, true, m["leaf"])
}

func TestFlatCBOR(t *testing.T) {
	c := FlatCodec{Format: FormatCBOR}
	out := roundTrip(t, c, map[string]interface{}{
		"n":    -2,
		"s":    "text",
		"list": []interface{}{1.5, "text", nil},
	})
	m := out.(map[string]interface{})
	assert.EqualValues(t, -2, m["n"])
	assert.Equal(t, "text", m["s"])
	assert.Equal(t, []interface{}{1.5, "text", nil}, m["list"])
}

func TestFlatEncodeErrors(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
	}{
		{"func", map[string]interface{}{"f": func() {}}},
		{"chan", []interface{}{make(chan int)}},
		{"complex", complex(1, 2)},
		{"int keys", map[int]string{1: "a"}},
		{"nan", math.NaN()},
		{"inf", []float64{math.Inf(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FlatCodec{}.Encode(tt.in)
			var ce *CodecError
			require.True(t, errors.As(err, &ce), "got %v", err)
		})
	}
}

func TestFlatDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not an array", `{"a":1}`},
		{"empty table", `[]`},
		{"out of range", `[{"a":"7"}]`},
		{"negative", `[["-1"]]`},
		{"not numeric", `[{"a":"x"}]`},
		{"garbage", `[{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out interface{}
			err := FlatCodec{}.Decode([]byte(tt.data), &out)
			var ce *CodecError
			require.True(t, errors.As(err, &ce), "got %v", err)
		})
	}
}

func TestFlatDecodeTarget(t *testing.T) {
	var m map[string]interface{}
	err := FlatCodec{}.Decode([]byte(`[{}]`), &m)
	var ce *CodecError
	assert.True(t, errors.As(err, &ce))
}

func TestNewCodec(t *testing.T) {
	assert.Equal(t, []string{CodecFlat, CodecFlatCBOR, CodecJSON}, AvailableCodecs())

	c, err := NewCodec("")
	require.NoError(t, err)
	assert.Equal(t, FlatCodec{}, c)

	c, err = NewCodec(CodecFlatCBOR)
	require.NoError(t, err)
	assert.Equal(t, FlatCodec{Format: FormatCBOR}, c)

	_, err = NewCodec("xml")
	assert.Error(t, err)
}

func TestJSONCodecCycle(t *testing.T) {
	m := map[string]interface{}{}
	m["self"] = m
	_, err := JSONCodec{}.Encode(m)
	var ce *CodecError
	assert.True(t, errors.As(err, &ce))
}
