// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package birpc

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Format selects how the flat table is serialized.
type Format uint8

const (
	FormatJSON Format = iota
	FormatCBOR
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatCBOR:
		return "cbor"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// FlatCodec encodes values as a flat table of entries in which containers
// and strings are referenced by index. Entry 0 is the root. A container
// reachable along several paths, or from itself, is stored once, so shared
// and cyclic references survive a round trip. With FormatJSON the payload is
// wire compatible with the flatted JavaScript package.
type FlatCodec struct {
	Format Format
}

var cborDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

func (c FlatCodec) Encode(v interface{}) ([]byte, error) {
	table, err := flatten(v)
	if err != nil {
		return nil, err
	}
	var data []byte
	switch c.Format {
	case FormatCBOR:
		data, err = cbor.Marshal(table)
	default:
		data, err = json.Marshal(table)
	}
	if err != nil {
		return nil, &CodecError{Type: fmt.Sprintf("%T", v), Reason: err.Error()}
	}
	return data, nil
}

func (c FlatCodec) Decode(data []byte, v interface{}) error {
	out, ok := v.(*interface{})
	if !ok {
		return &CodecError{Type: fmt.Sprintf("%T", v), Reason: "decode target must be *interface{}"}
	}
	var (
		table []interface{}
		err   error
	)
	switch c.Format {
	case FormatCBOR:
		err = cborDecMode.Unmarshal(data, &table)
	default:
		err = json.Unmarshal(data, &table)
	}
	if err != nil {
		return &CodecError{Reason: fmt.Sprintf("malformed %s table: %v", c.Format, err)}
	}
	value, err := unflatten(table)
	if err != nil {
		return err
	}
	*out = value
	return nil
}

// refKey identifies a container by address so repeated visits map to one entry.
type refKey struct {
	typ reflect.Type
	ptr uintptr
	n   int
}

var marshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()

type flattener struct {
	input []reflect.Value
	known map[refKey]string
	strs  map[string]string
}

func flatten(v interface{}) ([]interface{}, error) {
	f := &flattener{
		known: make(map[refKey]string),
		strs:  make(map[string]string),
	}
	root, err := f.child(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	if len(f.input) == 0 {
		return []interface{}{root}, nil
	}
	// f.input grows while entries are expanded.
	out := make([]interface{}, 0, len(f.input))
	for i := 0; i < len(f.input); i++ {
		e, err := f.entry(f.input[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *flattener) push(v reflect.Value) string {
	f.input = append(f.input, v)
	return strconv.Itoa(len(f.input) - 1)
}

// child returns the inline form of v: a primitive, or the index of the
// table entry holding v.
func (f *flattener) child(raw reflect.Value) (interface{}, error) {
	v, key, err := normalize(raw)
	if err != nil {
		return nil, err
	}
	if !v.IsValid() {
		return nil, nil
	}
	switch v.Kind() {
	case reflect.String:
		s := v.String()
		if idx, ok := f.strs[s]; ok {
			return idx, nil
		}
		idx := f.push(v)
		f.strs[s] = idx
		return idx, nil
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		if key != nil {
			if idx, ok := f.known[*key]; ok {
				return idx, nil
			}
		}
		idx := f.push(v)
		if key != nil {
			f.known[*key] = idx
		}
		return idx, nil
	}
	return primitive(v)
}

// entry renders one table entry. Children are replaced by their inline form.
func (f *flattener) entry(v reflect.Value) (interface{}, error) {
	switch v.Kind() {
	case reflect.String:
		return v.String(), nil
	case reflect.Map:
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		m := make(map[string]interface{}, len(keys))
		for _, k := range keys {
			c, err := f.child(v.MapIndex(k))
			if err != nil {
				return nil, err
			}
			m[k.String()] = c
		}
		return m, nil
	case reflect.Slice, reflect.Array:
		arr := make([]interface{}, v.Len())
		for i := range arr {
			c, err := f.child(v.Index(i))
			if err != nil {
				return nil, err
			}
			arr[i] = c
		}
		return arr, nil
	case reflect.Struct:
		fields := structFields(v.Type())
		m := make(map[string]interface{}, len(fields))
		for _, fi := range fields {
			fv, err := v.FieldByIndexErr(fi.index)
			if err != nil {
				// nil embedded pointer
				continue
			}
			if fi.omitEmpty && fv.IsZero() {
				continue
			}
			c, err := f.child(fv)
			if err != nil {
				return nil, err
			}
			m[fi.name] = c
		}
		return m, nil
	}
	return primitive(v)
}

// normalize strips interfaces and pointers and expands json.Marshaler
// values. The returned key is the identity of the container, if it has one.
func normalize(v reflect.Value) (reflect.Value, *refKey, error) {
	var key *refKey
	for v.IsValid() {
		if (v.Kind() == reflect.Interface || v.Kind() == reflect.Ptr) && v.IsNil() {
			return reflect.Value{}, nil, nil
		}
		if v.Kind() == reflect.Interface {
			v = v.Elem()
			continue
		}
		if v.CanInterface() && v.Type().Implements(marshalerType) {
			tree, err := marshalTree(v)
			if err != nil {
				return reflect.Value{}, nil, err
			}
			v, key = reflect.ValueOf(tree), nil
			continue
		}
		if v.Kind() != reflect.Ptr {
			break
		}
		if key == nil {
			key = &refKey{typ: v.Type(), ptr: v.Pointer()}
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return v, nil, nil
	}
	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			return reflect.Value{}, nil, nil
		}
		if v.Type().Key().Kind() != reflect.String {
			return reflect.Value{}, nil, &CodecError{Type: v.Type().String(), Reason: "map keys must be strings"}
		}
		key = &refKey{typ: v.Type(), ptr: v.Pointer()}
	case reflect.Slice:
		if v.IsNil() {
			return reflect.Value{}, nil, nil
		}
		key = nil
		if v.Len() > 0 {
			key = &refKey{typ: v.Type(), ptr: v.Pointer(), n: v.Len()}
		}
	case reflect.Struct, reflect.Array:
	default:
		key = nil
	}
	return v, key, nil
}

func marshalTree(v reflect.Value) (interface{}, error) {
	b, err := v.Interface().(json.Marshaler).MarshalJSON()
	if err != nil {
		return nil, &CodecError{Type: v.Type().String(), Reason: err.Error()}
	}
	var tree interface{}
	if err := json.Unmarshal(b, &tree); err != nil {
		return nil, &CodecError{Type: v.Type().String(), Reason: err.Error()}
	}
	return tree, nil
}

func primitive(v reflect.Value) (interface{}, error) {
	switch v.Kind() {
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint(), nil
	case reflect.Float32, reflect.Float64:
		x := v.Float()
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, &CodecError{Type: v.Type().String(), Reason: "non-finite number"}
		}
		return x, nil
	}
	return nil, &CodecError{Type: v.Type().String(), Reason: "value is not serializable"}
}

type fieldInfo struct {
	name      string
	index     []int
	omitEmpty bool
}

// structFields lists the exported fields of t under their json names.
// Untagged embedded structs contribute their own fields.
func structFields(t reflect.Type) []fieldInfo {
	var fields []fieldInfo
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tag := sf.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if sf.Anonymous && name == "" {
			ft := sf.Type
			if ft.Kind() == reflect.Ptr {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				for _, inner := range structFields(ft) {
					inner.index = append([]int{i}, inner.index...)
					fields = append(fields, inner)
				}
				continue
			}
		}
		if !sf.IsExported() {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		fields = append(fields, fieldInfo{
			name:      name,
			index:     []int{i},
			omitEmpty: strings.Contains(opts, "omitempty"),
		})
	}
	return fields
}

type unflattener struct {
	table []interface{}
	built map[int]interface{}
	queue []int
}

func unflatten(table []interface{}) (interface{}, error) {
	if len(table) == 0 {
		return nil, &CodecError{Reason: "empty table"}
	}
	switch table[0].(type) {
	case map[string]interface{}, []interface{}:
	default:
		return table[0], nil
	}
	u := &unflattener{
		table: table,
		built: make(map[int]interface{}),
	}
	root := u.ref(0)
	for len(u.queue) > 0 {
		i := u.queue[0]
		u.queue = u.queue[1:]
		switch e := u.table[i].(type) {
		case map[string]interface{}:
			m := u.built[i].(map[string]interface{})
			for k, c := range e {
				v, err := u.resolve(c)
				if err != nil {
					return nil, err
				}
				m[k] = v
			}
		case []interface{}:
			s := u.built[i].([]interface{})
			for j, c := range e {
				v, err := u.resolve(c)
				if err != nil {
					return nil, err
				}
				s[j] = v
			}
		}
	}
	return root, nil
}

// ref returns the value for entry i, allocating containers once and
// queueing them to be filled.
func (u *unflattener) ref(i int) interface{} {
	if v, ok := u.built[i]; ok {
		return v
	}
	switch e := u.table[i].(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(e))
		u.built[i] = m
		u.queue = append(u.queue, i)
		return m
	case []interface{}:
		s := make([]interface{}, len(e))
		u.built[i] = s
		u.queue = append(u.queue, i)
		return s
	default:
		u.built[i] = e
		return e
	}
}

func (u *unflattener) resolve(c interface{}) (interface{}, error) {
	s, ok := c.(string)
	if !ok {
		return c, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 || i >= len(u.table) {
		return nil, &CodecError{Reason: fmt.Sprintf("invalid reference %q", s)}
	}
	return u.ref(i), nil
}
