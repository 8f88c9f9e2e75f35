// Package docval models a raw snapshot document as a tagged-variant value
// tree (Null/Bool/Number/String/Array/Object). All field access in the
// ingestion path goes through this type; there are no ad hoc map lookups
// downstream of the decoder.
//
// Numbers keep their original decimal text so a stored raw backup can be
// decoded back into a value equal to the one that was ingested.
//
// Typical usage:
//
//	v, err := docval.Decode(raw)
//	balance, ok := v.Field("balance")
package docval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Kind discriminates the variant held by a Value.
type Kind int

const (
	Null Kind = iota
	Bool
	Number
	String
	Array
	Object
)

// String returns the kind name used in logs and drift messages.
func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Value is one node of a document tree. The zero Value is Null.
type Value struct {
	kind Kind
	b    bool
	num  string // decimal text as it appeared in the source
	str  string
	arr  []Value
	obj  map[string]Value
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is the null variant.
func (v Value) IsNull() bool { return v.kind == Null }

// Bool returns the bool payload. Valid only for Bool values.
func (v Value) Bool() bool { return v.b }

// NumberText returns the number's original decimal text.
func (v Value) NumberText() string { return v.num }

// Float64 converts a Number to float64.
func (v Value) Float64() (float64, error) {
	if v.kind != Number {
		return 0, fmt.Errorf("docval: float64 of %s value", v.kind)
	}
	return strconv.ParseFloat(v.num, 64)
}

// Int64 converts a Number to int64. Fails on fractional values.
func (v Value) Int64() (int64, error) {
	if v.kind != Number {
		return 0, fmt.Errorf("docval: int64 of %s value", v.kind)
	}
	return strconv.ParseInt(v.num, 10, 64)
}

// Str returns the string payload. Valid only for String values.
func (v Value) Str() string { return v.str }

// Len returns the element count for Array values and the property count for
// Object values. Zero for everything else.
func (v Value) Len() int {
	switch v.kind {
	case Array:
		return len(v.arr)
	case Object:
		return len(v.obj)
	}
	return 0
}

// Index returns the i-th element of an Array value.
func (v Value) Index(i int) Value {
	if v.kind != Array || i < 0 || i >= len(v.arr) {
		return Value{}
	}
	return v.arr[i]
}

// Field looks up a property of an Object value.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != Object {
		return Value{}, false
	}
	f, ok := v.obj[name]
	return f, ok
}

// Keys returns the property names of an Object value sorted lexically, so
// iteration order is deterministic across processes.
func (v Value) Keys() []string {
	if v.kind != Object {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Decode parses a JSON document into a Value tree.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, fmt.Errorf("docval: decode: %w", err)
	}
	// Trailing garbage after the document is a malformed input, not an
	// extra document.
	if dec.More() {
		return Value{}, fmt.Errorf("docval: decode: trailing data after document")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	return fromToken(dec, tok)
}

func fromToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return Value{}, nil
	case bool:
		return Value{kind: Bool, b: t}, nil
	case json.Number:
		return Value{kind: Number, num: t.String()}, nil
	case string:
		return Value{kind: String, str: t}, nil
	case json.Delim:
		switch t {
		case '[':
			var arr []Value
			for dec.More() {
				el, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				arr = append(arr, el)
			}
			if _, err := dec.Token(); err != nil { // closing ]
				return Value{}, err
			}
			return Value{kind: Array, arr: arr}, nil
		case '{':
			obj := make(map[string]Value)
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("object key is %T", keyTok)
				}
				el, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				obj[key] = el
			}
			if _, err := dec.Token(); err != nil { // closing }
				return Value{}, err
			}
			return Value{kind: Object, obj: obj}, nil
		}
	}
	return Value{}, fmt.Errorf("unexpected token %v", tok)
}

// Encode serializes the value back to JSON. Object keys are emitted in
// sorted order, so Encode is deterministic.
func (v Value) Encode() []byte {
	var buf bytes.Buffer
	v.encode(&buf)
	return buf.Bytes()
}

func (v Value) encode(buf *bytes.Buffer) {
	switch v.kind {
	case Null:
		buf.WriteString("null")
	case Bool:
		buf.WriteString(strconv.FormatBool(v.b))
	case Number:
		buf.WriteString(v.num)
	case String:
		b, _ := json.Marshal(v.str)
		buf.Write(b)
	case Array:
		buf.WriteByte('[')
		for i, el := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			el.encode(buf)
		}
		buf.WriteByte(']')
	case Object:
		buf.WriteByte('{')
		for i, k := range v.Keys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			v.obj[k].encode(buf)
		}
		buf.WriteByte('}')
	}
}

// Equal reports structural equality modulo object key ordering. Numbers
// compare by numeric value, so 1.0 and 1 are equal.
func (v Value) Equal(w Value) bool {
	if v.kind != w.kind {
		return false
	}
	switch v.kind {
	case Null:
		return true
	case Bool:
		return v.b == w.b
	case Number:
		if v.num == w.num {
			return true
		}
		a, errA := strconv.ParseFloat(v.num, 64)
		b, errB := strconv.ParseFloat(w.num, 64)
		return errA == nil && errB == nil && a == b
	case String:
		return v.str == w.str
	case Array:
		if len(v.arr) != len(w.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(w.arr[i]) {
				return false
			}
		}
		return true
	case Object:
		if len(v.obj) != len(w.obj) {
			return false
		}
		for k, el := range v.obj {
			other, ok := w.obj[k]
			if !ok || !el.Equal(other) {
				return false
			}
		}
		return true
	}
	return false
}
