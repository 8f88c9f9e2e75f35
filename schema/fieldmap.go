// Package schema turns observed snapshot documents into a relational layout.
//
// It has two halves. The analyzer classifies each top-level document field as
// scalar, array-of-scalar, array-of-object, struct object or keyed collection,
// and produces a FieldMap that can be diffed incrementally as new documents
// arrive. The compiler turns a FieldMap into a typed table-definition IR and
// emits SQLite DDL from it. Both halves are pure; nothing in this package
// touches a database.
//
// The compiled layout is monotonic: columns and tables are only ever added,
// never dropped or retyped. A field whose shape generalizes across
// observations widens its storage type; a field whose shape varies beyond
// repair degrades to an opaque serialized column. That degradation is a
// documented lossy fallback, not an error.
package schema

import (
	"fmt"

	"github.com/hazyhaar/snapvault/docval"
)

// FieldKind classifies a top-level document field.
type FieldKind int

const (
	// KindScalar is a primitive field stored as a root-table column.
	KindScalar FieldKind = iota
	// KindArrayOfScalar is an array of primitives: one child row per
	// element with a single value column.
	KindArrayOfScalar
	// KindArrayOfObject is an array of objects: one child row per element
	// with the union of observed item properties as columns.
	KindArrayOfObject
	// KindObject is a struct-like object: one child row per snapshot with
	// the union of observed properties as columns.
	KindObject
	// KindKeyedObject is an object whose property values are all objects:
	// a collection keyed by property name. One child row per key with the
	// union of inner properties as columns.
	KindKeyedObject
)

func (k FieldKind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindArrayOfScalar:
		return "array-of-scalar"
	case KindArrayOfObject:
		return "array-of-object"
	case KindObject:
		return "object"
	case KindKeyedObject:
		return "keyed-object"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ScalarType is the storage type of a scalar column.
type ScalarType int

const (
	// TypeUnknown means only null has been observed so far.
	TypeUnknown ScalarType = iota
	TypeBool
	TypeInteger
	TypeReal
	TypeText
	// TypeOpaque stores a serialized JSON value. It is the absorbing
	// element of Widen: once a column goes opaque it stays opaque.
	TypeOpaque
)

func (t ScalarType) String() string {
	switch t {
	case TypeUnknown:
		return "unknown"
	case TypeBool:
		return "bool"
	case TypeInteger:
		return "integer"
	case TypeReal:
		return "real"
	case TypeText:
		return "text"
	case TypeOpaque:
		return "opaque"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Widen returns the narrowest type that can store both a and b.
// Unknown widens to anything, integer and real merge to real, and any other
// disagreement degrades to opaque.
func Widen(a, b ScalarType) ScalarType {
	if a == b {
		return a
	}
	if a == TypeUnknown {
		return b
	}
	if b == TypeUnknown {
		return a
	}
	if (a == TypeInteger && b == TypeReal) || (a == TypeReal && b == TypeInteger) {
		return TypeReal
	}
	return TypeOpaque
}

// Field is the classification of one top-level document field.
type Field struct {
	Name string    `json:"name"`
	Kind FieldKind `json:"kind"`

	// Scalar is the element type for KindScalar and KindArrayOfScalar.
	// For array-of-object fields it types the value column used by scalar
	// elements that appear in an otherwise object-valued array.
	Scalar ScalarType `json:"scalar,omitempty"`

	// Items is the union of observed item properties for array-of-object,
	// object and keyed-object fields. Property values that are themselves
	// objects or arrays are typed TypeOpaque; the layout is never
	// expanded more than one level deep.
	Items map[string]ScalarType `json:"items,omitempty"`
}

// FieldMap is the analyzer's output: one Field per observed top-level name.
type FieldMap map[string]Field

// Clone returns a deep copy.
func (m FieldMap) Clone() FieldMap {
	out := make(FieldMap, len(m))
	for name, f := range m {
		out[name] = f.clone()
	}
	return out
}

func (f Field) clone() Field {
	if f.Items != nil {
		items := make(map[string]ScalarType, len(f.Items))
		for k, v := range f.Items {
			items[k] = v
		}
		f.Items = items
	}
	return f
}

// merge folds a new observation of the same field into the known
// classification. The result is always at least as general as both inputs.
func merge(known, obs Field) Field {
	if known.Kind == obs.Kind {
		out := known.clone()
		out.Scalar = Widen(known.Scalar, obs.Scalar)
		for name, t := range obs.Items {
			if out.Items == nil {
				out.Items = make(map[string]ScalarType)
			}
			out.Items[name] = Widen(out.Items[name], t)
		}
		return out
	}

	// An empty array classifies as array-of-scalar/unknown; objects showing
	// up later upgrade it. Scalar elements in an object array keep flowing
	// into the value column, so nothing observed earlier is lost.
	if (known.Kind == KindArrayOfScalar && obs.Kind == KindArrayOfObject) ||
		(known.Kind == KindArrayOfObject && obs.Kind == KindArrayOfScalar) {
		out := known.clone()
		out.Kind = KindArrayOfObject
		out.Scalar = Widen(known.Scalar, obs.Scalar)
		for name, t := range obs.Items {
			if out.Items == nil {
				out.Items = make(map[string]ScalarType)
			}
			out.Items[name] = Widen(out.Items[name], t)
		}
		return out
	}

	// Any other disagreement (object one day, primitive the next) degrades
	// the field to an opaque scalar column. Lossy fallback per design.
	return Field{Name: known.Name, Kind: KindScalar, Scalar: TypeOpaque}
}

// classifyValue classifies one observed value of a top-level field.
// Null observations carry no shape information and classify as
// scalar/unknown, which merge treats as a no-op.
func classifyValue(name string, v docval.Value) Field {
	switch v.Kind() {
	case docval.Null:
		return Field{Name: name, Kind: KindScalar, Scalar: TypeUnknown}
	case docval.Bool:
		return Field{Name: name, Kind: KindScalar, Scalar: TypeBool}
	case docval.Number:
		return Field{Name: name, Kind: KindScalar, Scalar: numberType(v)}
	case docval.String:
		return Field{Name: name, Kind: KindScalar, Scalar: TypeText}
	case docval.Array:
		return classifyArray(name, v)
	case docval.Object:
		return classifyObject(name, v)
	}
	return Field{Name: name, Kind: KindScalar, Scalar: TypeOpaque}
}

func numberType(v docval.Value) ScalarType {
	if _, err := v.Int64(); err == nil {
		return TypeInteger
	}
	return TypeReal
}

func classifyArray(name string, v docval.Value) Field {
	f := Field{Name: name, Kind: KindArrayOfScalar, Scalar: TypeUnknown}
	for i := 0; i < v.Len(); i++ {
		el := v.Index(i)
		switch el.Kind() {
		case docval.Null:
			// no information
		case docval.Object:
			f.Kind = KindArrayOfObject
			for _, prop := range el.Keys() {
				pv, _ := el.Field(prop)
				if f.Items == nil {
					f.Items = make(map[string]ScalarType)
				}
				f.Items[prop] = Widen(f.Items[prop], itemType(pv))
			}
		case docval.Array:
			// Nested arrays are never expanded; serialize the element.
			f.Scalar = TypeOpaque
		case docval.Bool:
			f.Scalar = Widen(f.Scalar, TypeBool)
		case docval.Number:
			f.Scalar = Widen(f.Scalar, numberType(el))
		case docval.String:
			f.Scalar = Widen(f.Scalar, TypeText)
		}
	}
	return f
}

func classifyObject(name string, v docval.Value) Field {
	keys := v.Keys()

	// An object whose property values are all objects is a collection
	// keyed by property name (market prices by component, inventory by
	// item). A non-empty struct object rarely matches this shape.
	keyed := len(keys) > 0
	for _, k := range keys {
		pv, _ := v.Field(k)
		if pv.Kind() != docval.Object {
			keyed = false
			break
		}
	}

	f := Field{Name: name, Items: make(map[string]ScalarType)}
	if keyed {
		f.Kind = KindKeyedObject
		for _, k := range keys {
			pv, _ := v.Field(k)
			for _, prop := range pv.Keys() {
				inner, _ := pv.Field(prop)
				f.Items[prop] = Widen(f.Items[prop], itemType(inner))
			}
		}
		return f
	}

	f.Kind = KindObject
	for _, prop := range keys {
		pv, _ := v.Field(prop)
		f.Items[prop] = Widen(f.Items[prop], itemType(pv))
	}
	return f
}

// itemType types a second-level value. Objects and arrays at this depth are
// stored serialized.
func itemType(v docval.Value) ScalarType {
	switch v.Kind() {
	case docval.Null:
		return TypeUnknown
	case docval.Bool:
		return TypeBool
	case docval.Number:
		return numberType(v)
	case docval.String:
		return TypeText
	default:
		return TypeOpaque
	}
}
