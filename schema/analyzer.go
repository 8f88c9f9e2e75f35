package schema

import (
	"fmt"

	"github.com/hazyhaar/snapvault/docval"
)

// Classify analyzes a full document and returns its FieldMap. The document
// must be an object; anything else cannot be a snapshot.
func Classify(doc docval.Value) (FieldMap, error) {
	return FieldMap{}.Diff(doc)
}

// Diff classifies doc against the known FieldMap and returns only the fields
// whose classification is new or more general than before. The receiver is
// not modified; callers apply the delta with Apply once the matching DDL has
// been executed.
//
// An empty delta means the document fits the known layout exactly.
func (m FieldMap) Diff(doc docval.Value) (FieldMap, error) {
	if doc.Kind() != docval.Object {
		return nil, fmt.Errorf("schema: document is %s, want object", doc.Kind())
	}

	delta := make(FieldMap)
	for _, name := range doc.Keys() {
		v, _ := doc.Field(name)
		obs := classifyValue(name, v)

		known, seen := m[name]
		if !seen {
			delta[name] = obs
			continue
		}
		merged := merge(known, obs)
		if !known.equal(merged) {
			delta[name] = merged
		}
	}
	return delta, nil
}

// Apply folds a delta produced by Diff into the map.
func (m FieldMap) Apply(delta FieldMap) {
	for name, f := range delta {
		m[name] = f.clone()
	}
}

func (f Field) equal(g Field) bool {
	if f.Name != g.Name || f.Kind != g.Kind || f.Scalar != g.Scalar {
		return false
	}
	if len(f.Items) != len(g.Items) {
		return false
	}
	for k, t := range f.Items {
		if g.Items[k] != t {
			return false
		}
	}
	return true
}
