// Package dedup defines per-entity-type natural keys: the values used to
// recognize "the same real-world fact" across independent snapshots.
//
// A policy is data, not code baked into the engine. Three key shapes cover
// the source domain:
//
//   - identity: the item carries its own unique identifier
//   - bucketed: identifier plus a coarse time bucket, so the same
//     identifier recurs as a new fact once per bucket
//   - value: the item's own content is the key (a named achievement)
//
// An item for which the key function yields nothing falls back to ordinary
// position-indexed storage.
package dedup

import (
	"fmt"

	"github.com/hazyhaar/snapvault/docval"
)

// Conflict says what to do when a key is observed again.
type Conflict int

const (
	// IgnoreDuplicate keeps the first-seen row untouched.
	IgnoreDuplicate Conflict = iota
	// UpdateLastSeen keeps the row but advances its last_seen_at stamp.
	UpdateLastSeen
)

// KeyFunc computes an item's natural key. ok is false when the item carries
// no usable key and must be stored as a plain child row.
type KeyFunc func(item docval.Value) (key string, ok bool)

// Policy binds one entity type (a top-level document field) to a key shape
// and a conflict rule.
type Policy struct {
	// Field is the top-level document field this policy governs.
	Field string
	// Conflict is applied when the key already exists in the store.
	Conflict Conflict

	key KeyFunc
}

// NewPolicy builds a policy from an explicit key function.
func NewPolicy(field string, key KeyFunc, onConflict Conflict) Policy {
	return Policy{Field: field, Conflict: onConflict, key: key}
}

// Key computes the natural key of one item under this policy.
func (p Policy) Key(item docval.Value) (string, bool) {
	if p.key == nil {
		return "", false
	}
	return p.key(item)
}

// IdentityKey keys an item by a single identifier property.
func IdentityKey(prop string) KeyFunc {
	return func(item docval.Value) (string, bool) {
		v, ok := item.Field(prop)
		if !ok {
			return "", false
		}
		return scalarText(v)
	}
}

// BucketedKey keys an item by an identifier plus a coarse time bucket. The
// same identifier seen in a different bucket is a new fact.
func BucketedKey(idProp, bucketProp string) KeyFunc {
	return func(item docval.Value) (string, bool) {
		id, ok := item.Field(idProp)
		if !ok {
			return "", false
		}
		idText, ok := scalarText(id)
		if !ok {
			return "", false
		}
		bucket, ok := item.Field(bucketProp)
		if !ok {
			return "", false
		}
		bucketText, ok := scalarText(bucket)
		if !ok {
			return "", false
		}
		return idText + "@" + bucketText, true
	}
}

// ValueKey keys an item by its own content: scalars by their text, objects
// and arrays by their canonical serialization. Globally unique forever.
func ValueKey() KeyFunc {
	return func(item docval.Value) (string, bool) {
		if text, ok := scalarText(item); ok {
			return text, true
		}
		if item.IsNull() {
			return "", false
		}
		return string(item.Encode()), true
	}
}

func scalarText(v docval.Value) (string, bool) {
	switch v.Kind() {
	case docval.String:
		return v.Str(), true
	case docval.Number:
		return v.NumberText(), true
	case docval.Bool:
		if v.Bool() {
			return "true", true
		}
		return "false", true
	}
	return "", false
}

// Registry holds the configured policies keyed by entity type.
type Registry map[string]Policy

// Add registers a policy. Registering the same field twice is a programming
// error and fails loudly.
func (r Registry) Add(p Policy) error {
	if p.Field == "" {
		return fmt.Errorf("dedup: policy without field")
	}
	if _, dup := r[p.Field]; dup {
		return fmt.Errorf("dedup: duplicate policy for %s", p.Field)
	}
	r[p.Field] = p
	return nil
}

// Lookup returns the policy for a field, if any.
func (r Registry) Lookup(field string) (Policy, bool) {
	p, ok := r[field]
	return p, ok
}

// Has reports whether a field is deduplicated. Its method value plugs
// directly into schema compilation.
func (r Registry) Has(field string) bool {
	_, ok := r[field]
	return ok
}
