// Package idgen produces the identifiers used across the store: snapshot
// ids, queue job ids, audit event ids. UUIDv7 keeps them time-sortable, and
// the prefix says at a glance what kind of row an id belongs to.
package idgen

import "github.com/google/uuid"

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator producing RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends a fixed prefix to every id from gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default generates unprefixed UUIDv7 ids.
var Default Generator = UUIDv7()

// Snapshot generates snapshot row ids.
var Snapshot Generator = Prefixed("snap_", Default)

// Job generates ingestion queue job ids.
var Job Generator = Prefixed("job_", Default)

// Event generates audit event ids.
var Event Generator = Prefixed("evt_", Default)
