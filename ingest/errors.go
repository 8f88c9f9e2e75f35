package ingest

import "fmt"

// ValidationError reports a document that cannot be ingested as-is: not a
// JSON object, or missing a required root scalar. Nothing is persisted.
type ValidationError struct {
	Field  string // the offending root field, empty for document-level faults
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("ingest: invalid document: %s", e.Reason)
	}
	return fmt.Sprintf("ingest: invalid document: field %q %s", e.Field, e.Reason)
}

// SchemaDriftError reports a drift the compiler cannot absorb additively,
// such as an item the field's key policy cannot classify. It is logged and
// the item is kept serialized; the snapshot itself still commits.
type SchemaDriftError struct {
	Field  string
	Reason string
}

func (e *SchemaDriftError) Error() string {
	return fmt.Sprintf("ingest: schema drift: field %q %s", e.Field, e.Reason)
}

// StorageError wraps a database failure during ingestion. The transaction is
// rolled back, so the store is unchanged.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ingest: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
