package schema

import "strings"

// Name derivation is pure and total: every input produces a usable SQL
// identifier, and the same input always produces the same output. Collisions
// with reserved words or system columns are resolved by appending a fixed
// suffix (the owning field's name for columns, "_t" for tables), never by
// failing.

// reservedWords is the set of SQLite keywords that cannot appear as bare
// identifiers, plus a few that can but read badly in generated DDL.
var reservedWords = map[string]struct{}{
	"abort": {}, "action": {}, "add": {}, "after": {}, "all": {}, "alter": {},
	"and": {}, "as": {}, "asc": {}, "autoincrement": {}, "before": {},
	"begin": {}, "between": {}, "by": {}, "cascade": {}, "case": {},
	"check": {}, "collate": {}, "column": {}, "commit": {}, "constraint": {},
	"create": {}, "cross": {}, "current_date": {}, "current_time": {},
	"current_timestamp": {}, "default": {}, "deferrable": {}, "delete": {},
	"desc": {}, "distinct": {}, "drop": {}, "each": {}, "else": {}, "end": {},
	"escape": {}, "except": {}, "exists": {}, "foreign": {}, "from": {},
	"full": {}, "group": {}, "having": {}, "in": {}, "index": {}, "inner": {},
	"insert": {}, "intersect": {}, "into": {}, "is": {}, "isnull": {},
	"join": {}, "left": {}, "like": {}, "limit": {}, "natural": {}, "not": {},
	"notnull": {}, "null": {}, "offset": {}, "on": {}, "or": {}, "order": {},
	"outer": {}, "primary": {}, "references": {}, "regexp": {}, "rename": {},
	"replace": {}, "restrict": {}, "right": {}, "rollback": {},
	"row": {}, "select": {}, "set": {}, "table": {}, "then": {}, "to": {},
	"transaction": {}, "trigger": {}, "union": {}, "unique": {}, "update": {},
	"using": {}, "values": {}, "when": {}, "where": {},
}

// systemColumns are names the compiler claims on every generated table.
// A document property with one of these names gets the collision suffix.
var systemColumns = map[string]struct{}{
	"id": {}, "snapshot_id": {}, "position": {}, "key": {}, "value": {},
	"item_raw": {}, "natural_key": {}, "captured_at": {}, "source_ts": {},
	"first_seen_at": {}, "first_source_ts": {}, "last_seen_at": {},
	"source_id": {}, "source_name": {}, "seq": {}, "raw_doc": {},
}

// systemTables are table names reserved for the store's own bookkeeping.
var systemTables = map[string]struct{}{
	"snapshots": {}, "schema_registry": {}, "ingest_queue": {}, "ingest_audit": {},
}

// clean maps an arbitrary field name onto identifier characters. Original
// casing is preserved (the source documents use camelCase throughout, and
// SQLite identifiers are case-insensitive).
func clean(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if s == "" {
		s = "f"
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "f_" + s
	}
	return s
}

// TableName derives the SQL table name for a top-level document field.
func TableName(field string) string {
	n := clean(field)
	lower := strings.ToLower(n)
	if _, rsv := reservedWords[lower]; rsv {
		return n + "_t"
	}
	if _, sys := systemTables[lower]; sys {
		return n + "_t"
	}
	return n
}

// LinkTableName derives the name of the sighting table that records which
// snapshots observed a deduplicated entity.
func LinkTableName(field string) string {
	return TableName(field) + "_sightings"
}

// ColumnName derives the SQL column name for a document property. owner is
// the owning field's name; root-table scalars use owner "doc".
func ColumnName(prop, owner string) string {
	n := clean(prop)
	lower := strings.ToLower(n)
	_, rsv := reservedWords[lower]
	_, sys := systemColumns[lower]
	if !rsv && !sys {
		return n
	}
	suffixed := n + "_" + clean(owner)
	// The suffixed form can itself collide only if owner cleans to a
	// string that recreates a system name; one more fixed suffix makes
	// the function total.
	lower = strings.ToLower(suffixed)
	if _, rsv := reservedWords[lower]; rsv {
		return suffixed + "_c"
	}
	if _, sys := systemColumns[lower]; sys {
		return suffixed + "_c"
	}
	return suffixed
}
