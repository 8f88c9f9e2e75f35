package schema

import (
	"fmt"
	"strings"
)

// SQLite emitter. The IR is backend-neutral; everything SQLite-specific
// lives in this file.

// sqlType maps a ScalarType onto a SQLite column type. Opaque and unknown
// columns are TEXT: opaque holds serialized JSON, unknown has only ever held
// NULL.
func sqlType(t ScalarType) string {
	switch t {
	case TypeBool:
		return "BOOLEAN"
	case TypeInteger:
		return "INTEGER"
	case TypeReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

// CreateTableSQL emits CREATE TABLE IF NOT EXISTS for a table definition.
func CreateTableSQL(t Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", t.Name)

	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(",\n")
		}
		fmt.Fprintf(&b, "    %s %s", c.Name, sqlType(c.Type))
		if t.Role == RoleRoot && c.Name == "id" {
			b.WriteString(" PRIMARY KEY")
		}
		if t.Role == RoleEntity && c.Name == "natural_key" {
			b.WriteString(" PRIMARY KEY")
		}
	}

	if ref := snapshotRef(t); ref != "" {
		b.WriteString(",\n    ")
		b.WriteString(ref)
	}
	if uq := uniqueClause(t); uq != "" {
		b.WriteString(",\n    ")
		b.WriteString(uq)
	}
	b.WriteString("\n)")
	return b.String()
}

func snapshotRef(t Table) string {
	if t.Role != RoleChild && t.Role != RoleLink {
		return ""
	}
	return "FOREIGN KEY (snapshot_id) REFERENCES snapshots(id)"
}

func uniqueClause(t Table) string {
	// The entity natural key is already the primary key; the root
	// source_id uniqueness backs idempotent re-ingestion.
	if len(t.Unique) == 0 || (t.Role == RoleEntity && len(t.Unique) == 1 && t.Unique[0] == "natural_key") {
		return ""
	}
	return fmt.Sprintf("UNIQUE (%s)", strings.Join(t.Unique, ", "))
}

// AddColumnSQL emits ALTER TABLE ADD COLUMN for one new column.
func AddColumnSQL(table string, c Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, c.Name, sqlType(c.Type))
}

// childIndexSQL emits the snapshot_id lookup index every snapshot-scoped
// table gets.
func childIndexSQL(t Table) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_snapshot ON %s (snapshot_id)", t.Name, t.Name)
}

// RootIndexSQL emits the query-path indexes for the root table.
func RootIndexSQL(rootName string) []string {
	return []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_captured ON %s (captured_at)", rootName, rootName),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_source_ts ON %s (source_ts)", rootName, rootName),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_seq ON %s (seq)", rootName, rootName),
	}
}
