package schema

import (
	"fmt"
	"sort"
)

// Role says what a compiled table stores.
type Role int

const (
	// RoleRoot is the snapshots table: one row per ingested document.
	RoleRoot Role = iota
	// RoleChild is a snapshot-scoped table derived from an array, object
	// or keyed-object field.
	RoleChild
	// RoleEntity is a deduplicated table: one row per natural key across
	// all snapshots.
	RoleEntity
	// RoleLink records which snapshots observed which entity.
	RoleLink
)

// Column is one column of a compiled table.
type Column struct {
	Name string `json:"name"`
	// Source is the document property this column stores; empty for
	// system columns.
	Source string     `json:"source,omitempty"`
	Type   ScalarType `json:"type"`
	System bool       `json:"system,omitempty"`
}

// Table is the backend-neutral definition of one table.
type Table struct {
	Name string `json:"name"`
	// Source is the owning top-level field; empty for the root table.
	Source  string   `json:"source,omitempty"`
	Role    Role     `json:"role"`
	Columns []Column `json:"columns"`
	// Unique lists the column names forming the row identity constraint.
	Unique []string `json:"unique,omitempty"`
}

// Column looks up a column by source property.
func (t Table) Column(source string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Source == source && !c.System {
			return c, true
		}
	}
	return Column{}, false
}

// Schema is a full set of compiled table definitions.
type Schema struct {
	Root Table `json:"root"`
	// Children maps top-level field name to its child or entity table.
	Children map[string]Table `json:"children,omitempty"`
	// Links maps deduplicated field name to its sighting table.
	Links map[string]Table `json:"links,omitempty"`
}

// Options configures compilation.
type Options struct {
	// RootTable overrides the root table name. Default: "snapshots".
	RootTable string
	// Deduped reports whether a field has a configured natural key and
	// therefore compiles to an entity + sighting table pair instead of a
	// snapshot-scoped child table. Nil means no field is deduplicated.
	Deduped func(field string) bool
}

func (o *Options) defaults() {
	if o.RootTable == "" {
		o.RootTable = "snapshots"
	}
	if o.Deduped == nil {
		o.Deduped = func(string) bool { return false }
	}
}

// Compile builds the full schema for a FieldMap. It is Extend from an empty
// schema; the returned DDL creates every table.
func Compile(fm FieldMap, opts Options) (Schema, []string) {
	opts.defaults()
	sch := Schema{
		Root:     rootTable(opts.RootTable),
		Children: make(map[string]Table),
		Links:    make(map[string]Table),
	}
	ddl := []string{CreateTableSQL(sch.Root)}
	sch, more := Extend(sch, fm, opts)
	return sch, append(ddl, more...)
}

// Extend grows an existing schema by a FieldMap delta and returns the new
// schema together with the DDL that brings a database from the old layout to
// the new one. It is additive-only: existing columns and tables are never
// dropped or renamed, and a widened column type changes only the IR (SQLite
// storage is dynamically typed, so widening needs no DDL).
func Extend(sch Schema, delta FieldMap, opts Options) (Schema, []string) {
	opts.defaults()
	out := cloneSchema(sch)
	var ddl []string

	for _, name := range sortedFields(delta) {
		f := delta[name]
		switch f.Kind {
		case KindScalar:
			ddl = append(ddl, extendRootScalar(&out, f)...)
		default:
			if opts.Deduped(name) && (f.Kind == KindArrayOfScalar || f.Kind == KindArrayOfObject) {
				ddl = append(ddl, extendEntity(&out, f)...)
			} else {
				ddl = append(ddl, extendChild(&out, f)...)
			}
		}
	}
	return out, ddl
}

func sortedFields(fm FieldMap) []string {
	names := make([]string, 0, len(fm))
	for n := range fm {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func cloneSchema(sch Schema) Schema {
	out := Schema{
		Root:     cloneTable(sch.Root),
		Children: make(map[string]Table, len(sch.Children)),
		Links:    make(map[string]Table, len(sch.Links)),
	}
	for k, t := range sch.Children {
		out.Children[k] = cloneTable(t)
	}
	for k, t := range sch.Links {
		out.Links[k] = cloneTable(t)
	}
	return out
}

func cloneTable(t Table) Table {
	t.Columns = append([]Column(nil), t.Columns...)
	t.Unique = append([]string(nil), t.Unique...)
	return t
}

func rootTable(name string) Table {
	return Table{
		Name: name,
		Role: RoleRoot,
		Columns: []Column{
			{Name: "id", Type: TypeText, System: true},
			{Name: "source_id", Type: TypeText, System: true},
			{Name: "source_name", Type: TypeText, System: true},
			{Name: "seq", Type: TypeInteger, System: true},
			{Name: "captured_at", Type: TypeInteger, System: true},
			{Name: "source_ts", Type: TypeText, System: true},
			{Name: "raw_doc", Type: TypeText, System: true},
		},
		Unique: []string{"source_id"},
	}
}

// extendRootScalar adds or widens a root-table column for a scalar field.
// A field that degraded from a structured kind to an opaque scalar gains a
// root column here while its earlier child table stays untouched.
func extendRootScalar(sch *Schema, f Field) []string {
	col := Column{Name: ColumnName(f.Name, "doc"), Source: f.Name, Type: f.Scalar}
	for i, existing := range sch.Root.Columns {
		if existing.Source == f.Name {
			sch.Root.Columns[i].Type = Widen(existing.Type, f.Scalar)
			return nil
		}
	}
	sch.Root.Columns = append(sch.Root.Columns, col)
	return []string{AddColumnSQL(sch.Root.Name, col)}
}

func extendChild(sch *Schema, f Field) []string {
	existing, ok := sch.Children[f.Name]
	if !ok {
		t := newChildTable(sch.Root.Name, f)
		sch.Children[f.Name] = t
		return []string{CreateTableSQL(t), childIndexSQL(t)}
	}
	t, ddl := growTable(existing, f)
	sch.Children[f.Name] = t
	return ddl
}

func extendEntity(sch *Schema, f Field) []string {
	existing, ok := sch.Children[f.Name]
	if !ok {
		entity := newEntityTable(f)
		link := newLinkTable(sch.Root.Name, f)
		sch.Children[f.Name] = entity
		sch.Links[f.Name] = link
		return []string{
			CreateTableSQL(entity),
			CreateTableSQL(link),
			childIndexSQL(link),
		}
	}
	t, ddl := growTable(existing, f)
	sch.Children[f.Name] = t
	return ddl
}

// growTable adds newly observed item columns to an existing table and widens
// known ones in place.
func growTable(t Table, f Field) (Table, []string) {
	var ddl []string

	// An array that turned out to hold objects keeps its value column and
	// gains item columns; make sure the value column exists.
	if f.Kind == KindArrayOfScalar || f.Kind == KindArrayOfObject {
		if _, ok := findColumn(t, "value"); !ok {
			col := Column{Name: "value", Type: f.Scalar, System: true}
			t.Columns = append(t.Columns, col)
			ddl = append(ddl, AddColumnSQL(t.Name, col))
		}
	}

	for _, prop := range sortedProps(f.Items) {
		typ := f.Items[prop]
		if existing, ok := t.Column(prop); ok {
			for i := range t.Columns {
				if t.Columns[i].Name == existing.Name {
					t.Columns[i].Type = Widen(t.Columns[i].Type, typ)
				}
			}
			continue
		}
		col := Column{Name: ColumnName(prop, f.Name), Source: prop, Type: typ}
		t.Columns = append(t.Columns, col)
		ddl = append(ddl, AddColumnSQL(t.Name, col))
	}
	return t, ddl
}

func findColumn(t Table, name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func sortedProps(items map[string]ScalarType) []string {
	props := make([]string, 0, len(items))
	for p := range items {
		props = append(props, p)
	}
	sort.Strings(props)
	return props
}

func newChildTable(rootName string, f Field) Table {
	t := Table{
		Name:   TableName(f.Name),
		Source: f.Name,
		Role:   RoleChild,
		Columns: []Column{
			{Name: "snapshot_id", Type: TypeText, System: true},
			{Name: "captured_at", Type: TypeInteger, System: true},
			{Name: "source_ts", Type: TypeText, System: true},
		},
	}

	switch f.Kind {
	case KindArrayOfScalar, KindArrayOfObject:
		t.Columns = append(t.Columns,
			Column{Name: "position", Type: TypeInteger, System: true},
			Column{Name: "value", Type: f.Scalar, System: true},
		)
		t.Unique = []string{"snapshot_id", "position"}
	case KindKeyedObject:
		t.Columns = append(t.Columns,
			Column{Name: "key", Type: TypeText, System: true},
		)
		t.Unique = []string{"snapshot_id", "key"}
	case KindObject:
		t.Unique = []string{"snapshot_id"}
	}

	for _, prop := range sortedProps(f.Items) {
		t.Columns = append(t.Columns, Column{
			Name:   ColumnName(prop, f.Name),
			Source: prop,
			Type:   f.Items[prop],
		})
	}

	// Items that cannot be flattened (shape drift) land here serialized.
	t.Columns = append(t.Columns, Column{Name: "item_raw", Type: TypeOpaque, System: true})
	return t
}

func newEntityTable(f Field) Table {
	t := Table{
		Name:   TableName(f.Name),
		Source: f.Name,
		Role:   RoleEntity,
		Columns: []Column{
			{Name: "natural_key", Type: TypeText, System: true},
			{Name: "first_seen_at", Type: TypeInteger, System: true},
			{Name: "first_source_ts", Type: TypeText, System: true},
			{Name: "last_seen_at", Type: TypeInteger, System: true},
			{Name: "value", Type: f.Scalar, System: true},
		},
		Unique: []string{"natural_key"},
	}
	for _, prop := range sortedProps(f.Items) {
		t.Columns = append(t.Columns, Column{
			Name:   ColumnName(prop, f.Name),
			Source: prop,
			Type:   f.Items[prop],
		})
	}
	t.Columns = append(t.Columns, Column{Name: "item_raw", Type: TypeOpaque, System: true})
	return t
}

func newLinkTable(rootName string, f Field) Table {
	return Table{
		Name:   LinkTableName(f.Name),
		Source: f.Name,
		Role:   RoleLink,
		Columns: []Column{
			{Name: "snapshot_id", Type: TypeText, System: true},
			{Name: "position", Type: TypeInteger, System: true},
			// NULL when the item yielded no natural key; such items are
			// stored position-indexed with their payload in item_raw.
			{Name: "natural_key", Type: TypeText, System: true},
			{Name: "item_raw", Type: TypeOpaque, System: true},
			{Name: "captured_at", Type: TypeInteger, System: true},
			{Name: "source_ts", Type: TypeText, System: true},
		},
		Unique: []string{"snapshot_id", "position"},
	}
}

// Validate checks internal consistency of a schema (unique column names per
// table, unique table names). The compiler maintains these by construction;
// Validate exists for schemas deserialized from persisted state.
func (sch Schema) Validate() error {
	seen := map[string]string{}
	check := func(t Table, origin string) error {
		if prev, dup := seen[t.Name]; dup {
			return fmt.Errorf("schema: table %s defined by both %s and %s", t.Name, prev, origin)
		}
		seen[t.Name] = origin
		cols := map[string]struct{}{}
		for _, c := range t.Columns {
			if _, dup := cols[c.Name]; dup {
				return fmt.Errorf("schema: table %s has duplicate column %s", t.Name, c.Name)
			}
			cols[c.Name] = struct{}{}
		}
		return nil
	}
	if err := check(sch.Root, "root"); err != nil {
		return err
	}
	for field, t := range sch.Children {
		if err := check(t, "field "+field); err != nil {
			return err
		}
	}
	for field, t := range sch.Links {
		if err := check(t, "links of "+field); err != nil {
			return err
		}
	}
	return nil
}
