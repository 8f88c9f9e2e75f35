package schema

import (
	"strings"
	"testing"
)

func compileDoc(t *testing.T, raw string, opts Options) (Schema, []string) {
	t.Helper()
	fm, err := Classify(doc(t, raw))
	if err != nil {
		t.Fatal(err)
	}
	return Compile(fm, opts)
}

func TestCompileRootScalars(t *testing.T) {
	sch, ddl := compileDoc(t, `{"balance": 100.5, "day": 1, "companyName": "m"}`, Options{})

	if sch.Root.Name != "snapshots" {
		t.Fatalf("root = %s", sch.Root.Name)
	}
	for _, want := range []string{"balance", "day", "companyName"} {
		if _, ok := sch.Root.Column(want); !ok {
			t.Errorf("root missing column for %s", want)
		}
	}

	joined := strings.Join(ddl, ";\n")
	if !strings.Contains(joined, "CREATE TABLE IF NOT EXISTS snapshots") {
		t.Error("missing snapshots DDL")
	}
	if !strings.Contains(joined, "balance REAL") {
		t.Errorf("balance column type missing:\n%s", joined)
	}
	if !strings.Contains(joined, "day INTEGER") {
		t.Errorf("day column type missing:\n%s", joined)
	}
}

func TestCompileChildTables(t *testing.T) {
	sch, ddl := compileDoc(t, `{
		"badges": ["gold"],
		"transactions": [{"id": "t1", "amount": 5}],
		"office": {"buildingName": "HQ"},
		"marketValues": {"cpu": {"basePrice": 10}}
	}`, Options{})

	badges := sch.Children["badges"]
	if badges.Role != RoleChild {
		t.Errorf("badges role = %d", badges.Role)
	}
	if _, ok := findColumn(badges, "value"); !ok {
		t.Error("badges missing value column")
	}

	tx := sch.Children["transactions"]
	if _, ok := tx.Column("amount"); !ok {
		t.Error("transactions missing amount")
	}
	if got := mustColumn(t, tx, "id").Name; got != "id_transactions" {
		t.Errorf("id column = %q", got)
	}

	mv := sch.Children["marketValues"]
	if _, ok := findColumn(mv, "key"); !ok {
		t.Error("marketValues missing key column")
	}

	joined := strings.Join(ddl, ";\n")
	if !strings.Contains(joined, "FOREIGN KEY (snapshot_id) REFERENCES snapshots(id)") {
		t.Error("child tables must reference snapshots")
	}
	if !strings.Contains(joined, "UNIQUE (snapshot_id, position)") {
		t.Error("array tables must be unique per (snapshot, position)")
	}
	if !strings.Contains(joined, "UNIQUE (snapshot_id, key)") {
		t.Error("keyed tables must be unique per (snapshot, key)")
	}
}

func mustColumn(t *testing.T, tb Table, source string) Column {
	t.Helper()
	c, ok := tb.Column(source)
	if !ok {
		t.Fatalf("table %s has no column for %s", tb.Name, source)
	}
	return c
}

func TestCompileEntityTables(t *testing.T) {
	deduped := func(f string) bool { return f == "transactions" }
	sch, ddl := compileDoc(t, `{
		"transactions": [{"id": "t1", "amount": 5}],
		"loans": [{"provider": "bank"}]
	}`, Options{Deduped: deduped})

	tx := sch.Children["transactions"]
	if tx.Role != RoleEntity {
		t.Fatalf("transactions role = %d, want entity", tx.Role)
	}
	for _, want := range []string{"natural_key", "first_seen_at", "last_seen_at"} {
		if _, ok := findColumn(tx, want); !ok {
			t.Errorf("entity table missing %s", want)
		}
	}

	link, ok := sch.Links["transactions"]
	if !ok {
		t.Fatal("missing sighting table")
	}
	if link.Name != "transactions_sightings" {
		t.Errorf("link name = %s", link.Name)
	}

	// Non-deduplicated fields stay plain child tables.
	if sch.Children["loans"].Role != RoleChild {
		t.Errorf("loans role = %d", sch.Children["loans"].Role)
	}
	if _, ok := sch.Links["loans"]; ok {
		t.Error("loans must not get a sighting table")
	}

	joined := strings.Join(ddl, ";\n")
	if !strings.Contains(joined, "natural_key TEXT PRIMARY KEY") {
		t.Errorf("entity pk missing:\n%s", joined)
	}
}

func TestExtendIsAdditive(t *testing.T) {
	fm, err := Classify(doc(t, `{"balance": 1, "transactions": [{"id": "t1"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	sch, _ := Compile(fm, Options{})
	before := len(sch.Root.Columns)

	delta, err := fm.Diff(doc(t, `{"balance": 2, "badges": ["gold"], "transactions": [{"id": "t2", "label": "x"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	ext, ddl := Extend(sch, delta, Options{})

	// Original schema untouched (Extend copies).
	if len(sch.Root.Columns) != before {
		t.Error("Extend mutated its input")
	}
	if _, ok := ext.Children["badges"]; !ok {
		t.Error("extended schema missing badges")
	}
	if _, ok := ext.Children["transactions"].Column("label"); !ok {
		t.Error("extended transactions missing label")
	}

	joined := strings.Join(ddl, ";\n")
	if !strings.Contains(joined, "CREATE TABLE IF NOT EXISTS badges") {
		t.Errorf("missing badges DDL:\n%s", joined)
	}
	if !strings.Contains(joined, "ALTER TABLE transactions ADD COLUMN label TEXT") {
		t.Errorf("missing label DDL:\n%s", joined)
	}
	if strings.Contains(joined, "DROP") {
		t.Error("extend emitted a DROP")
	}
}

func TestExtendWidensWithoutDDL(t *testing.T) {
	fm, err := Classify(doc(t, `{"balance": 1}`))
	if err != nil {
		t.Fatal(err)
	}
	sch, _ := Compile(fm, Options{})

	delta, err := fm.Diff(doc(t, `{"balance": 1.5}`))
	if err != nil {
		t.Fatal(err)
	}
	ext, ddl := Extend(sch, delta, Options{})
	if len(ddl) != 0 {
		t.Errorf("widening emitted DDL: %v", ddl)
	}
	if mustColumn(t, ext.Root, "balance").Type != TypeReal {
		t.Error("balance not widened in IR")
	}
}

func TestExtendDegradedFieldGainsRootColumn(t *testing.T) {
	fm, err := Classify(doc(t, `{"investor": {"name": "acme"}}`))
	if err != nil {
		t.Fatal(err)
	}
	sch, _ := Compile(fm, Options{})

	delta, err := fm.Diff(doc(t, `{"investor": "none"}`))
	if err != nil {
		t.Fatal(err)
	}
	ext, ddl := Extend(sch, delta, Options{})

	if _, ok := ext.Root.Column("investor"); !ok {
		t.Error("degraded field must gain a root column")
	}
	// The old child table survives: the layout is monotonic.
	if _, ok := ext.Children["investor"]; !ok {
		t.Error("child table must not be dropped")
	}
	joined := strings.Join(ddl, ";\n")
	if !strings.Contains(joined, "ALTER TABLE snapshots ADD COLUMN investor TEXT") {
		t.Errorf("missing opaque root column DDL:\n%s", joined)
	}
}

func TestSchemaValidate(t *testing.T) {
	sch, _ := compileDoc(t, `{"balance": 1, "transactions": [{"id": "t1"}]}`, Options{})
	if err := sch.Validate(); err != nil {
		t.Fatalf("valid schema rejected: %v", err)
	}

	sch.Root.Columns = append(sch.Root.Columns, Column{Name: "balance"})
	if err := sch.Validate(); err == nil {
		t.Fatal("duplicate column not caught")
	}
}
