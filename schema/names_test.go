package schema

import (
	"strings"
	"testing"
)

func TestColumnNamePassthrough(t *testing.T) {
	if got := ColumnName("amount", "transactions"); got != "amount" {
		t.Errorf("amount -> %q", got)
	}
	if got := ColumnName("basePrice", "marketValues"); got != "basePrice" {
		t.Errorf("basePrice -> %q", got)
	}
}

func TestColumnNameSystemCollision(t *testing.T) {
	// A document property named "id" must not shadow the generated id
	// column; the owning field's name is the documented suffix.
	if got := ColumnName("id", "transactions"); got != "id_transactions" {
		t.Errorf("id -> %q", got)
	}
	if got := ColumnName("value", "badges"); got != "value_badges" {
		t.Errorf("value -> %q", got)
	}
}

func TestColumnNameReservedWord(t *testing.T) {
	if got := ColumnName("order", "employees"); got != "order_employees" {
		t.Errorf("order -> %q", got)
	}
	// Case-insensitive: SQLite treats SELECT and select the same.
	if got := ColumnName("Select", "x"); got != "Select_x" {
		t.Errorf("Select -> %q", got)
	}
}

func TestColumnNameTotal(t *testing.T) {
	// Never empty, never panics, always deterministic, including hostile
	// inputs.
	inputs := []struct{ prop, owner string }{
		{"", ""},
		{"123", ""},
		{"weird name!", "also weird"},
		{"snapshot_id", "snapshot"},
		{"id", ""},
		{"キー", "テーブル"},
	}
	for _, in := range inputs {
		a := ColumnName(in.prop, in.owner)
		b := ColumnName(in.prop, in.owner)
		if a == "" || a != b {
			t.Errorf("ColumnName(%q, %q) = %q / %q", in.prop, in.owner, a, b)
		}
		for _, r := range a {
			ok := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			if !ok {
				t.Errorf("ColumnName(%q, %q) = %q contains %q", in.prop, in.owner, a, r)
			}
		}
	}
}

func TestTableNameCollisions(t *testing.T) {
	if got := TableName("transactions"); got != "transactions" {
		t.Errorf("transactions -> %q", got)
	}
	if got := TableName("order"); got != "order_t" {
		t.Errorf("order -> %q", got)
	}
	// System table names are claimed by the store.
	if got := TableName("snapshots"); got != "snapshots_t" {
		t.Errorf("snapshots -> %q", got)
	}
	if got := TableName("ingest_queue"); got != "ingest_queue_t" {
		t.Errorf("ingest_queue -> %q", got)
	}
}

func TestLinkTableName(t *testing.T) {
	if got := LinkTableName("transactions"); got != "transactions_sightings" {
		t.Errorf("link -> %q", got)
	}
}

func TestCleanLeadingDigit(t *testing.T) {
	got := TableName("2ndFloor")
	if !strings.HasPrefix(got, "f_") {
		t.Errorf("2ndFloor -> %q", got)
	}
}
