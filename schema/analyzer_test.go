package schema

import (
	"testing"

	"github.com/hazyhaar/snapvault/docval"
)

func doc(t *testing.T, raw string) docval.Value {
	t.Helper()
	v, err := docval.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestClassifyKinds(t *testing.T) {
	fm, err := Classify(doc(t, `{
		"balance": 1000.5,
		"day": 3,
		"paused": false,
		"companyName": "Momentum",
		"note": null,
		"badges": ["gold", "silver"],
		"transactions": [{"id": "t1", "amount": 100}],
		"office": {"buildingName": "HQ", "floor": 2},
		"marketValues": {"cpu": {"basePrice": 10}, "ram": {"basePrice": 5}}
	}`))
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]FieldKind{
		"balance":      KindScalar,
		"day":          KindScalar,
		"paused":       KindScalar,
		"companyName":  KindScalar,
		"note":         KindScalar,
		"badges":       KindArrayOfScalar,
		"transactions": KindArrayOfObject,
		"office":       KindObject,
		"marketValues": KindKeyedObject,
	}
	for name, kind := range want {
		f, ok := fm[name]
		if !ok {
			t.Errorf("missing field %s", name)
			continue
		}
		if f.Kind != kind {
			t.Errorf("%s: kind = %s, want %s", name, f.Kind, kind)
		}
	}

	if fm["balance"].Scalar != TypeReal {
		t.Errorf("balance type = %s, want real", fm["balance"].Scalar)
	}
	if fm["day"].Scalar != TypeInteger {
		t.Errorf("day type = %s, want integer", fm["day"].Scalar)
	}
	if fm["note"].Scalar != TypeUnknown {
		t.Errorf("note type = %s, want unknown", fm["note"].Scalar)
	}
	if fm["transactions"].Items["amount"] != TypeInteger {
		t.Errorf("transactions.amount = %s", fm["transactions"].Items["amount"])
	}
	if fm["marketValues"].Items["basePrice"] != TypeInteger {
		t.Errorf("marketValues.basePrice = %s", fm["marketValues"].Items["basePrice"])
	}
}

func TestClassifyNestedStaysOpaque(t *testing.T) {
	fm, err := Classify(doc(t, `{
		"employees": [{"id": "e1", "schedule": {"mon": 8}, "leads": [1, 2]}]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	items := fm["employees"].Items
	if items["schedule"] != TypeOpaque {
		t.Errorf("schedule = %s, want opaque", items["schedule"])
	}
	if items["leads"] != TypeOpaque {
		t.Errorf("leads = %s, want opaque", items["leads"])
	}
	if items["id"] != TypeText {
		t.Errorf("id = %s, want text", items["id"])
	}
}

func TestClassifyRejectsNonObject(t *testing.T) {
	if _, err := Classify(doc(t, `[1,2,3]`)); err == nil {
		t.Fatal("expected error for non-object document")
	}
}

func TestDiffNewFieldOnly(t *testing.T) {
	fm, err := Classify(doc(t, `{"balance": 1}`))
	if err != nil {
		t.Fatal(err)
	}

	delta, err := fm.Diff(doc(t, `{"balance": 2, "xp": 10}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(delta) != 1 {
		t.Fatalf("delta = %v, want only xp", delta)
	}
	if _, ok := delta["xp"]; !ok {
		t.Fatal("missing xp in delta")
	}

	fm.Apply(delta)
	delta, err = fm.Diff(doc(t, `{"balance": 3, "xp": 20}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(delta) != 0 {
		t.Fatalf("second delta = %v, want empty", delta)
	}
}

func TestDiffNewItemColumn(t *testing.T) {
	fm, err := Classify(doc(t, `{"transactions": [{"id": "t1"}]}`))
	if err != nil {
		t.Fatal(err)
	}

	delta, err := fm.Diff(doc(t, `{"transactions": [{"id": "t2", "label": "rent"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	f, ok := delta["transactions"]
	if !ok {
		t.Fatal("expected transactions in delta")
	}
	if f.Items["label"] != TypeText {
		t.Errorf("label = %s", f.Items["label"])
	}
	// Delta carries the merged definition, not just the new column.
	if f.Items["id"] != TypeText {
		t.Errorf("id lost in merge: %v", f.Items)
	}
}

func TestWidenIntegerToReal(t *testing.T) {
	fm, err := Classify(doc(t, `{"balance": 1000}`))
	if err != nil {
		t.Fatal(err)
	}
	if fm["balance"].Scalar != TypeInteger {
		t.Fatalf("initial = %s", fm["balance"].Scalar)
	}

	delta, err := fm.Diff(doc(t, `{"balance": 1000.5}`))
	if err != nil {
		t.Fatal(err)
	}
	if delta["balance"].Scalar != TypeReal {
		t.Errorf("widened = %s, want real", delta["balance"].Scalar)
	}
}

func TestVaryingKindDegradesToOpaque(t *testing.T) {
	fm, err := Classify(doc(t, `{"investor": {"name": "acme"}}`))
	if err != nil {
		t.Fatal(err)
	}

	delta, err := fm.Diff(doc(t, `{"investor": "none"}`))
	if err != nil {
		t.Fatal(err)
	}
	f := delta["investor"]
	if f.Kind != KindScalar || f.Scalar != TypeOpaque {
		t.Errorf("degraded field = %s/%s, want scalar/opaque", f.Kind, f.Scalar)
	}
}

func TestEmptyArrayUpgradesToObjectArray(t *testing.T) {
	fm, err := Classify(doc(t, `{"loans": []}`))
	if err != nil {
		t.Fatal(err)
	}
	if fm["loans"].Kind != KindArrayOfScalar || fm["loans"].Scalar != TypeUnknown {
		t.Fatalf("empty array = %s/%s", fm["loans"].Kind, fm["loans"].Scalar)
	}

	delta, err := fm.Diff(doc(t, `{"loans": [{"provider": "bank", "amountLeft": 500}]}`))
	if err != nil {
		t.Fatal(err)
	}
	f := delta["loans"]
	if f.Kind != KindArrayOfObject {
		t.Fatalf("upgraded kind = %s", f.Kind)
	}
	if f.Items["provider"] != TypeText {
		t.Errorf("provider = %s", f.Items["provider"])
	}
}

func TestNullObservationsCarryNoShape(t *testing.T) {
	fm, err := Classify(doc(t, `{"started": "2024-01-01"}`))
	if err != nil {
		t.Fatal(err)
	}
	delta, err := fm.Diff(doc(t, `{"started": null}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(delta) != 0 {
		t.Fatalf("null observation produced delta %v", delta)
	}
}

func TestMixedScalarArrayGoesOpaqueElement(t *testing.T) {
	fm, err := Classify(doc(t, `{"grid": [[1,2],[3,4]]}`))
	if err != nil {
		t.Fatal(err)
	}
	f := fm["grid"]
	if f.Kind != KindArrayOfScalar || f.Scalar != TypeOpaque {
		t.Errorf("grid = %s/%s, want array-of-scalar/opaque", f.Kind, f.Scalar)
	}
}
