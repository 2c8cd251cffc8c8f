package fhirflat

import (
	"reflect"
	"testing"
)

func TestFlatRow_KeysAndClone(t *testing.T) {
	row := FlatRow{"subject": "Patient/1", "class.code": []any{"x|y"}, "status": "finished"}

	want := []string{"class.code", "status", "subject"}
	if got := row.Keys(); !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() = %v; want %v", got, want)
	}

	c := row.Clone()
	c["status"] = "planned"
	if row["status"] != "finished" {
		t.Error("Clone shares the map with the original")
	}
}

func TestIsDense(t *testing.T) {
	if !IsDense("location_dense") || IsDense("location") || IsDense("dense") {
		t.Error("IsDense mismatch")
	}
}

func TestTable(t *testing.T) {
	tbl := NewTable()
	tbl.Append(FlatRow{"status": "finished", "subject": "Patient/1"})
	tbl.Append(FlatRow{"status": "planned", "class.code": []any{"a|b"}})

	want := []string{"status", "subject", "class.code"}
	if !reflect.DeepEqual(tbl.Columns(), want) {
		t.Errorf("Columns() = %v; want %v", tbl.Columns(), want)
	}
	if tbl.Len() != 2 || !tbl.HasColumn("class.code") || tbl.HasColumn("period.start") {
		t.Error("Len/HasColumn mismatch")
	}
	if tbl.Value(1, "subject") != nil {
		t.Error("missing cell should read as nil")
	}
	if tbl.Value(0, "subject") != "Patient/1" {
		t.Errorf("Value(0, subject) = %v", tbl.Value(0, "subject"))
	}
}
