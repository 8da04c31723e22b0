package contracts

import "testing"

func TestRowCloneIsolation(t *testing.T) {
	original := NewRow(map[string]any{
		"name": "a",
		"tags": []any{"x", "y"},
		"meta": map[string]any{"nested": map[string]any{"k": 1}},
	}, nil)

	clone := original.Clone()
	clone.Data()["name"] = "b"
	clone.Data()["tags"].([]any)[0] = "changed"
	clone.Data()["meta"].(map[string]any)["nested"].(map[string]any)["k"] = 2

	if original.Data()["name"] != "a" {
		t.Error("top-level mutation leaked into original")
	}
	if original.Data()["tags"].([]any)[0] != "x" {
		t.Error("slice mutation leaked into original")
	}
	if original.Data()["meta"].(map[string]any)["nested"].(map[string]any)["k"] != 1 {
		t.Error("nested map mutation leaked into original")
	}
}

func TestDeepCopyTypedContainers(t *testing.T) {
	src := map[string]any{
		"ints":  []int{1, 2},
		"maps":  []map[string]any{{"a": 1}},
		"names": map[string]string{"k": "v"},
	}
	dst := DeepCopyMap(src)

	dst["ints"].([]int)[0] = 9
	dst["maps"].([]map[string]any)[0]["a"] = 9
	dst["names"].(map[string]string)["k"] = "w"

	if src["ints"].([]int)[0] != 1 {
		t.Error("typed slice shared with copy")
	}
	if src["maps"].([]map[string]any)[0]["a"] != 1 {
		t.Error("slice of maps shared with copy")
	}
	if src["names"].(map[string]string)["k"] != "v" {
		t.Error("string map shared with copy")
	}
}

func TestRowWith(t *testing.T) {
	r := NewRow(map[string]any{"a": 1}, nil)
	r2 := r.With("b", 2)

	if _, ok := r.Get("b"); ok {
		t.Error("With modified the receiver")
	}
	if v, _ := r2.Get("b"); v != 2 {
		t.Errorf("expected b=2, got %v", v)
	}
}

func TestTypeOf(t *testing.T) {
	tests := []struct {
		value any
		want  FieldType
	}{
		{"s", TypeString},
		{int64(1), TypeInt},
		{1.5, TypeFloat},
		{true, TypeBool},
		{map[string]any{}, TypeObject},
		{[]any{}, TypeArray},
		{[]string{}, TypeArray},
		{nil, TypeAny},
	}
	for _, tt := range tests {
		if got := TypeOf(tt.value); got != tt.want {
			t.Errorf("TypeOf(%#v) = %s, want %s", tt.value, got, tt.want)
		}
	}
}
