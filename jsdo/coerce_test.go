package jsdo

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/maruel/jsdo/catalog"
)

func TestCoerceValue(t *testing.T) {
	tests := []struct {
		name  string
		value any
		field catalog.Field
		want  any
	}{
		{"nil passes", nil, catalog.Field{Type: catalog.TypeInteger}, nil},
		{"string from int float", 12.0, catalog.Field{Type: catalog.TypeString}, "12"},
		{"string from float", 1.25, catalog.Field{Type: catalog.TypeString}, "1.25"},
		{"string from bool", true, catalog.Field{Type: catalog.TypeString}, "true"},
		{"integer from string", " 42 ", catalog.Field{Type: catalog.TypeInteger}, int64(42)},
		{"integer from float string", "4.0", catalog.Field{Type: catalog.TypeInteger}, int64(4)},
		{"integer from float", 7.0, catalog.Field{Type: catalog.TypeInteger}, int64(7)},
		{"integer from number", json.Number("9"), catalog.Field{Type: catalog.TypeInteger}, int64(9)},
		{"integer keeps text", "abc", catalog.Field{Type: catalog.TypeInteger}, "abc"},
		{"string from large float", 1e20, catalog.Field{Type: catalog.TypeString}, "100000000000000000000"},
		{"string from negative large float", -1e19, catalog.Field{Type: catalog.TypeString}, "-10000000000000000000"},
		{"integer keeps large float", 1e20, catalog.Field{Type: catalog.TypeInteger}, 1e20},
		{"integer keeps large number", json.Number("1e20"), catalog.Field{Type: catalog.TypeInteger}, "1e20"},
		{"integer keeps large float string", "1e20", catalog.Field{Type: catalog.TypeInteger}, "1e20"},
		{"integer truncates fraction", -7.9, catalog.Field{Type: catalog.TypeInteger}, int64(-7)},
		{"integer at exact limit", 9007199254740991.0, catalog.Field{Type: catalog.TypeInteger}, int64(9007199254740991)},
		{"number from string", "2.5", catalog.Field{Type: catalog.TypeNumber}, 2.5},
		{"number from int", 3, catalog.Field{Type: catalog.TypeNumber}, 3.0},
		{"boolean from yes", "yes", catalog.Field{Type: catalog.TypeBoolean}, true},
		{"boolean from zero", 0.0, catalog.Field{Type: catalog.TypeBoolean}, false},
		{"boolean keeps text", "maybe", catalog.Field{Type: catalog.TypeBoolean}, "maybe"},
		{"date from time", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), catalog.Field{Type: catalog.TypeDate}, "2024-03-01"},
		{"datetime from time", time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), catalog.Field{Type: catalog.TypeDate}, "2024-03-01T10:30:00Z"},
		{"date keeps text", "2024-03-01", catalog.Field{Type: catalog.TypeDate}, "2024-03-01"},
		{"array from json", "[1, 2]", catalog.Field{Type: catalog.TypeArray, ItemType: catalog.TypeInteger}, []any{int64(1), int64(2)}},
		{"array items", []any{1.0, "x"}, catalog.Field{Type: catalog.TypeArray, ItemType: catalog.TypeString}, []any{"1", "x"}},
		{"array from strings", []string{"a"}, catalog.Field{Type: catalog.TypeArray}, []any{"a"}},
		{"array keeps text", "a,b", catalog.Field{Type: catalog.TypeArray}, "a,b"},
		{"object from json", `{"a": 1}`, catalog.Field{Type: catalog.TypeObject}, map[string]any{"a": 1.0}},
		{"unknown type", 1.0, catalog.Field{Type: "blob"}, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := coerceValue(tt.value, &tt.field)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("coerceValue(%#v, %s) = %#v, want %#v", tt.value, tt.field.Type, got, tt.want)
			}
		})
	}
}

func TestFormatID(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"C1", "C1"},
		{12.0, "12"},
		{1.5, "1.5"},
		{int64(7), "7"},
		{json.Number("8"), "8"},
		{true, "true"},
	}
	for _, tt := range tests {
		if got := formatID(tt.in); got != tt.want {
			t.Errorf("formatID(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAnnotateRowError(t *testing.T) {
	r := Row{"a": 1}
	annotateRowError(r, "bad")
	if !isRejected(r) || r[FieldErrorString] != "bad" {
		t.Errorf("expected rejected row with message, got %v", r)
	}
	annotateRowError(r, rejectedSentinel)
	if _, ok := r[FieldErrorString]; ok || !isRejected(r) {
		t.Errorf("sentinel must not leave an error string, got %v", r)
	}
	clearRowError(r)
	if len(r) != 1 {
		t.Errorf("expected clean row, got %v", r)
	}
}
