package workflow

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

// TestLookupPath tests dotted-path resolution against nested maps.
func TestLookupPath(t *testing.T) {
	data := map[string]interface{}{
		"amount": 120,
		"empty":  "",
		"invoice": map[string]interface{}{
			"total": 99.5,
			"payee": map[string]interface{}{"name": "ACME"},
		},
	}

	tests := []struct {
		path   string
		want   interface{}
		wantOK bool
	}{
		{"amount", 120, true},
		{"invoice.total", 99.5, true},
		{"invoice.payee.name", "ACME", true},
		{"empty", "", true},
		{"missing", nil, false},
		{"invoice.missing", nil, false},
		{"amount.nested", nil, false}, // scalar cannot be descended
	}

	for _, tt := range tests {
		got, ok := LookupPath(data, tt.path)
		if ok != tt.wantOK || (ok && got != tt.want) {
			t.Errorf("LookupPath(%q) = (%v, %v), want (%v, %v)", tt.path, got, ok, tt.want, tt.wantOK)
		}
	}
}

// TestMissingFields verifies every missing key is reported, not just the first.
func TestMissingFields(t *testing.T) {
	data := map[string]interface{}{
		"present": "yes",
		"blank":   "",
		"nested":  map[string]interface{}{"inner": 1},
	}

	missing := MissingFields([]string{"present", "blank", "absent", "nested.inner", "nested.other"}, data)
	want := []string{"blank", "absent", "nested.other"}
	if !reflect.DeepEqual(missing, want) {
		t.Errorf("MissingFields = %v, want %v", missing, want)
	}

	if got := MissingFields(nil, data); got != nil {
		t.Errorf("MissingFields with no required fields = %v, want nil", got)
	}
}

// TestSchemaCacheValidate tests schema compilation and data validation.
func TestSchemaCacheValidate(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"amount": {"type": "number", "minimum": 0}
		},
		"required": ["amount"]
	}`)

	cache := newSchemaCache()

	if err := cache.validate(map[string]interface{}{"amount": 10}, schema); err != nil {
		t.Fatalf("expected valid data to pass, got %v", err)
	}

	err := cache.validate(map[string]interface{}{"amount": "ten"}, schema)
	var sve *SchemaViolationError
	if !errors.As(err, &sve) {
		t.Fatalf("expected SchemaViolationError, got %v", err)
	}
	if len(sve.Violations) == 0 {
		t.Error("expected at least one violation message")
	}

	if err := cache.validate(map[string]interface{}{"amount": 10}, nil); err != nil {
		t.Errorf("nil schema must validate everything, got %v", err)
	}

	if err := cache.validate(nil, json.RawMessage(`{"type": `)); err == nil {
		t.Error("expected error for malformed schema")
	}
}
