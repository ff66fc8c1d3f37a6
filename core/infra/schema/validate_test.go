package schema

import (
	"encoding/json"
	"testing"
)

var ceilingSchema = []byte(`{
  "type": "object",
  "properties": {
    "max_failed_attempts": {"type": "integer", "minimum": 0, "not": {"const": 1}}
  },
  "required": ["max_failed_attempts"]
}`)

func TestValidateSchema(t *testing.T) {
	if err := ValidateSchema("limits", ceilingSchema, json.RawMessage(`{"max_failed_attempts": 3}`)); err != nil {
		t.Fatalf("expected valid payload: %v", err)
	}
	if err := ValidateSchema("limits", ceilingSchema, json.RawMessage(`{"max_failed_attempts": 1}`)); err == nil {
		t.Fatalf("expected rejection of a ceiling of one")
	}
	if err := ValidateSchema("limits", ceilingSchema, json.RawMessage(`{"max_failed_attempts": 2.5}`)); err == nil {
		t.Fatalf("expected rejection of a fractional ceiling")
	}
	if err := ValidateSchema("limits", ceilingSchema, map[string]any{}); err == nil {
		t.Fatalf("expected missing field error")
	}
}

func TestValidateSchemaReusesCompiled(t *testing.T) {
	for i := 0; i < 3; i++ {
		if err := ValidateSchema("limits-reuse", ceilingSchema, json.RawMessage(`{"max_failed_attempts": 0}`)); err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
	}
	n := 0
	compiled.Range(func(key, _ any) bool {
		if len(key.(string)) > len("limits-reuse@") && key.(string)[:len("limits-reuse@")] == "limits-reuse@" {
			n++
		}
		return true
	})
	if n != 1 {
		t.Fatalf("expected one compiled entry, got %d", n)
	}
}

func TestValidateMapInline(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key": map[string]any{"type": "string"},
		},
		"required": []any{"key"},
	}
	if err := ValidateMap(schema, map[string]any{"key": "packs/base.zip"}); err != nil {
		t.Fatalf("expected valid payload: %v", err)
	}
	if err := ValidateMap(schema, map[string]any{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestNormalizeValue(t *testing.T) {
	val, err := normalizeValue(json.RawMessage(`{"k":"v","n":7}`))
	if err != nil {
		t.Fatalf("normalize raw: %v", err)
	}
	m, ok := val.(map[string]any)
	if !ok || m["k"] != "v" {
		t.Fatalf("unexpected normalized value")
	}
	if _, ok := m["n"].(json.Number); !ok {
		t.Fatalf("expected numbers decoded as json.Number, got %T", m["n"])
	}
	if _, err := normalizeValue([]byte("{")); err == nil {
		t.Fatalf("expected error for invalid byte json")
	}
}

func TestValidateSchemaEmpty(t *testing.T) {
	if err := ValidateSchema("test", nil, nil); err == nil {
		t.Fatalf("expected error for empty schema")
	}
	if err := ValidateMap(nil, nil); err == nil {
		t.Fatalf("expected error for empty map schema")
	}
}

func TestSchemaIDDefault(t *testing.T) {
	if got := schemaID(""); got != "inmemory://schema" {
		t.Fatalf("unexpected schema id: %s", got)
	}
}
