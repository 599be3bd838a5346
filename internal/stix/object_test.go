package stix

import (
	"errors"
	"strings"
	"testing"
)

func TestBundleObjects_Absent(t *testing.T) {
	objs, err := Bundle{"type": "bundle"}.Objects()
	if err != nil {
		t.Fatalf("Objects should not fail without objects field: %v", err)
	}
	if len(objs) != 0 {
		t.Errorf("expected no objects, got %d", len(objs))
	}
}

func TestBundleObjects_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		bundle Bundle
	}{
		{"objects is a string", Bundle{"objects": "nope"}},
		{"objects is a map", Bundle{"objects": map[string]any{"type": "attack-pattern"}}},
		{"element is a scalar", Bundle{"objects": []any{map[string]any{}, 42}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.bundle.Objects()
			if !errors.Is(err, ErrMalformedBundle) {
				t.Errorf("expected ErrMalformedBundle, got %v", err)
			}
		})
	}
}

func TestBundleObjects_PreservesOrder(t *testing.T) {
	b := Bundle{"objects": []any{
		map[string]any{"type": "identity"},
		map[string]any{"type": "attack-pattern"},
	}}

	objs, err := b.Objects()
	if err != nil {
		t.Fatalf("Objects: %v", err)
	}
	if len(objs) != 2 || objs[0].Type() != TypeIdentity || objs[1].Type() != TypeAttackPattern {
		t.Errorf("unexpected objects: %v", objs)
	}
}

func TestObjectAccessors(t *testing.T) {
	o := Object{
		"name":       "PowerShell",
		"deprecated": true,
		"count":      3,
		"refs":       []any{map[string]any{"external_id": "T1059"}},
		"mixed":      []any{map[string]any{}, "x"},
	}

	if v, ok := o.String("name"); !ok || v != "PowerShell" {
		t.Errorf("String(name) = %q, %v", v, ok)
	}
	if _, ok := o.String("count"); ok {
		t.Error("String should report non-string values as absent")
	}
	if v, ok := o.Bool("deprecated"); !ok || !v {
		t.Errorf("Bool(deprecated) = %v, %v", v, ok)
	}
	if _, ok := o.Bool("missing"); ok {
		t.Error("Bool should report missing keys as absent")
	}
	if refs, ok := o.Objects("refs"); !ok || len(refs) != 1 {
		t.Errorf("Objects(refs) = %v, %v", refs, ok)
	}
	if mixed, ok := o.Objects("mixed"); !ok || len(mixed) != 1 {
		t.Errorf("Objects(mixed) = %v, %v, want the single object element", mixed, ok)
	}
	if !o.Has("count") || o.Has("missing") {
		t.Error("Has reported wrong presence")
	}
	if o.Type() != "" {
		t.Errorf("Type of untyped object = %q, want empty", o.Type())
	}
}

func TestDecode(t *testing.T) {
	b, err := Decode(strings.NewReader(`{"type":"bundle","objects":[{"type":"attack-pattern","name":"x"}]}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	objs, err := b.Objects()
	if err != nil {
		t.Fatalf("Objects: %v", err)
	}
	if len(objs) != 1 {
		t.Fatalf("expected 1 object, got %d", len(objs))
	}

	for _, body := range []string{`[1,2]`, `not json`} {
		if _, err := Decode(strings.NewReader(body)); !errors.Is(err, ErrMalformedBundle) {
			t.Errorf("Decode(%q) expected ErrMalformedBundle, got %v", body, err)
		}
	}
}
