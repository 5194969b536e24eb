package schema

import (
	"strings"
	"testing"
)

func pageParams() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tab_id":      map[string]any{"type": "integer", "minimum": 0},
			"page_number": map[string]any{"type": "integer", "minimum": 1},
			"url":         map[string]any{"type": "string", "pattern": "^https?://"},
			"mode":        map[string]any{"type": "string", "enum": []any{"text", "html"}},
			"active":      map[string]any{"type": []any{"boolean", "null"}},
			"tags": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items":    map[string]any{"type": "string", "minLength": 1},
			},
		},
		"required":             []any{"tab_id"},
		"additionalProperties": false,
	}
}

func TestValidate_Accepts(t *testing.T) {
	t.Parallel()

	v, err := Compile(pageParams())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	out, err := v.Validate(map[string]any{"tab_id": float64(5), "page_number": float64(2), "mode": "text", "active": nil})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out["tab_id"] != float64(5) {
		t.Fatalf("tab_id=%v, want 5", out["tab_id"])
	}
}

func TestValidate_CoercesScalarStrings(t *testing.T) {
	t.Parallel()

	v := MustCompile(pageParams())
	args := map[string]any{"tab_id": " 7 ", "active": "true"}
	out, err := v.Validate(args)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out["tab_id"] != float64(7) {
		t.Fatalf("tab_id=%#v, want float64(7)", out["tab_id"])
	}
	if out["active"] != true {
		t.Fatalf("active=%#v, want true", out["active"])
	}
	if args["tab_id"] != " 7 " {
		t.Fatalf("input mutated: %#v", args["tab_id"])
	}
}

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()

	v := MustCompile(pageParams())
	cases := []struct {
		name string
		args map[string]any
		want string
	}{
		{name: "missing required", args: map[string]any{}, want: "required"},
		{name: "minimum", args: map[string]any{"tab_id": float64(-1)}, want: "minimum"},
		{name: "pattern", args: map[string]any{"tab_id": float64(1), "url": "ftp://x"}, want: "url: pattern"},
		{name: "enum", args: map[string]any{"tab_id": float64(1), "mode": "pdf"}, want: "enum"},
		{name: "additional", args: map[string]any{"tab_id": float64(1), "extra": true}, want: "additional"},
		{name: "min items", args: map[string]any{"tab_id": float64(1), "tags": []any{}}, want: "minItems"},
		{name: "min length", args: map[string]any{"tab_id": float64(1), "tags": []any{""}}, want: "minLength"},
		{name: "not an integer", args: map[string]any{"tab_id": "five"}, want: "type"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := v.Validate(tc.args)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !IsValidation(err) {
				t.Fatalf("err=%T, want *ValidationError", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%q, want substring %q", err.Error(), tc.want)
			}
			if strings.Contains(err.Error(), "validating ") {
				t.Fatalf("err=%q still carries validator prefixes", err.Error())
			}
		})
	}
}

func TestCompile_EmptyAcceptsObjects(t *testing.T) {
	t.Parallel()

	v, err := Compile(nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, err := v.Validate(nil); err != nil {
		t.Fatalf("Validate(nil): %v", err)
	}
	if got := v.Params()["type"]; got != "object" {
		t.Fatalf("params type=%v, want object", got)
	}
}
