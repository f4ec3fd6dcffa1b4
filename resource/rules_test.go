package resource_test

import (
	"errors"
	"testing"
	"time"

	"github.com/jacentio/arbor/resource"
)

func TestBuiltinValidators(t *testing.T) {
	rules := resource.NewRules()

	tests := []struct {
		rule  string
		value any
		want  bool
	}{
		{"required", "x", true},
		{"required", "", false},
		{"email", "a@b.com", true},
		{"email", "nope", false},
		{"email", 42.0, false},
		{"uuid4", "3f1c4c1e-8d55-4c4b-9a53-0a4f5e0f4f11", true},
		{"uuid4", "not-a-uuid", false},
		{"url", "https://example.com/x", true},
		{"url", "nope", false},
		{"url", 7, false},
		{"alphanum", "abc123", true},
		{"alphanum", "abc-123", false},
		{"numeric", "123.5", true},
		{"numeric", 12, true},
		{"numeric", "12a", false},
	}

	for _, tt := range tests {
		v, err := rules.Validator(tt.rule)
		if err != nil {
			t.Fatalf("validator %s: %v", tt.rule, err)
		}
		if got := v.Check(tt.value); got != tt.want {
			t.Errorf("%s(%v) = %v, want %v", tt.rule, tt.value, got, tt.want)
		}
		if v.Message() == "" {
			t.Errorf("%s has no message", tt.rule)
		}
	}
}

func TestBuiltinGenerators(t *testing.T) {
	rules := resource.NewRules()
	apply := func(name string, v any) any {
		t.Helper()
		g, err := rules.Generator(name)
		if err != nil {
			t.Fatalf("generator %s: %v", name, err)
		}
		out, err := g.Apply(v)
		if err != nil {
			t.Fatalf("apply %s: %v", name, err)
		}
		return out
	}

	if got := apply("lowercase", "AbC"); got != "abc" {
		t.Errorf("lowercase = %v", got)
	}
	if got := apply("lowercase", 3); got != 3 {
		t.Errorf("lowercase on non-string = %v", got)
	}
	if got := apply("trim", "  x "); got != "x" {
		t.Errorf("trim = %v", got)
	}
	if got := apply("uuid", "keep"); got != "keep" {
		t.Errorf("uuid overwrote a value: %v", got)
	}
	if got, _ := apply("uuid", nil).(string); len(got) != 36 {
		t.Errorf("uuid = %v", got)
	}
	ts, _ := apply("timestamp", "").(string)
	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
		t.Errorf("timestamp %q: %v", ts, err)
	}
}

func TestRules_Register(t *testing.T) {
	rules := resource.NewRules()

	if err := rules.RegisterValidator("even", resource.ValidatorFunc("must be even", func(v any) bool {
		n, ok := v.(int)
		return ok && n%2 == 0
	})); err != nil {
		t.Fatal(err)
	}
	if err := rules.RegisterValidator("email", resource.TagValidator("email", "x")); !errors.Is(err, resource.ErrDuplicateRule) {
		t.Errorf("expected ErrDuplicateRule, got %v", err)
	}
	if err := rules.RegisterGenerator("trim", resource.GeneratorFunc(func(v any) (any, error) { return v, nil })); !errors.Is(err, resource.ErrDuplicateRule) {
		t.Errorf("expected ErrDuplicateRule, got %v", err)
	}
	if _, err := rules.Generator("missing"); !errors.Is(err, resource.ErrUnknownRule) {
		t.Errorf("expected ErrUnknownRule, got %v", err)
	}

	s := mustBuild(t, resource.NewSchema("n").UseRules(rules).ValidateWith("n", "even"))
	if err := s.Validate(resource.Resource{"n": 3}); !errors.Is(err, resource.ErrValidation) {
		t.Errorf("expected custom validator to fail, got %v", err)
	}

	gens, vals := rules.Names()
	if len(gens) != 4 || len(vals) != 7 {
		t.Errorf("names = %v / %v", gens, vals)
	}
}
