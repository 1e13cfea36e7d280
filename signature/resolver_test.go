package signature_test

import (
	"errors"
	"testing"

	nucleus "github.com/expertping/idex.nucleus"
	"github.com/expertping/idex.nucleus/signature"
)

func TestResolve_FirstCoveredWins(t *testing.T) {
	candidates := [][]string{
		{"AID1", "AID2"},
		{"AID1", "AID3"},
	}
	message := map[string]any{"AID1": "a", "AID3": []any{true}}

	r, err := signature.Resolve(candidates, message, "u1", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(r.Signature) != 2 || r.Signature[1] != "AID3" {
		t.Errorf("signature = %v, want the alternative [AID1 AID3]", r.Signature)
	}
	if r.Arguments[0] != "a" {
		t.Errorf("arguments[0] = %v, want a", r.Arguments[0])
	}
}

func TestResolve_Deterministic(t *testing.T) {
	candidates := [][]string{{"AID1"}, {"AID1", "AID2"}}
	message := map[string]any{"AID1": "a", "AID2": "b"}

	first, err := signature.Resolve(candidates, message, "u1", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for range 10 {
		again, err := signature.Resolve(candidates, message, "u1", nil)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if len(again.Signature) != len(first.Signature) {
			t.Fatal("resolution is not deterministic")
		}
	}
	if len(first.Signature) != 1 {
		t.Errorf("signature = %v, want the first covered candidate", first.Signature)
	}
}

func TestResolve_OptionsPassesWholeMessage(t *testing.T) {
	// An empty message against a signature of only "options" succeeds.
	r, err := signature.Resolve([][]string{{"options"}}, map[string]any{}, "u1", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	opts, ok := r.Arguments[0].(map[string]any)
	if !ok {
		t.Fatalf("arguments[0] is %T, want map", r.Arguments[0])
	}
	if len(opts) != 0 {
		t.Errorf("options = %v, want the empty message", opts)
	}
}

func TestResolve_OriginUserIDFromMeta(t *testing.T) {
	r, err := signature.Resolve([][]string{{"origin_user_id"}}, map[string]any{}, "u42", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r.Arguments[0] != "u42" {
		t.Errorf("arguments[0] = %v, want u42", r.Arguments[0])
	}
}

func TestResolve_MissingArgument(t *testing.T) {
	candidates := [][]string{{"AID1", "AID2"}}
	message := map[string]any{"AID1": "a"}

	_, err := signature.Resolve(candidates, message, "u1", nil)
	if !errors.Is(err, nucleus.ErrUndefinedContext) {
		t.Fatalf("err = %v, want ErrUndefinedContext", err)
	}
}

func TestResolve_TypeMismatch(t *testing.T) {
	candidates := [][]string{{"AID1"}}
	message := map[string]any{"AID1": float64(7)}
	schema := map[string]string{"AID1": "string"}

	_, err := signature.Resolve(candidates, message, "u1", schema)
	if !errors.Is(err, nucleus.ErrUnexpectedValueType) {
		t.Fatalf("err = %v, want ErrUnexpectedValueType", err)
	}
}

func TestResolve_TypeChecks(t *testing.T) {
	tests := []struct {
		name       string
		descriptor string
		value      any
		wantErr    bool
	}{
		{"string ok", "string", "x", false},
		{"number ok", "number", float64(1), false},
		{"boolean ok", "boolean", true, false},
		{"array ok", "array", []any{1, 2}, false},
		{"object ok", "object", map[string]any{"a": 1}, false},
		{"compound reduces", "array.<String>", []any{"a"}, false},
		{"optional missing value", "string?", nil, false},
		{"unknown descriptor passes", "resourceitem", map[string]any{}, false},
		{"object got string", "object", "x", true},
		{"array got object", "array", map[string]any{}, true},
		{"boolean got number", "boolean", float64(0), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			message := map[string]any{}
			if tt.value != nil {
				message["arg"] = tt.value
			}
			candidates := [][]string{{"arg"}}
			if tt.value == nil {
				// Optional arguments still need the key present to
				// satisfy the candidate; use an explicit nil entry.
				message["arg"] = nil
			}

			_, err := signature.Resolve(candidates, message, "u1", map[string]string{"arg": tt.descriptor})
			if tt.wantErr && err == nil {
				t.Fatal("expected a type error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestResolve_NilValueRequired(t *testing.T) {
	message := map[string]any{"arg": nil}
	_, err := signature.Resolve([][]string{{"arg"}}, message, "u1", map[string]string{"arg": "string"})
	if !errors.Is(err, nucleus.ErrUndefinedValue) {
		t.Fatalf("err = %v, want ErrUndefinedValue", err)
	}
}
