package template_test

import (
	"errors"
	"testing"

	nucleus "github.com/expertping/idex.nucleus"
	"github.com/expertping/idex.nucleus/template"
)

func TestEvaluate_BareIdentifier(t *testing.T) {
	e := template.NewEvaluator()

	v, err := e.Evaluate("resourceType", map[string]any{"resourceType": "Dummy"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v != "Dummy" {
		t.Errorf("v = %v, want Dummy", v)
	}
}

func TestEvaluate_LonePlaceholderKeepsType(t *testing.T) {
	e := template.NewEvaluator()

	v, err := e.Evaluate("${count}", map[string]any{"count": float64(3)})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v != float64(3) {
		t.Errorf("v = %v (%T), want float64 3", v, v)
	}
}

func TestEvaluate_Interpolation(t *testing.T) {
	e := template.NewEvaluator()

	v, err := e.EvaluateString("Create${resourceType}", map[string]any{"resourceType": "Dummy"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v != "CreateDummy" {
		t.Errorf("v = %q, want CreateDummy", v)
	}
}

func TestEvaluate_UnknownIdentifierLeftUntouched(t *testing.T) {
	e := template.NewEvaluator()

	v, err := e.EvaluateString("Create${missing}", map[string]any{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v != "Create${missing}" {
		t.Errorf("v = %q, want the placeholder preserved", v)
	}
}

func TestEvaluate_ForbiddenTokens(t *testing.T) {
	e := template.NewEvaluator()

	exprs := []string{
		"delete datastore",
		"new Error('boom')",
		"throw x",
		"process.exit(1)",
		"global.leak",
		"globalThis.leak",
		"require('fs')",
		"eval(payload)",
		"Function(payload)",
		"import('fs')",
		"x.__proto__",
		"x.constructor",
	}
	for _, expr := range exprs {
		if _, err := e.Evaluate(expr, nil); !errors.Is(err, template.ErrForbiddenToken) {
			t.Errorf("Evaluate(%q) err = %v, want ErrForbiddenToken", expr, err)
		}
	}
}

func TestEvaluate_ResourceModelCall(t *testing.T) {
	e := template.NewEvaluator(template.WithResourceModeler(func(resourceType string) (any, error) {
		return map[string]any{"type": resourceType}, nil
	}))

	v, err := e.Evaluate(
		"generate_resource_model_from_resource_structure_by_resource_type(resourceType)",
		map[string]any{"resourceType": "Dummy"},
	)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	model, ok := v.(map[string]any)
	if !ok || model["type"] != "Dummy" {
		t.Errorf("v = %v, want model for Dummy", v)
	}
}

func TestEvaluate_ResourceModelCall_QuotedLiteral(t *testing.T) {
	var got string
	e := template.NewEvaluator(template.WithResourceModeler(func(resourceType string) (any, error) {
		got = resourceType
		return nil, nil
	}))

	_, err := e.Evaluate(
		"generate_resource_model_from_resource_structure_by_resource_type('Cart')", nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got != "Cart" {
		t.Errorf("resource type = %q, want Cart", got)
	}
}

func TestEvaluate_ResourceModelCall_NoDatastore(t *testing.T) {
	e := template.NewEvaluator()

	_, err := e.Evaluate(
		"generate_resource_model_from_resource_structure_by_resource_type(resourceType)",
		map[string]any{"resourceType": "Dummy"},
	)
	if !errors.Is(err, nucleus.ErrUndefinedContext) {
		t.Fatalf("err = %v, want ErrUndefinedContext", err)
	}
}

func TestEvaluate_OtherFunctionRejected(t *testing.T) {
	e := template.NewEvaluator()

	if _, err := e.Evaluate("fetch(url)", map[string]any{"url": "x"}); !errors.Is(err, template.ErrForbiddenToken) {
		t.Fatalf("err = %v, want ErrForbiddenToken", err)
	}
}
