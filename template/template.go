// Package template evaluates the restricted template expressions used
// by extendable actions to derive effective names and default
// arguments.
//
// This is a dedicated expression grammar, not a general code
// evaluator: identifier references, ${identifier} interpolation, and a
// single whitelisted namespace function. Denylisted tokens and calls to
// any other function are rejected; any other text is returned as a
// literal string with its placeholders interpolated, never executed,
// which keeps evaluation total for accepted inputs.
package template

import (
	"fmt"
	"regexp"
	"strings"

	nucleus "github.com/expertping/idex.nucleus"
)

// ResourceModelFunc is the one namespace function templates may call.
// It is backed by the resource-structure registry in the store.
const ResourceModelFunc = "generate_resource_model_from_resource_structure_by_resource_type"

// ErrForbiddenToken is returned for any expression matching the
// denylist. The denylist survives the grammar as defense in depth for
// harvested metadata that was written against the source system.
var ErrForbiddenToken = fmt.Errorf("nucleus/template: template contains forbidden token")

// ResourceModeler produces a resource model for a resource type.
type ResourceModeler func(resourceType string) (any, error)

var (
	forbidden = []*regexp.Regexp{
		regexp.MustCompile(`\bdelete\b`),
		regexp.MustCompile(`\bnew\s+[A-Z_$]`),
		regexp.MustCompile(`\bthrow\b`),
		regexp.MustCompile(`\bprocess\b`),
		regexp.MustCompile(`\bglobal(?:This)?\b`),
		regexp.MustCompile(`\brequire\b`),
		regexp.MustCompile(`\beval\b`),
		regexp.MustCompile(`\bFunction\b`),
		regexp.MustCompile(`\bimport\b`),
		regexp.MustCompile(`__proto__`),
		regexp.MustCompile(`\bconstructor\b`),
	}

	identRe       = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	placeholderRe = regexp.MustCompile(`\$\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}`)
	callRe        = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\(\s*(.*?)\s*\)$`)
)

// Evaluator evaluates template expressions against a context map.
// The zero value evaluates everything except the namespace function.
type Evaluator struct {
	resourceModeler ResourceModeler
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithResourceModeler wires the namespace function to a datastore-backed
// resolver. Without it, calling the function fails with
// ErrUndefinedContext.
func WithResourceModeler(f ResourceModeler) Option {
	return func(e *Evaluator) { e.resourceModeler = f }
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluate evaluates one expression against the context. A bare
// identifier or a lone ${identifier} yields the raw context value; any
// other shape interpolates into a string. Identifiers absent from the
// context are left untouched rather than substituted.
func (e *Evaluator) Evaluate(expr string, context map[string]any) (any, error) {
	expr = strings.TrimSpace(expr)

	if err := checkForbidden(expr); err != nil {
		return nil, err
	}

	// Whole-expression namespace function call.
	if m := callRe.FindStringSubmatch(expr); m != nil {
		return e.call(m[1], m[2], context)
	}

	// Bare identifier: raw context value.
	if identRe.MatchString(expr) {
		if v, ok := context[expr]; ok {
			return v, nil
		}
		return expr, nil
	}

	// Lone placeholder: raw context value.
	if m := placeholderRe.FindStringSubmatch(expr); m != nil && m[0] == expr {
		if v, ok := context[m[1]]; ok {
			return v, nil
		}
		return expr, nil
	}

	return e.interpolate(expr, context), nil
}

// EvaluateString is Evaluate with the result coerced to a string.
func (e *Evaluator) EvaluateString(expr string, context map[string]any) (string, error) {
	v, err := e.Evaluate(expr, context)
	if err != nil {
		return "", err
	}
	return stringify(v), nil
}

func (e *Evaluator) call(name, rawArg string, context map[string]any) (any, error) {
	if name != ResourceModelFunc {
		return nil, fmt.Errorf("%w: function %q is not allowed", ErrForbiddenToken, name)
	}
	if e.resourceModeler == nil {
		return nil, fmt.Errorf("%w: no datastore available for %s",
			nucleus.ErrUndefinedContext, ResourceModelFunc)
	}

	arg := strings.TrimSpace(rawArg)
	switch {
	case len(arg) >= 2 && (arg[0] == '\'' || arg[0] == '"') && arg[len(arg)-1] == arg[0]:
		arg = arg[1 : len(arg)-1]
	case identRe.MatchString(arg):
		if v, ok := context[arg]; ok {
			arg = stringify(v)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported argument %q", ErrForbiddenToken, rawArg)
	}

	return e.resourceModeler(arg)
}

func (e *Evaluator) interpolate(expr string, context map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(expr, func(ph string) string {
		name := placeholderRe.FindStringSubmatch(ph)[1]
		if v, ok := context[name]; ok {
			return stringify(v)
		}
		return ph
	})
}

func checkForbidden(expr string) error {
	for _, re := range forbidden {
		if re.MatchString(expr) {
			return fmt.Errorf("%w: %q", ErrForbiddenToken, re.String())
		}
	}
	return nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
