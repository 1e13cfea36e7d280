// Package signature selects which of an action's candidate signatures
// a message satisfies and type-checks the arguments against the
// action's declared schema.
package signature

import (
	"fmt"
	"sort"
	"strings"

	nucleus "github.com/expertping/idex.nucleus"
)

// Sentinel argument names with special sourcing rules.
const (
	// ArgOptions passes the entire effective message as one argument.
	ArgOptions = "options"
	// ArgOriginUserID is taken from the action's origin metadata, never
	// from the message.
	ArgOriginUserID = "origin_user_id"
)

// Resolved is the outcome of signature resolution: the winning
// candidate and the positional argument values pulled from the message.
type Resolved struct {
	Signature []string
	Arguments []any
}

// Resolve iterates candidates in order and returns the first candidate
// whose every argument name is either a sentinel or a key present in
// the message. Resolution is deterministic: the same candidate list and
// message keys always select the same signature.
//
// After selection each argument is type-checked against schema; a
// mismatch fails with ErrUnexpectedValueType. When no candidate is
// satisfied the error is ErrUndefinedContext carrying both the
// candidate list and the message keys.
func Resolve(candidates [][]string, message map[string]any, originUserID string, schema map[string]string) (*Resolved, error) {
	for _, candidate := range candidates {
		if candidate == nil {
			continue
		}
		if !covered(candidate, message) {
			continue
		}

		args := make([]any, 0, len(candidate))
		for _, name := range candidate {
			switch name {
			case ArgOptions:
				args = append(args, message)
			case ArgOriginUserID:
				args = append(args, originUserID)
			default:
				value := message[name]
				if err := checkType(name, value, schema); err != nil {
					return nil, err
				}
				args = append(args, value)
			}
		}
		return &Resolved{Signature: candidate, Arguments: args}, nil
	}

	return nil, fmt.Errorf("%w: no signature in %v is covered by message keys %v",
		nucleus.ErrUndefinedContext, candidates, messageKeys(message))
}

// covered reports whether every argument of the candidate can be
// sourced: sentinels always can, everything else needs a message key.
func covered(candidate []string, message map[string]any) bool {
	for _, name := range candidate {
		if name == ArgOptions || name == ArgOriginUserID {
			continue
		}
		if _, ok := message[name]; !ok {
			return false
		}
	}
	return true
}

// checkType validates a single argument value against its descriptor.
// Descriptors are lowercased primitive names plus "array" and "object";
// a trailing "?" marks the argument optional and a compound "a.<B>"
// reduces to "a".
func checkType(name string, value any, schema map[string]string) error {
	descriptor, ok := schema[name]
	if !ok {
		return nil
	}

	optional := strings.HasSuffix(descriptor, "?")
	descriptor = strings.TrimSuffix(descriptor, "?")
	if i := strings.Index(descriptor, ".<"); i >= 0 {
		descriptor = descriptor[:i]
	}
	descriptor = strings.ToLower(descriptor)

	if value == nil {
		if optional {
			return nil
		}
		return fmt.Errorf("%w: argument %q is nil, expected %s",
			nucleus.ErrUndefinedValue, name, descriptor)
	}

	if !matches(descriptor, value) {
		return fmt.Errorf("%w: argument %q is %T, expected %s",
			nucleus.ErrUnexpectedValueType, name, value, descriptor)
	}
	return nil
}

func matches(descriptor string, value any) bool {
	switch descriptor {
	case "string":
		_, ok := value.(string)
		return ok
	case "number", "integer", "float":
		switch value.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		switch value.(type) {
		case []any, []string, []float64, []bool:
			return true
		}
		return false
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		// Unknown descriptors pass; the schema is advisory for types
		// the harvester cannot name.
		return true
	}
}

func messageKeys(message map[string]any) []string {
	keys := make([]string, 0, len(message))
	for k := range message {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
