package action

import (
	"encoding/json"
	"fmt"
)

// Configuration describes a registered action: its signature pair, the
// argument type schema, and where the handler lives. Records are
// produced by the metadata ingestor and stored verbatim in the
// registry tables.
type Configuration struct {
	ActionName string `json:"action_name"`

	// Signature is the ordered list of argument names the handler
	// accepts. AlternativeSignature, when present, is tried after it.
	Signature            []string `json:"action_signature"`
	AlternativeSignature []string `json:"action_alternative_signature,omitempty"`

	// ArgumentsByName maps argument name to a type descriptor string.
	// A trailing "?" marks the argument optional for type checking.
	ArgumentsByName map[string]string `json:"argument_configuration_by_argument_name,omitempty"`

	// ContextName is "Self" when the handler runs against the engine
	// itself, otherwise the module name the handler was harvested from.
	ContextName string `json:"context_name"`
	FilePath    string `json:"file_path,omitempty"`
	MethodName  string `json:"method_name"`

	// EventName, when set, names an event published alongside execution.
	EventName string `json:"event_name,omitempty"`

	// ActionNameToExtend chains this action to a parent extendable
	// configuration.
	ActionNameToExtend string `json:"action_name_to_extend,omitempty"`
}

// ExtendableConfiguration is a parameterized action whose effective
// name and argument defaults are produced by evaluating templates
// against the concrete caller's payload.
type ExtendableConfiguration struct {
	Configuration

	// ExtendableActionName is a template producing the effective name.
	ExtendableActionName string `json:"extendable_action_name"`

	// ArgumentDefaults maps argument name to a template producing the
	// default value when the caller's message omits it.
	ArgumentDefaults map[string]string `json:"extendable_action_argument_default,omitempty"`

	// ExtendableAlternativeSignature is a list of templates, each
	// evaluating to an argument name of an additional signature.
	ExtendableAlternativeSignature []string `json:"extendable_alternative_action_signature,omitempty"`
}

// ResourceStructure describes the persisted shape of a resource type.
type ResourceStructure struct {
	ResourceType             string            `json:"resource_type"`
	PropertiesByArgumentName map[string]string `json:"properties_by_argument_name,omitempty"`
	ContextName              string            `json:"context_name"`
	FilePath                 string            `json:"file_path,omitempty"`
}

// EncodeConfiguration serializes a record for registry hash storage.
func EncodeConfiguration(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("action: encode configuration: %w", err)
	}
	return string(b), nil
}

// DecodeConfiguration parses a Configuration from its stored form.
func DecodeConfiguration(s string) (*Configuration, error) {
	var c Configuration
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return nil, fmt.Errorf("action: decode configuration: %w", err)
	}
	return &c, nil
}

// DecodeExtendableConfiguration parses an ExtendableConfiguration from
// its stored form.
func DecodeExtendableConfiguration(s string) (*ExtendableConfiguration, error) {
	var c ExtendableConfiguration
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return nil, fmt.Errorf("action: decode extendable configuration: %w", err)
	}
	return &c, nil
}

// DecodeResourceStructure parses a ResourceStructure from its stored form.
func DecodeResourceStructure(s string) (*ResourceStructure, error) {
	var r ResourceStructure
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, fmt.Errorf("action: decode resource structure: %w", err)
	}
	return &r, nil
}
