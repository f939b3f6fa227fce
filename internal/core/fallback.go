package core

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// FallbackKind tags the JSON shape held by a FallbackValue.
type FallbackKind string

const (
	FallbackObject FallbackKind = "object"
	FallbackArray  FallbackKind = "array"
	FallbackString FallbackKind = "string"
	FallbackNumber FallbackKind = "number"
	FallbackBool   FallbackKind = "bool"
	FallbackNull   FallbackKind = "null"
)

// FallbackValue is a pre-configured substitute payload served when upstream
// calls are exhausted. It preserves the configured JSON verbatim.
type FallbackValue struct {
	Kind FallbackKind
	Raw  json.RawMessage
}

// NewFallbackValue classifies raw JSON into a tagged value.
func NewFallbackValue(raw []byte) (FallbackValue, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return FallbackValue{}, fmt.Errorf("fallback response is empty")
	}
	if !json.Valid(trimmed) {
		return FallbackValue{}, fmt.Errorf("fallback response is not valid JSON")
	}

	var kind FallbackKind
	switch trimmed[0] {
	case '{':
		kind = FallbackObject
	case '[':
		kind = FallbackArray
	case '"':
		kind = FallbackString
	case 't', 'f':
		kind = FallbackBool
	case 'n':
		kind = FallbackNull
	default:
		kind = FallbackNumber
	}

	return FallbackValue{Kind: kind, Raw: append(json.RawMessage(nil), trimmed...)}, nil
}

// Clone returns a copy that does not share the raw buffer.
func (v FallbackValue) Clone() FallbackValue {
	return FallbackValue{Kind: v.Kind, Raw: append(json.RawMessage(nil), v.Raw...)}
}

// Object decodes an object fallback into a map. Non-object kinds return nil.
func (v FallbackValue) Object() (map[string]any, error) {
	if v.Kind != FallbackObject {
		return nil, nil
	}
	out := map[string]any{}
	if err := json.Unmarshal(v.Raw, &out); err != nil {
		return nil, fmt.Errorf("decode fallback response: %w", err)
	}
	return out, nil
}

// MarshalJSON emits the stored JSON unchanged.
func (v FallbackValue) MarshalJSON() ([]byte, error) {
	if len(v.Raw) == 0 {
		return []byte("null"), nil
	}
	return v.Raw, nil
}

// UnmarshalJSON classifies and stores the JSON value.
func (v *FallbackValue) UnmarshalJSON(data []byte) error {
	parsed, err := NewFallbackValue(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// UnmarshalYAML converts a YAML node into its JSON equivalent.
func (v *FallbackValue) UnmarshalYAML(node *yaml.Node) error {
	var decoded any
	if err := node.Decode(&decoded); err != nil {
		return err
	}
	raw, err := json.Marshal(decoded)
	if err != nil {
		return fmt.Errorf("encode fallback response: %w", err)
	}
	return v.UnmarshalJSON(raw)
}

// MarshalYAML emits the decoded value so it renders as native YAML.
func (v FallbackValue) MarshalYAML() (any, error) {
	if len(v.Raw) == 0 {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal(v.Raw, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}
