package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/hrygo/uncanny/ai/core/llm"
	"github.com/hrygo/uncanny/internal/apperrors"
)

// Validate checks raw arguments against schema: required keys, types, enums,
// numeric bounds and unknown properties.
func Validate(schema *llm.JSONSchema, raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return apperrors.InvalidArgument("arguments are not valid JSON: %v", err)
	}
	if err := validateValue(schema, value, "arguments"); err != nil {
		return apperrors.InvalidArgument("%s", err.Error())
	}
	return nil
}

func validateValue(s *llm.JSONSchema, v any, path string) error {
	switch s.Type {
	case "object":
		obj, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected object", path)
		}
		for _, key := range s.Required {
			if _, ok := obj[key]; !ok {
				return fmt.Errorf("%s: missing required property %q", path, key)
			}
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			prop, ok := s.Properties[k]
			if !ok {
				if s.AdditionalProperties {
					continue
				}
				return fmt.Errorf("%s: unknown property %q", path, k)
			}
			if err := validateValue(prop, obj[k], path+"."+k); err != nil {
				return err
			}
		}
	case "array":
		list, ok := v.([]any)
		if !ok {
			return fmt.Errorf("%s: expected array", path)
		}
		if s.Items != nil {
			for i, item := range list {
				if err := validateValue(s.Items, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
	case "string":
		str, ok := v.(string)
		if !ok {
			return fmt.Errorf("%s: expected string", path)
		}
		if len(s.Enum) > 0 && !slices.Contains(s.Enum, str) {
			return fmt.Errorf("%s: %q is not one of %v", path, str, s.Enum)
		}
	case "number", "integer":
		num, ok := v.(json.Number)
		if !ok {
			return fmt.Errorf("%s: expected %s", path, s.Type)
		}
		f, err := num.Float64()
		if err != nil {
			return fmt.Errorf("%s: invalid number %s", path, num)
		}
		if s.Type == "integer" && f != math.Trunc(f) {
			return fmt.Errorf("%s: expected integer, got %s", path, num)
		}
		if s.Minimum != nil && f < *s.Minimum {
			return fmt.Errorf("%s: %s is below minimum %v", path, num, *s.Minimum)
		}
		if s.Maximum != nil && f > *s.Maximum {
			return fmt.Errorf("%s: %s is above maximum %v", path, num, *s.Maximum)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%s: expected boolean", path)
		}
	}
	return nil
}
