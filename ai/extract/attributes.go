package extract

import (
	"strings"

	"github.com/hrygo/uncanny/store"
)

// ExtractAttributes maps "key=value" tokens and bare enum values of filterable
// schemas into exact attribute filters. Values failing schema validation are ignored.
// A bare value allowed by more than one enum schema is ambiguous and skipped.
func ExtractAttributes(question string, schemas []*store.AttributeSchema) map[string]string {
	byKey := map[string]*store.AttributeSchema{}
	byEnumValue := map[string][]*store.AttributeSchema{}
	for _, s := range schemas {
		if !s.Filterable {
			continue
		}
		byKey[strings.ToLower(s.Key)] = s
		if s.Type == store.AttributeEnum {
			for _, v := range s.AllowedValues {
				byEnumValue[strings.ToLower(v)] = append(byEnumValue[strings.ToLower(v)], s)
			}
		}
	}

	attributes := map[string]string{}
	var bare []string
	for _, field := range strings.Fields(question) {
		field = strings.Trim(field, ".,;:!?\"'()[]")
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			key, value, ok = strings.Cut(field, ":")
		}
		if ok {
			s, known := byKey[strings.ToLower(key)]
			if known && s.ValidateValue(value) == nil {
				attributes[s.Key] = value
			}
			continue
		}
		bare = append(bare, strings.ToLower(field))
	}
	for _, token := range bare {
		candidates := byEnumValue[token]
		if len(candidates) != 1 {
			continue
		}
		s := candidates[0]
		if _, set := attributes[s.Key]; set {
			continue
		}
		for _, allowed := range s.AllowedValues {
			if strings.EqualFold(allowed, token) {
				attributes[s.Key] = allowed
			}
		}
	}
	if len(attributes) == 0 {
		return nil
	}
	return attributes
}
