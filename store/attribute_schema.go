package store

import (
	"context"
	"slices"
	"strconv"

	"github.com/pkg/errors"
)

// AttributeType is the data type of a structured attribute.
type AttributeType string

const (
	AttributeString AttributeType = "string"
	AttributeEnum   AttributeType = "enum"
	AttributeNumber AttributeType = "number"
	AttributeBool   AttributeType = "bool"
)

// AttributeSchema defines one key of the shared attribute vocabulary.
type AttributeSchema struct {
	Key           string
	Type          AttributeType
	Description   string
	AllowedValues []string
	Filterable    bool
	UpdatedTs     int64
}

// ValidateValue checks v against the schema's type and allowed values.
func (s *AttributeSchema) ValidateValue(v string) error {
	switch s.Type {
	case AttributeEnum:
		if !slices.Contains(s.AllowedValues, v) {
			return errors.Errorf("attribute %q: value %q not in %v", s.Key, v, s.AllowedValues)
		}
	case AttributeNumber:
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return errors.Errorf("attribute %q: %q is not a number", s.Key, v)
		}
	case AttributeBool:
		if _, err := strconv.ParseBool(v); err != nil {
			return errors.Errorf("attribute %q: %q is not a bool", s.Key, v)
		}
	}
	return nil
}

// ValidateFilter checks every attribute key of f against schemas.
func ValidateFilter(f *ExperienceFilter, schemas []*AttributeSchema) error {
	if f == nil {
		return nil
	}
	byKey := make(map[string]*AttributeSchema, len(schemas))
	for _, s := range schemas {
		byKey[s.Key] = s
	}
	for key, value := range f.Attributes {
		s, ok := byKey[key]
		if !ok {
			return errors.Errorf("unknown attribute: %s", key)
		}
		if !s.Filterable {
			return errors.Errorf("attribute is not filterable: %s", key)
		}
		if err := s.ValidateValue(value); err != nil {
			return err
		}
	}
	for key, r := range f.Ranges {
		s, ok := byKey[key]
		if !ok {
			return errors.Errorf("unknown attribute: %s", key)
		}
		if !s.Filterable || s.Type != AttributeNumber {
			return errors.Errorf("attribute does not support ranges: %s", key)
		}
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			return errors.Errorf("attribute %q: min greater than max", key)
		}
	}
	for _, c := range f.Categories {
		if !c.Valid() {
			return errors.Errorf("unknown category: %s", c)
		}
	}
	if f.OccurredAfter != nil && f.OccurredBefore != nil && f.OccurredAfter.After(*f.OccurredBefore) {
		return errors.New("occurred_after is later than occurred_before")
	}
	return nil
}

// MatchesFilter is the in-memory form of the filter gate.
// Expression is not evaluated here.
func MatchesFilter(e *Experience, f *ExperienceFilter) bool {
	if f == nil {
		return true
	}
	if len(f.Categories) > 0 && !slices.Contains(f.Categories, e.Category) {
		return false
	}
	if f.OccurredAfter != nil && e.OccurredAt.Before(*f.OccurredAfter) {
		return false
	}
	if f.OccurredBefore != nil && e.OccurredAt.After(*f.OccurredBefore) {
		return false
	}
	for key, value := range f.Attributes {
		if e.Attributes[key] != value {
			return false
		}
	}
	for key, r := range f.Ranges {
		raw, ok := e.Attributes[key]
		if !ok {
			return false
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || !r.Contains(v) {
			return false
		}
	}
	for _, tag := range f.Tags {
		if !slices.Contains(e.Tags, tag) {
			return false
		}
	}
	return true
}

// ListAttributeSchemas returns the attribute vocabulary, cached.
func (s *Store) ListAttributeSchemas(ctx context.Context) ([]*AttributeSchema, error) {
	if cached, ok := s.schemaCache.Get(attributeSchemaCacheKey); ok {
		return cached, nil
	}
	list, err := s.driver.ListAttributeSchemas(ctx)
	if err != nil {
		return nil, err
	}
	s.schemaCache.SetWithDefaultTTL(attributeSchemaCacheKey, list)
	return list, nil
}

// UpsertAttributeSchema stores a schema and drops the cached vocabulary.
func (s *Store) UpsertAttributeSchema(ctx context.Context, schema *AttributeSchema) (*AttributeSchema, error) {
	if schema.Key == "" {
		return nil, errors.New("attribute key required")
	}
	if schema.Type == AttributeEnum && len(schema.AllowedValues) == 0 {
		return nil, errors.Errorf("enum attribute %q needs allowed values", schema.Key)
	}
	saved, err := s.driver.UpsertAttributeSchema(ctx, schema)
	if err != nil {
		return nil, err
	}
	s.schemaCache.Remove(attributeSchemaCacheKey)
	return saved, nil
}
