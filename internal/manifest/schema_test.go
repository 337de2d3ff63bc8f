package manifest

import (
	"errors"
	"testing"
)

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func TestSchemaValidateObject(t *testing.T) {
	s := &Schema{
		Type:     TypeObject,
		Required: []string{"to", "subject"},
		Properties: map[string]*Schema{
			"to":      {Type: TypeString, MinLength: intPtr(3)},
			"subject": {Type: TypeString},
			"copies":  {Type: TypeInteger, Minimum: floatPtr(1), Maximum: floatPtr(10)},
		},
	}

	if err := s.Validate([]byte(`{"to": "a@b.c", "subject": "hi", "copies": 2}`)); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

func TestSchemaValidateCollectsAll(t *testing.T) {
	s := &Schema{
		Type:     TypeObject,
		Required: []string{"to", "subject"},
		Properties: map[string]*Schema{
			"copies": {Type: TypeInteger, Maximum: floatPtr(10)},
		},
	}

	err := s.Validate([]byte(`{"copies": 99}`))
	if err == nil {
		t.Fatal("Validate() expected error")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	// Missing "to", missing "subject", copies above maximum.
	if len(verr.Violations) != 3 {
		t.Errorf("len(Violations) = %d, want 3: %v", len(verr.Violations), verr.Violations)
	}
}

func TestSchemaValidateTypeMismatch(t *testing.T) {
	s := &Schema{Type: TypeObject, Properties: map[string]*Schema{
		"count": {Type: TypeNumber},
	}}

	if err := s.Validate([]byte(`{"count": "three"}`)); err == nil {
		t.Error("Validate() expected type mismatch error")
	}
}

func TestSchemaValidateInteger(t *testing.T) {
	s := &Schema{Type: TypeInteger}

	if err := s.Validate([]byte(`3`)); err != nil {
		t.Errorf("Validate(3) error = %v", err)
	}
	if err := s.Validate([]byte(`3.5`)); err == nil {
		t.Error("Validate(3.5) expected error for non-integer")
	}
}

func TestSchemaValidateEnum(t *testing.T) {
	s := &Schema{Type: TypeString, Enum: []string{"inbox", "archive"}}

	if err := s.Validate([]byte(`"inbox"`)); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if err := s.Validate([]byte(`"trash"`)); err == nil {
		t.Error("Validate() expected enum violation")
	}
}

func TestSchemaValidateArrayItems(t *testing.T) {
	s := &Schema{
		Type:      TypeArray,
		MaxLength: intPtr(3),
		Items:     &Schema{Type: TypeString},
	}

	if err := s.Validate([]byte(`["a", "b"]`)); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if err := s.Validate([]byte(`["a", 1]`)); err == nil {
		t.Error("Validate() expected item type violation")
	}
	if err := s.Validate([]byte(`["a", "b", "c", "d"]`)); err == nil {
		t.Error("Validate() expected maxLength violation")
	}
}

func TestSchemaValidatePattern(t *testing.T) {
	s := &Schema{Type: TypeString, Pattern: `^[a-z]+$`}

	if err := s.Validate([]byte(`"abc"`)); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if err := s.Validate([]byte(`"ABC"`)); err == nil {
		t.Error("Validate() expected pattern violation")
	}
}

func TestSchemaValidateNilSchema(t *testing.T) {
	var s *Schema
	if err := s.Validate([]byte(`{"anything": true}`)); err != nil {
		t.Errorf("nil schema Validate() error = %v, want nil", err)
	}
}
