package manifest

import (
	"regexp"
	"strconv"
	"sync"

	"github.com/tidwall/gjson"
)

// Schema type names.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
	TypeNull    = "null"
)

// Schema is a structural schema for capability inputs and outputs. It covers
// the JSON Schema subset the kernel needs: type, object properties with
// required fields, array items, enums, and numeric/length bounds.
type Schema struct {
	Type       string             `json:"type,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	Required   []string           `json:"required,omitempty"`
	Items      *Schema            `json:"items,omitempty"`
	Enum       []string           `json:"enum,omitempty"`
	Minimum    *float64           `json:"minimum,omitempty"`
	Maximum    *float64           `json:"maximum,omitempty"`
	MinLength  *int               `json:"minLength,omitempty"`
	MaxLength  *int               `json:"maxLength,omitempty"`
	Pattern    string             `json:"pattern,omitempty"`
}

// patternCache caches compiled schema patterns across validations.
var patternCache sync.Map // map[string]*regexp.Regexp

// Validate checks a raw JSON document against the schema. Every violation is
// collected; validation does not stop at the first problem.
func (s *Schema) Validate(raw []byte) error {
	if s == nil {
		return nil
	}
	doc := gjson.ParseBytes(raw)
	errs := &ValidationError{}
	s.validateValue("$", doc, errs)
	return errs.AsError()
}

// validateValue validates a single value against the schema, recursing into
// objects and arrays.
func (s *Schema) validateValue(path string, v gjson.Result, errs *ValidationError) {
	if !v.Exists() {
		errs.Add("%s: value is missing", path)
		return
	}

	if s.Type != "" && !typeMatches(s.Type, v) {
		errs.Add("%s: expected %s, got %s", path, s.Type, typeName(v))
		return
	}

	if len(s.Enum) > 0 {
		found := false
		for _, allowed := range s.Enum {
			if v.String() == allowed {
				found = true
				break
			}
		}
		if !found {
			errs.Add("%s: value %q not in enum", path, v.String())
		}
	}

	switch {
	case v.Type == gjson.Number:
		n := v.Float()
		if s.Minimum != nil && n < *s.Minimum {
			errs.Add("%s: %v is below minimum %v", path, n, *s.Minimum)
		}
		if s.Maximum != nil && n > *s.Maximum {
			errs.Add("%s: %v is above maximum %v", path, n, *s.Maximum)
		}

	case v.Type == gjson.String:
		str := v.String()
		if s.MinLength != nil && len(str) < *s.MinLength {
			errs.Add("%s: length %d is below minLength %d", path, len(str), *s.MinLength)
		}
		if s.MaxLength != nil && len(str) > *s.MaxLength {
			errs.Add("%s: length %d is above maxLength %d", path, len(str), *s.MaxLength)
		}
		if s.Pattern != "" {
			if re := compilePattern(s.Pattern); re != nil && !re.MatchString(str) {
				errs.Add("%s: value does not match pattern %q", path, s.Pattern)
			}
		}

	case v.IsObject():
		for _, req := range s.Required {
			if !v.Get(req).Exists() {
				errs.Add("%s: required property %q is missing", path, req)
			}
		}
		for name, propSchema := range s.Properties {
			prop := v.Get(name)
			if !prop.Exists() {
				continue // Absent optional properties are fine
			}
			propSchema.validateValue(path+"."+name, prop, errs)
		}

	case v.IsArray():
		arr := v.Array()
		if s.MinLength != nil && len(arr) < *s.MinLength {
			errs.Add("%s: array length %d is below minLength %d", path, len(arr), *s.MinLength)
		}
		if s.MaxLength != nil && len(arr) > *s.MaxLength {
			errs.Add("%s: array length %d is above maxLength %d", path, len(arr), *s.MaxLength)
		}
		if s.Items != nil {
			for i, item := range arr {
				s.Items.validateValue(indexPath(path, i), item, errs)
			}
		}
	}
}

// typeMatches reports whether the gjson value satisfies the schema type name.
func typeMatches(want string, v gjson.Result) bool {
	switch want {
	case TypeString:
		return v.Type == gjson.String
	case TypeNumber:
		return v.Type == gjson.Number
	case TypeInteger:
		return v.Type == gjson.Number && v.Float() == float64(v.Int())
	case TypeBoolean:
		return v.Type == gjson.True || v.Type == gjson.False
	case TypeObject:
		return v.IsObject()
	case TypeArray:
		return v.IsArray()
	case TypeNull:
		return v.Type == gjson.Null
	default:
		return true // Unknown type names are not enforced
	}
}

// typeName returns a schema type name for a gjson value.
func typeName(v gjson.Result) string {
	switch {
	case v.Type == gjson.String:
		return TypeString
	case v.Type == gjson.Number:
		return TypeNumber
	case v.Type == gjson.True, v.Type == gjson.False:
		return TypeBoolean
	case v.IsObject():
		return TypeObject
	case v.IsArray():
		return TypeArray
	case v.Type == gjson.Null:
		return TypeNull
	default:
		return "unknown"
	}
}

// compilePattern compiles and caches a schema pattern. Invalid patterns are
// ignored rather than failing the document.
func compilePattern(pattern string) *regexp.Regexp {
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	patternCache.Store(pattern, re)
	return re
}

// indexPath builds an array element path like "$.items[2]".
func indexPath(path string, i int) string {
	return path + "[" + strconv.Itoa(i) + "]"
}
