package events

import (
	"fmt"
	"regexp"
)

// Field kinds a schema can declare for a payload field.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindObject
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

// CheckFunc is a custom constraint run after the declarative checks pass
// for a field. It may normalize the value in place through the payload map
// and returns human-readable violations.
type CheckFunc func(field string, value interface{}, data map[string]interface{}) []string

// FieldSpec declares the constraints for one payload field.
type FieldSpec struct {
	Required bool
	Kind     Kind
	MinLen   int // strings only; 0 means no minimum
	MaxLen   int // strings only; 0 means no maximum
	Pattern  *regexp.Regexp
	Enum     []string
	Sanitize bool // strip markup and control characters in place
	Check    CheckFunc
}

// Schema declares the shape of one event's payload. AnyOf groups require
// at least one of the listed fields to be present, on top of per-field
// Required flags.
type Schema struct {
	Fields map[string]FieldSpec
	AnyOf  [][]string
}

// Validate checks data against the schema, normalizing sanitized fields in
// place. It returns a list of human-readable violations; an empty list
// means the payload is valid. Unknown fields are dropped from the payload
// so handlers only ever see declared fields.
func (s *Schema) Validate(data map[string]interface{}) []string {
	var violations []string

	// Unknown fields never reach handlers.
	for field := range data {
		if _, declared := s.Fields[field]; !declared {
			delete(data, field)
		}
	}

	for field, spec := range s.Fields {
		value, present := data[field]
		if !present || value == nil {
			if spec.Required {
				violations = append(violations, fmt.Sprintf("%s is required", field))
			}
			continue
		}
		violations = append(violations, validateField(field, spec, value, data)...)
	}

	for _, group := range s.AnyOf {
		if !anyPresent(data, group) {
			violations = append(violations, fmt.Sprintf("at least one of %v is required", group))
		}
	}

	return violations
}

func validateField(field string, spec FieldSpec, value interface{}, data map[string]interface{}) []string {
	var violations []string

	switch spec.Kind {
	case KindString:
		str, ok := value.(string)
		if !ok {
			return []string{fmt.Sprintf("%s must be a string", field)}
		}
		if spec.Sanitize {
			str = SanitizeText(str)
			data[field] = str
		}
		if spec.MinLen > 0 && len(str) < spec.MinLen {
			violations = append(violations, fmt.Sprintf("%s must be at least %d characters", field, spec.MinLen))
		}
		if spec.MaxLen > 0 && len(str) > spec.MaxLen {
			violations = append(violations, fmt.Sprintf("%s must be at most %d characters", field, spec.MaxLen))
		}
		if spec.Pattern != nil && !spec.Pattern.MatchString(str) {
			violations = append(violations, fmt.Sprintf("%s has invalid format", field))
		}
		if len(spec.Enum) > 0 && !inEnum(str, spec.Enum) {
			violations = append(violations, fmt.Sprintf("%s must be one of %v", field, spec.Enum))
		}

	case KindNumber:
		if _, ok := value.(float64); !ok { // encoding/json decodes numbers as float64
			return []string{fmt.Sprintf("%s must be a number", field)}
		}

	case KindBool:
		if _, ok := value.(bool); !ok {
			return []string{fmt.Sprintf("%s must be a boolean", field)}
		}

	case KindObject:
		if _, ok := value.(map[string]interface{}); !ok {
			return []string{fmt.Sprintf("%s must be an object", field)}
		}

	case KindArray:
		if _, ok := value.([]interface{}); !ok {
			return []string{fmt.Sprintf("%s must be an array", field)}
		}
	}

	if len(violations) == 0 && spec.Check != nil {
		violations = append(violations, spec.Check(field, data[field], data)...)
	}

	return violations
}

func anyPresent(data map[string]interface{}, fields []string) bool {
	for _, field := range fields {
		if value, ok := data[field]; ok && value != nil {
			return true
		}
	}
	return false
}

func inEnum(value string, enum []string) bool {
	for _, allowed := range enum {
		if value == allowed {
			return true
		}
	}
	return false
}
