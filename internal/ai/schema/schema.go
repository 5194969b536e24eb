package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// ValidationError reports tool arguments that do not satisfy the declared parameters.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	if e == nil || e.Err == nil {
		return "invalid arguments"
	}
	return "invalid arguments: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsValidation reports whether err was produced by argument validation.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validator checks raw tool arguments against a JSON-Schema subset.
//
// The parameters map is kept as-is so wire adapters can forward it untouched;
// validation runs against a resolved copy.
type Validator struct {
	params   map[string]any
	schema   *jsonschema.Schema
	resolved *jsonschema.Resolved
}

// Compile parses params into a resolved schema. A nil or empty params map accepts any object.
func Compile(params map[string]any) (*Validator, error) {
	if len(params) == 0 {
		params = map[string]any{"type": "object"}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	rs, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}
	return &Validator{params: params, schema: &s, resolved: rs}, nil
}

// MustCompile is Compile for package-level builtin schemas.
func MustCompile(params map[string]any) *Validator {
	v, err := Compile(params)
	if err != nil {
		panic(err)
	}
	return v
}

// Params returns the original parameters map.
func (v *Validator) Params() map[string]any {
	if v == nil {
		return nil
	}
	return v.params
}

// Validate coerces scalar strings toward declared types, then validates.
// The returned map is a coerced copy; args is never mutated.
func (v *Validator) Validate(args map[string]any) (map[string]any, error) {
	if v == nil {
		return args, nil
	}
	if args == nil {
		args = map[string]any{}
	}
	coerced, _ := coerce(args, v.schema).(map[string]any)
	if coerced == nil {
		coerced = map[string]any{}
	}
	if err := v.resolved.Validate(coerced); err != nil {
		return nil, &ValidationError{Err: trimValidationPrefix(err)}
	}
	return coerced, nil
}

// coerce returns a copy of value adjusted toward s's declared type(s).
// Values that cannot be coerced are returned unchanged and left for Validate to reject.
func coerce(value any, s *jsonschema.Schema) any {
	if s == nil {
		return value
	}
	types := declaredTypes(s)
	switch x := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = coerce(item, propertySchema(s, k))
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = coerce(item, s.Items)
		}
		return out
	case string:
		if hasType(types, "string") {
			return x
		}
		raw := strings.TrimSpace(x)
		if hasType(types, "integer") {
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return float64(n)
			}
		}
		if hasType(types, "number") {
			if f, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
				return f
			}
		}
		if hasType(types, "boolean") {
			switch strings.ToLower(raw) {
			case "true":
				return true
			case "false":
				return false
			}
		}
		return x
	case float64:
		if len(types) == 1 && types[0] == "string" {
			return strconv.FormatFloat(x, 'f', -1, 64)
		}
		return x
	default:
		return value
	}
}

func propertySchema(s *jsonschema.Schema, key string) *jsonschema.Schema {
	if s == nil {
		return nil
	}
	if p, ok := s.Properties[key]; ok {
		return p
	}
	return s.AdditionalProperties
}

func declaredTypes(s *jsonschema.Schema) []string {
	if s == nil {
		return nil
	}
	if s.Type != "" {
		return []string{s.Type}
	}
	return s.Types
}

func hasType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

// trimValidationPrefix drops the "validating <path>:" wrappers the validator adds at each
// level, keeping the innermost property path so the model can tell which field is wrong.
func trimValidationPrefix(err error) error {
	msg := err.Error()
	field := ""
	for strings.HasPrefix(msg, "validating ") {
		colon := strings.Index(msg, ": ")
		if colon < 0 {
			break
		}
		path := msg[len("validating "):colon]
		if idx := strings.LastIndex(path, "/properties/"); idx >= 0 {
			field = path[idx+len("/properties/"):]
		}
		msg = msg[colon+2:]
	}
	if field != "" {
		msg = field + ": " + msg
	}
	return errors.New(msg)
}
