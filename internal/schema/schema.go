// Package schema validates untyped decoded JSON against declarative field
// schemas, optionally recovering invalid or missing fields from declared
// defaults instead of failing outright. Persisted state is advisory in this
// system, so callers choose per read whether a damaged record is repaired
// (recover mode) or reported as unusable.
package schema

import (
	"fmt"
	"math"
	"regexp"
	"slices"
)

// FieldSchema is the tagged union of per-type field constraints. Exactly
// one variant exists per runtime type so the walker can switch
// exhaustively instead of probing optional properties.
type FieldSchema interface {
	base() Common
}

// Common holds the constraints shared by every field variant.
type Common struct {
	Required bool
	// Default enables recovery for this field. nil means no default; a
	// field whose legitimate default is the zero value declares it
	// explicitly (e.g. Default: 0).
	Default any
}

func (c Common) base() Common { return c }

// Number constrains a numeric field. JSON numbers decode as float64;
// integral Go ints are accepted as well.
type Number struct {
	Common
	Integer bool
	Min     *float64
	Max     *float64
}

// String constrains a string field. Length and pattern violations are
// never auto-correctable; enum violations recover via Default.
type String struct {
	Common
	MinLength *int
	MaxLength *int
	Pattern   *regexp.Regexp
	Enum      []string
}

// Bool constrains a boolean field.
type Bool struct {
	Common
}

// Object constrains a nested object field.
type Object struct {
	Common
	Properties map[string]FieldSchema
	// ForbidUnknown rejects fields not declared in Properties. When false
	// (the default) unknown fields pass through unchanged.
	ForbidUnknown bool
}

// Array constrains an array field; every element is validated against
// Items.
type Array struct {
	Common
	Items FieldSchema
}

// FieldError is one validation finding. Recovered entries did not block
// validity but are reported for diagnostics.
type FieldError struct {
	Path      string
	Message   string
	Value     any
	Recovered bool
}

// Result is the outcome of validating one structure.
type Result struct {
	Valid         bool
	Data          any
	Errors        []FieldError
	HasRecoveries bool
}

// Options controls a validation run.
type Options struct {
	// Recover substitutes declared defaults (or clamps numeric bounds)
	// instead of failing, where the violation permits it.
	Recover bool
	// Path prefixes every reported field path, for nested call sites.
	Path string
}

// Validate walks the declared properties of s against data and returns the
// (possibly recovered) value plus the full error log. The result is valid
// iff no non-recovered error exists.
func Validate(data any, s *Object, opts Options) *Result {
	res := &Result{}
	res.Data = validateValue(data, s, joinPath(opts.Path, ""), opts, res)
	res.Valid = true
	for _, e := range res.Errors {
		if e.Recovered {
			res.HasRecoveries = true
		} else {
			res.Valid = false
		}
	}
	return res
}

// ValidateSlice validates each element of items independently against
// elem. In recover mode, elements that still fail validation are dropped
// from the returned data; otherwise they are retained as-is and validity
// reflects the error count.
func ValidateSlice(items []any, elem FieldSchema, opts Options) *Result {
	res := &Result{}
	out := make([]any, 0, len(items))
	for i, item := range items {
		sub := &Result{}
		path := fmt.Sprintf("%s[%d]", opts.Path, i)
		value := validateField(item, true, elem, path, opts, sub)
		res.Errors = append(res.Errors, sub.Errors...)

		failed := false
		for _, e := range sub.Errors {
			if !e.Recovered {
				failed = true
				break
			}
		}
		if failed && opts.Recover {
			continue // drop unrecoverable element
		}
		out = append(out, value)
	}
	res.Data = out
	res.Valid = true
	for _, e := range res.Errors {
		if e.Recovered {
			res.HasRecoveries = true
		} else if !opts.Recover {
			res.Valid = false
		}
	}
	if opts.Recover {
		// Dropping repaired the collection; surviving elements are valid.
		res.Valid = true
	}
	return res
}

// validateValue checks data against an object schema and returns the
// validated (possibly recovered) map.
func validateValue(data any, s *Object, path string, opts Options, res *Result) any {
	m, ok := data.(map[string]any)
	if !ok {
		res.addError(path, fmt.Sprintf("expected object, got %T", data), data, false)
		return data
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, declared := s.Properties[k]; declared {
			continue // handled below
		}
		if s.ForbidUnknown {
			fieldPath := joinPath(path, k)
			if opts.Recover {
				res.addError(fieldPath, "unknown field dropped", v, true)
				continue
			}
			res.addError(fieldPath, "unknown field", v, false)
		}
		out[k] = v
	}

	for name, fs := range s.Properties {
		fieldPath := joinPath(path, name)
		value, present := m[name]

		if !present {
			common := fs.base()
			if !common.Required {
				continue
			}
			if common.Default != nil && opts.Recover {
				out[name] = common.Default
				res.addError(fieldPath, "missing required field, recovered from default", nil, true)
				continue
			}
			res.addError(fieldPath, "missing required field", nil, false)
			continue
		}

		out[name] = validateField(value, present, fs, fieldPath, opts, res)
	}
	return out
}

// validateField dispatches on the schema variant and returns the validated
// (possibly recovered) value.
func validateField(value any, _ bool, fs FieldSchema, path string, opts Options, res *Result) any {
	switch s := fs.(type) {
	case *Number:
		return validateNumber(value, s, path, opts, res)
	case *String:
		return validateString(value, s, path, opts, res)
	case *Bool:
		return validateBool(value, s, path, opts, res)
	case *Object:
		return validateNestedObject(value, s, path, opts, res)
	case *Array:
		return validateArray(value, s, path, opts, res)
	default:
		res.addError(path, fmt.Sprintf("unsupported schema variant %T", fs), value, false)
		return value
	}
}

func validateNumber(value any, s *Number, path string, opts Options, res *Result) any {
	n, ok := toFloat(value)
	if !ok {
		return recoverOrFail(value, s.Common, path, fmt.Sprintf("expected number, got %T", value), opts, res)
	}

	if s.Integer && n != math.Trunc(n) {
		if s.Default != nil && opts.Recover {
			res.addError(path, fmt.Sprintf("expected integer, got %v; recovered from default", n), value, true)
			n, _ = toFloat(s.Default)
		} else {
			res.addError(path, fmt.Sprintf("expected integer, got %v", n), value, false)
		}
	}
	if s.Min != nil && n < *s.Min {
		if opts.Recover {
			res.addError(path, fmt.Sprintf("value %v below minimum %v, clamped", n, *s.Min), value, true)
			n = *s.Min
		} else {
			res.addError(path, fmt.Sprintf("value %v below minimum %v", n, *s.Min), value, false)
		}
	}
	if s.Max != nil && n > *s.Max {
		if opts.Recover {
			res.addError(path, fmt.Sprintf("value %v above maximum %v, clamped", n, *s.Max), value, true)
			n = *s.Max
		} else {
			res.addError(path, fmt.Sprintf("value %v above maximum %v", n, *s.Max), value, false)
		}
	}
	return n
}

func validateString(value any, s *String, path string, opts Options, res *Result) any {
	str, ok := value.(string)
	if !ok {
		return recoverOrFail(value, s.Common, path, fmt.Sprintf("expected string, got %T", value), opts, res)
	}

	// Length and pattern violations are not auto-correctable: a default
	// would silently replace real (if malformed) data.
	if s.MinLength != nil && len(str) < *s.MinLength {
		res.addError(path, fmt.Sprintf("length %d below minimum %d", len(str), *s.MinLength), value, false)
	}
	if s.MaxLength != nil && len(str) > *s.MaxLength {
		res.addError(path, fmt.Sprintf("length %d above maximum %d", len(str), *s.MaxLength), value, false)
	}
	if s.Pattern != nil && !s.Pattern.MatchString(str) {
		res.addError(path, fmt.Sprintf("value %q does not match pattern %s", str, s.Pattern), value, false)
	}
	if len(s.Enum) > 0 && !slices.Contains(s.Enum, str) {
		if s.Default != nil && opts.Recover {
			res.addError(path, fmt.Sprintf("value %q not in enum, recovered from default", str), value, true)
			return s.Default
		}
		res.addError(path, fmt.Sprintf("value %q not in enum %v", str, s.Enum), value, false)
	}
	return str
}

func validateBool(value any, s *Bool, path string, opts Options, res *Result) any {
	if _, ok := value.(bool); !ok {
		return recoverOrFail(value, s.Common, path, fmt.Sprintf("expected bool, got %T", value), opts, res)
	}
	return value
}

func validateNestedObject(value any, s *Object, path string, opts Options, res *Result) any {
	if _, ok := value.(map[string]any); !ok {
		return recoverOrFail(value, s.Common, path, fmt.Sprintf("expected object, got %T", value), opts, res)
	}
	sub := &Result{}
	out := validateValue(value, s, path, opts, sub)
	// A nested recovery propagates up as a recovery of the parent field:
	// the partially-recovered composite replaces the original.
	res.Errors = append(res.Errors, sub.Errors...)
	return out
}

func validateArray(value any, s *Array, path string, opts Options, res *Result) any {
	items, ok := value.([]any)
	if !ok {
		return recoverOrFail(value, s.Common, path, fmt.Sprintf("expected array, got %T", value), opts, res)
	}
	if s.Items == nil {
		return items
	}
	out := make([]any, 0, len(items))
	for i, item := range items {
		out = append(out, validateField(item, true, s.Items, fmt.Sprintf("%s[%d]", path, i), opts, res))
	}
	return out
}

// recoverOrFail handles a type mismatch: substitute the default when
// recovery permits, otherwise report a hard error and keep the value.
func recoverOrFail(value any, c Common, path, msg string, opts Options, res *Result) any {
	if c.Default != nil && opts.Recover {
		res.addError(path, msg+"; recovered from default", value, true)
		return c.Default
	}
	res.addError(path, msg, value, false)
	return value
}

func (r *Result) addError(path, message string, value any, recovered bool) {
	r.Errors = append(r.Errors, FieldError{Path: path, Message: message, Value: value, Recovered: recovered})
}

// ErrorSummary renders the non-recovered errors as a single line for logs.
func (r *Result) ErrorSummary() string {
	out := ""
	for _, e := range r.Errors {
		if e.Recovered {
			continue
		}
		if out != "" {
			out += "; "
		}
		out += e.Path + ": " + e.Message
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

func joinPath(prefix, name string) string {
	switch {
	case name == "":
		return prefix
	case prefix == "":
		return name
	default:
		return prefix + "." + name
	}
}

// Float is a convenience for bound literals.
func Float(v float64) *float64 { return &v }

// Int is a convenience for length-bound literals.
func Int(v int) *int { return &v }
