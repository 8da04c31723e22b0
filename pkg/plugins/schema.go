package plugins

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/rowforge/pkg/contracts"
)

// SchemaOptions declares the fields a source validates rows against.
type SchemaOptions struct {
	// Mode is observed, flexible or strict. Strict rejects undeclared
	// fields.
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=observed flexible strict"`

	// Fields maps field names to their type.
	Fields map[string]string `json:"fields,omitempty" validate:"dive,oneof=string int float bool time object array any"`

	// Required lists the fields every valid row must carry.
	Required []string `json:"required,omitempty"`
}

// rowSchema validates and converts source rows.
type rowSchema struct {
	contract *contracts.SchemaContract
	strict   bool
}

// newRowSchema returns nil when no fields are declared.
func newRowSchema(opts *SchemaOptions) (*rowSchema, error) {
	if opts == nil || (len(opts.Fields) == 0 && len(opts.Required) == 0) {
		return nil, nil
	}

	required := make(map[string]bool, len(opts.Required))
	for _, name := range opts.Required {
		required[name] = true
	}

	var fields []contracts.FieldContract
	for name, typ := range opts.Fields {
		fields = append(fields, contracts.FieldContract{
			Name:     name,
			Type:     contracts.FieldType(typ),
			Required: required[name],
		})
		delete(required, name)
	}
	for name := range required {
		fields = append(fields, contracts.FieldContract{Name: name, Type: contracts.TypeAny, Required: true})
	}

	mode := contracts.Mode(opts.Mode)
	if mode == "" {
		mode = contracts.ModeFlexible
	}
	c, err := contracts.New(mode, fields, false)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &rowSchema{contract: c, strict: mode == contracts.ModeStrict}, nil
}

// apply checks data against the schema and converts declared fields.
// fromText parses string values, as read from CSV.
func (s *rowSchema) apply(data map[string]interface{}, fromText bool) (map[string]interface{}, error) {
	if s == nil {
		return data, nil
	}

	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}

	var problems []string
	for _, f := range s.contract.Fields() {
		v, ok := data[f.Name]
		if !ok || v == nil || (fromText && v == "") {
			if f.Required {
				problems = append(problems, fmt.Sprintf("missing required field %q", f.Name))
			}
			if ok && fromText {
				out[f.Name] = nil
			}
			continue
		}
		cv, err := convert(v, f.Type, fromText)
		if err != nil {
			problems = append(problems, fmt.Sprintf("field %q: %v", f.Name, err))
			continue
		}
		out[f.Name] = cv
	}

	if s.strict {
		var extra []string
		for k := range data {
			if _, ok := s.contract.Field(k); !ok {
				extra = append(extra, k)
			}
		}
		sort.Strings(extra)
		for _, k := range extra {
			problems = append(problems, fmt.Sprintf("undeclared field %q", k))
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return out, nil
}

func convert(v interface{}, t contracts.FieldType, fromText bool) (interface{}, error) {
	if s, ok := v.(string); ok && fromText {
		return parseText(s, t)
	}

	switch t {
	case contracts.TypeInt:
		switch n := v.(type) {
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i, nil
			}
			f, err := n.Float64()
			if err != nil || f != math.Trunc(f) {
				return nil, fmt.Errorf("value %s is not an integer", n)
			}
			return int64(f), nil
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("value %v is not an integer", n)
			}
			return int64(n), nil
		}
	case contracts.TypeFloat:
		switch n := v.(type) {
		case json.Number:
			return n.Float64()
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		case int:
			return float64(n), nil
		}
	case contracts.TypeTime:
		if s, ok := v.(string); ok {
			return parseText(s, t)
		}
		if ts, ok := v.(time.Time); ok {
			return ts, nil
		}
	case contracts.TypeAny:
		return v, nil
	default:
		if got := contracts.TypeOf(v); got == t {
			return v, nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %s", t, contracts.TypeOf(v))
}

func parseText(s string, t contracts.FieldType) (interface{}, error) {
	switch t {
	case contracts.TypeInt:
		i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("value %q is not an integer", s)
		}
		return i, nil
	case contracts.TypeFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("value %q is not a finite number", s)
		}
		return f, nil
	case contracts.TypeBool:
		b, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("value %q is not a boolean", s)
		}
		return b, nil
	case contracts.TypeTime:
		ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("value %q is not an RFC 3339 timestamp", s)
		}
		return ts, nil
	case contracts.TypeObject, contracts.TypeArray:
		var v interface{}
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("value %q is not JSON", s)
		}
		if contracts.TypeOf(v) != t {
			return nil, fmt.Errorf("expected %s, got %s", t, contracts.TypeOf(v))
		}
		return v, nil
	default:
		return s, nil
	}
}

// normalizeNumbers replaces json.Number values with int64 or float64 so
// rows carry plain Go numbers.
func normalizeNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]interface{}:
		for k, item := range val {
			val[k] = normalizeNumbers(item)
		}
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeNumbers(item)
		}
		return val
	default:
		return v
	}
}
