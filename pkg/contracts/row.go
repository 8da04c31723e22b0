package contracts

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"
)

// Row is the payload of a token: the current field values and the contract
// that describes them. Rows are immutable by convention. Callers that need to
// modify data use Clone or With and get a new Row back.
type Row struct {
	data     map[string]any
	contract *SchemaContract
}

// NewRow creates a row. The data map is taken as-is; use Clone on the result
// if the caller keeps a reference to data.
func NewRow(data map[string]any, contract *SchemaContract) Row {
	if data == nil {
		data = make(map[string]any)
	}
	return Row{data: data, contract: contract}
}

// Data returns the field values. The map must not be modified.
func (r Row) Data() map[string]any { return r.data }

// Contract returns the schema contract of the row.
func (r Row) Contract() *SchemaContract { return r.contract }

// Get returns a single field value.
func (r Row) Get(key string) (any, bool) {
	v, ok := r.data[key]
	return v, ok
}

// Len returns the number of fields.
func (r Row) Len() int { return len(r.data) }

// Clone returns a deep copy of the row. Nested maps and slices are copied so
// that mutating the clone is never visible through the original.
func (r Row) Clone() Row {
	return Row{data: DeepCopyMap(r.data), contract: r.contract}
}

// ToMap returns a deep copy of the field values.
func (r Row) ToMap() map[string]any {
	return DeepCopyMap(r.data)
}

// WithContract returns a row sharing the same data with a different contract.
func (r Row) WithContract(c *SchemaContract) Row {
	return Row{data: r.data, contract: c}
}

// With returns a copy of the row with key set to value.
func (r Row) With(key string, value any) Row {
	data := DeepCopyMap(r.data)
	data[key] = value
	return Row{data: data, contract: r.contract}
}

// MarshalJSON implements json.Marshaler for the data portion.
func (r Row) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.data)
}

// DeepCopyMap copies m and every nested map and slice it contains.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = DeepCopy(v)
	}
	return out
}

// DeepCopy returns a copy of v that shares no mutable state with it.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case nil, string, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64, time.Time, json.Number:
		return val
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = DeepCopy(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	}
	return deepCopyReflect(reflect.ValueOf(v)).Interface()
}

func deepCopyReflect(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), deepCopyValue(iter.Value(), v.Type().Elem()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(deepCopyValue(v.Index(i), v.Type().Elem()))
		}
		return out
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(deepCopyReflect(v.Elem()))
		return out
	default:
		return v
	}
}

func deepCopyValue(v reflect.Value, elem reflect.Type) reflect.Value {
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Zero(elem)
		}
		copied := reflect.ValueOf(DeepCopy(v.Elem().Interface()))
		out := reflect.New(elem).Elem()
		out.Set(copied)
		return out
	}
	return deepCopyReflect(v)
}

// TypeOf returns the logical field type of a value.
func TypeOf(v any) FieldType {
	switch v.(type) {
	case nil:
		return TypeAny
	case string:
		return TypeString
	case bool:
		return TypeBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeInt
	case float32, float64, json.Number:
		return TypeFloat
	case time.Time:
		return TypeTime
	case map[string]any:
		return TypeObject
	case []any:
		return TypeArray
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Struct:
		return TypeObject
	case reflect.Slice, reflect.Array:
		return TypeArray
	}
	return TypeAny
}

// Coerce converts JSON-decoded values back to the types declared by the
// contract. It is used when rows are reloaded from the audit trail, where
// integers arrive as float64 and timestamps as strings.
func (c *SchemaContract) Coerce(data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(data))
	for k, v := range data {
		f, ok := c.Field(k)
		if !ok || v == nil {
			out[k] = v
			continue
		}
		cv, err := coerceValue(v, f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = cv
	}
	return out, nil
}

func coerceValue(v any, t FieldType) (any, error) {
	switch t {
	case TypeInt:
		switch n := v.(type) {
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("value %v is not an integer", n)
			}
			return int64(n), nil
		case json.Number:
			return n.Int64()
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		}
	case TypeFloat:
		switch n := v.(type) {
		case json.Number:
			return n.Float64()
		case int64:
			return float64(n), nil
		case int:
			return float64(n), nil
		}
	case TypeTime:
		if s, ok := v.(string); ok {
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, err
			}
			return ts, nil
		}
	}
	return v, nil
}
