package plugins

import (
	"context"
	"fmt"

	"github.com/openfroyo/rowforge/pkg/config"
	"github.com/openfroyo/rowforge/pkg/contracts"
	"github.com/openfroyo/rowforge/pkg/engine"
)

// FieldMapperOptions configures the field_mapper transform. Steps apply in
// field order: required, rename, drop, select, set.
type FieldMapperOptions struct {
	// Required fields must be present; a row without one is rejected.
	Required []string `json:"required,omitempty"`

	// Rename maps old field names to new ones.
	Rename map[string]string `json:"rename,omitempty" validate:"dive,required"`

	Drop []string `json:"drop,omitempty"`

	// Select keeps only the listed fields when non-empty.
	Select []string `json:"select,omitempty"`

	// Set assigns constant values.
	Set map[string]interface{} `json:"set,omitempty"`
}

// FieldMapper renames, drops, selects and sets fields.
type FieldMapper struct {
	opts FieldMapperOptions
}

// NewFieldMapper creates a field_mapper transform from its options.
func NewFieldMapper(opts config.Options) (*FieldMapper, error) {
	var o FieldMapperOptions
	if err := decodeOptions(opts, &o); err != nil {
		return nil, fmt.Errorf("field_mapper: %w", err)
	}
	for k, v := range o.Set {
		o.Set[k] = normalizeNumbers(v)
	}
	return &FieldMapper{opts: o}, nil
}

// Name returns the plugin name.
func (m *FieldMapper) Name() string { return "field_mapper" }

// Process maps one row.
func (m *FieldMapper) Process(ctx context.Context, row contracts.Row, pctx *engine.PluginContext) (engine.TransformResult, error) {
	for _, f := range m.opts.Required {
		if _, ok := row.Get(f); !ok {
			return engine.Error(map[string]interface{}{"reason": "missing_field", "field": f}), nil
		}
	}

	data := row.ToMap()
	for from, to := range m.opts.Rename {
		if v, ok := data[from]; ok {
			delete(data, from)
			data[to] = v
		}
	}
	for _, f := range m.opts.Drop {
		delete(data, f)
	}
	if len(m.opts.Select) > 0 {
		selected := make(map[string]interface{}, len(m.opts.Select))
		for _, f := range m.opts.Select {
			if v, ok := data[f]; ok {
				selected[f] = v
			}
		}
		data = selected
	}
	for k, v := range m.opts.Set {
		data[k] = contracts.DeepCopy(v)
	}
	return engine.Success(data), nil
}

// ExplodeOptions configures the explode transform.
type ExplodeOptions struct {
	// Field holds the array to explode.
	Field string `json:"field" validate:"required"`

	// As names the field receiving each element. Default: Field.
	As string `json:"as,omitempty"`

	// IndexField, when set, receives the element's position.
	IndexField string `json:"index_field,omitempty"`
}

// Explode turns one row holding an array into one row per element. Each
// output row becomes its own token.
type Explode struct {
	opts ExplodeOptions
}

// NewExplode creates an explode transform from its options.
func NewExplode(opts config.Options) (*Explode, error) {
	var o ExplodeOptions
	if err := decodeOptions(opts, &o); err != nil {
		return nil, fmt.Errorf("explode: %w", err)
	}
	if o.As == "" {
		o.As = o.Field
	}
	return &Explode{opts: o}, nil
}

// Name returns the plugin name.
func (e *Explode) Name() string { return "explode" }

// CreatesTokens reports that multi-row results expand the input token.
func (e *Explode) CreatesTokens() bool { return true }

// Process explodes one row. A missing, non-array or empty field rejects
// the row.
func (e *Explode) Process(ctx context.Context, row contracts.Row, pctx *engine.PluginContext) (engine.TransformResult, error) {
	v, ok := row.Get(e.opts.Field)
	if !ok {
		return engine.Error(map[string]interface{}{"reason": "missing_field", "field": e.opts.Field}), nil
	}
	items, ok := v.([]interface{})
	if !ok {
		return engine.Error(map[string]interface{}{
			"reason": "not_an_array",
			"field":  e.opts.Field,
			"type":   string(contracts.TypeOf(v)),
		}), nil
	}
	if len(items) == 0 {
		return engine.Error(map[string]interface{}{"reason": "empty_array", "field": e.opts.Field}), nil
	}

	base := row.ToMap()
	delete(base, e.opts.Field)

	rows := make([]map[string]interface{}, len(items))
	for i, item := range items {
		out := contracts.DeepCopyMap(base)
		out[e.opts.As] = contracts.DeepCopy(item)
		if e.opts.IndexField != "" {
			out[e.opts.IndexField] = int64(i)
		}
		rows[i] = out
	}
	return engine.SuccessMulti(rows), nil
}
