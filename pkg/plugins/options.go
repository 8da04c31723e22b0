// Package plugins holds the built-in sources, transforms, aggregations and
// sinks that the rowforge CLI can bind by name.
//
// Register adds them to a config.Registry:
//
//	reg := config.NewRegistry()
//	plugins.Register(reg)
//
// Sources quarantine rows that fail their schema instead of failing the
// run. Sinks append to local files and describe every write with a content
// hash, so the audit trail can prove what was written.
package plugins

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/rowforge/pkg/config"
	"github.com/openfroyo/rowforge/pkg/engine"
)

var validate = validator.New()

// decodeOptions decodes free-form plugin options into out and validates
// its struct tags. Unknown options are rejected.
func decodeOptions(opts config.Options, out interface{}) error {
	raw, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}

// Register adds every built-in plugin to reg.
func Register(reg *config.Registry) {
	reg.RegisterSource("csv", func(opts config.Options) (engine.Source, error) {
		return NewCSVSource(opts)
	})
	reg.RegisterSource("jsonl", func(opts config.Options) (engine.Source, error) {
		return NewJSONLSource(opts)
	})
	reg.RegisterTransform("field_mapper", func(opts config.Options) (engine.Transform, error) {
		return NewFieldMapper(opts)
	})
	reg.RegisterTransform("explode", func(opts config.Options) (engine.Transform, error) {
		return NewExplode(opts)
	})
	reg.RegisterAggregation("batch_stats", func(opts config.Options) (engine.BatchTransform, error) {
		return NewBatchStats(opts)
	})
	reg.RegisterSink("csv", func(opts config.Options) (engine.Sink, error) {
		return NewCSVSink(opts)
	})
	reg.RegisterSink("jsonl", func(opts config.Options) (engine.Sink, error) {
		return NewJSONLSink(opts)
	})
}
