package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/openfroyo/rowforge/pkg/config"
	"github.com/openfroyo/rowforge/pkg/engine"
)

// JSONLSinkOptions configures the jsonl sink.
type JSONLSinkOptions struct {
	Path string `json:"path" validate:"required"`
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=append truncate"`
}

// JSONLSink appends one JSON object per row.
type JSONLSink struct {
	*fileSink
	opts JSONLSinkOptions
}

// NewJSONLSink creates a jsonl sink from its options.
func NewJSONLSink(opts config.Options) (*JSONLSink, error) {
	var o JSONLSinkOptions
	if err := decodeOptions(opts, &o); err != nil {
		return nil, fmt.Errorf("jsonl sink: %w", err)
	}
	return &JSONLSink{fileSink: newFileSink(o.Path, o.Mode), opts: o}, nil
}

// Name returns the plugin name.
func (s *JSONLSink) Name() string { return "jsonl" }

// Write appends rows.
func (s *JSONLSink) Write(ctx context.Context, rows []map[string]interface{}, pctx *engine.PluginContext) (engine.ArtifactDescriptor, error) {
	return s.write(func(bool) ([]byte, error) {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		for i, row := range rows {
			if err := enc.Encode(row); err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
		}
		return buf.Bytes(), nil
	})
}
