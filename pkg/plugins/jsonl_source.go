package plugins

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"

	"github.com/openfroyo/rowforge/pkg/config"
	"github.com/openfroyo/rowforge/pkg/contracts"
	"github.com/openfroyo/rowforge/pkg/engine"
)

// maxLineBytes bounds one JSONL line.
const maxLineBytes = 16 << 20

// JSONLSourceOptions configures the jsonl source.
type JSONLSourceOptions struct {
	Path   string         `json:"path" validate:"required"`
	Schema *SchemaOptions `json:"schema,omitempty"`
}

// JSONLSource reads one JSON object per line. Blank lines are skipped;
// lines that are not JSON objects or fail the schema are quarantined.
type JSONLSource struct {
	opts   JSONLSourceOptions
	schema *rowSchema
}

// NewJSONLSource creates a jsonl source from its options.
func NewJSONLSource(opts config.Options) (*JSONLSource, error) {
	var o JSONLSourceOptions
	if err := decodeOptions(opts, &o); err != nil {
		return nil, fmt.Errorf("jsonl source: %w", err)
	}
	schema, err := newRowSchema(o.Schema)
	if err != nil {
		return nil, fmt.Errorf("jsonl source: %w", err)
	}
	return &JSONLSource{opts: o, schema: schema}, nil
}

// Name returns the plugin name.
func (s *JSONLSource) Name() string { return "jsonl" }

// Schema returns the declared contract, if any.
func (s *JSONLSource) Schema() *contracts.SchemaContract {
	if s.schema == nil {
		return nil
	}
	return s.schema.contract
}

// Load streams the file's rows in order.
func (s *JSONLSource) Load(ctx context.Context, pctx *engine.PluginContext) iter.Seq2[engine.SourceRow, error] {
	return func(yield func(engine.SourceRow, error) bool) {
		f, err := os.Open(s.opts.Path)
		if err != nil {
			yield(engine.SourceRow{}, fmt.Errorf("open %s: %w", s.opts.Path, err))
			return
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

		line := 0
		for scanner.Scan() {
			if err := ctx.Err(); err != nil {
				return
			}
			line++
			raw := bytes.TrimSpace(scanner.Bytes())
			if len(raw) == 0 {
				continue
			}
			if !yield(s.row(raw, line), nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(engine.SourceRow{}, fmt.Errorf("read %s: %w", s.opts.Path, err))
		}
	}
}

func (s *JSONLSource) row(raw []byte, line int) engine.SourceRow {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var data map[string]interface{}
	if err := dec.Decode(&data); err != nil || data == nil {
		reason := "line is not a JSON object"
		if err != nil {
			reason = fmt.Sprintf("invalid JSON: %v", err)
		}
		return quarantined(map[string]interface{}{"_line": line, "_raw": string(raw)}, reason)
	}
	if dec.More() {
		return quarantined(map[string]interface{}{"_line": line, "_raw": string(raw)}, "trailing data after JSON object")
	}

	converted, err := s.schema.apply(data, false)
	if err != nil {
		data = normalizeNumbers(data).(map[string]interface{})
		data["_line"] = line
		return quarantined(data, err.Error())
	}
	return engine.SourceRow{Data: normalizeNumbers(converted).(map[string]interface{})}
}
