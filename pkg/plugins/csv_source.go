package plugins

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/openfroyo/rowforge/pkg/config"
	"github.com/openfroyo/rowforge/pkg/contracts"
	"github.com/openfroyo/rowforge/pkg/engine"
)

// CSVSourceOptions configures the csv source.
type CSVSourceOptions struct {
	Path string `json:"path" validate:"required"`

	// Delimiter is a single character. Default ",".
	Delimiter string `json:"delimiter,omitempty" validate:"omitempty,len=1"`

	Schema *SchemaOptions `json:"schema,omitempty"`
}

// CSVSource reads rows from a CSV file with a header line. Rows whose
// column count differs from the header, or whose values fail the schema,
// are quarantined.
type CSVSource struct {
	opts   CSVSourceOptions
	comma  rune
	schema *rowSchema
}

// NewCSVSource creates a csv source from its options.
func NewCSVSource(opts config.Options) (*CSVSource, error) {
	var o CSVSourceOptions
	if err := decodeOptions(opts, &o); err != nil {
		return nil, fmt.Errorf("csv source: %w", err)
	}
	s := &CSVSource{opts: o, comma: ','}
	if o.Delimiter != "" {
		s.comma, _ = utf8.DecodeRuneInString(o.Delimiter)
	}
	schema, err := newRowSchema(o.Schema)
	if err != nil {
		return nil, fmt.Errorf("csv source: %w", err)
	}
	s.schema = schema
	return s, nil
}

// Name returns the plugin name.
func (s *CSVSource) Name() string { return "csv" }

// Schema returns the declared contract, if any.
func (s *CSVSource) Schema() *contracts.SchemaContract {
	if s.schema == nil {
		return nil
	}
	return s.schema.contract
}

// Load streams the file's rows in order.
func (s *CSVSource) Load(ctx context.Context, pctx *engine.PluginContext) iter.Seq2[engine.SourceRow, error] {
	return func(yield func(engine.SourceRow, error) bool) {
		f, err := os.Open(s.opts.Path)
		if err != nil {
			yield(engine.SourceRow{}, fmt.Errorf("open %s: %w", s.opts.Path, err))
			return
		}
		defer f.Close()

		r := csv.NewReader(f)
		r.Comma = s.comma
		r.FieldsPerRecord = -1
		r.ReuseRecord = false

		header, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			yield(engine.SourceRow{}, fmt.Errorf("read header of %s: %w", s.opts.Path, err))
			return
		}

		for {
			if err := ctx.Err(); err != nil {
				return
			}
			record, err := r.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			line, _ := r.FieldPos(0)

			var row engine.SourceRow
			var parseErr *csv.ParseError
			switch {
			case errors.As(err, &parseErr):
				row = quarantined(map[string]interface{}{"_line": parseErr.Line}, parseErr.Error())
			case err != nil:
				yield(engine.SourceRow{}, fmt.Errorf("read %s: %w", s.opts.Path, err))
				return
			case len(record) != len(header):
				row = quarantined(
					map[string]interface{}{"_line": line, "_raw": strings.Join(record, string(s.comma))},
					fmt.Sprintf("line %d has %d columns, header has %d", line, len(record), len(header)),
				)
			default:
				row = s.row(header, record, line)
			}

			if pctx != nil && pctx.Logger != nil && row.Quarantined {
				pctx.Logger.Zerolog().Debug().Int("line", line).Str("reason", row.Error).Msg("Quarantining csv row")
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

func (s *CSVSource) row(header, record []string, line int) engine.SourceRow {
	data := make(map[string]interface{}, len(header))
	for i, name := range header {
		data[name] = record[i]
	}
	converted, err := s.schema.apply(data, true)
	if err != nil {
		data["_line"] = line
		return quarantined(data, err.Error())
	}
	return engine.SourceRow{Data: converted}
}

func quarantined(data map[string]interface{}, reason string) engine.SourceRow {
	return engine.SourceRow{Data: data, Quarantined: true, Error: reason}
}
