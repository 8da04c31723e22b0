package plugins

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/openfroyo/rowforge/pkg/config"
	"github.com/openfroyo/rowforge/pkg/engine"
)

// CSVSinkOptions configures the csv sink.
type CSVSinkOptions struct {
	Path      string `json:"path" validate:"required"`
	Delimiter string `json:"delimiter,omitempty" validate:"omitempty,len=1"`
	Mode      string `json:"mode,omitempty" validate:"omitempty,oneof=append truncate"`

	// Columns fixes the column order. Empty takes the sorted fields of
	// the first row written.
	Columns []string `json:"columns,omitempty" validate:"omitempty,unique"`

	// IgnoreExtra drops fields that have no column. By default such a
	// row fails the write.
	IgnoreExtra bool `json:"ignore_extra,omitempty"`
}

// CSVSink appends rows to a CSV file. The header is written when the file
// is empty.
type CSVSink struct {
	*fileSink
	opts    CSVSinkOptions
	comma   rune
	columns []string
}

// NewCSVSink creates a csv sink from its options.
func NewCSVSink(opts config.Options) (*CSVSink, error) {
	var o CSVSinkOptions
	if err := decodeOptions(opts, &o); err != nil {
		return nil, fmt.Errorf("csv sink: %w", err)
	}
	s := &CSVSink{
		fileSink: newFileSink(o.Path, o.Mode),
		opts:     o,
		comma:    ',',
		columns:  o.Columns,
	}
	if o.Delimiter != "" {
		s.comma, _ = utf8.DecodeRuneInString(o.Delimiter)
	}
	return s, nil
}

// Name returns the plugin name.
func (s *CSVSink) Name() string { return "csv" }

// Write appends rows.
func (s *CSVSink) Write(ctx context.Context, rows []map[string]interface{}, pctx *engine.PluginContext) (engine.ArtifactDescriptor, error) {
	return s.write(func(empty bool) ([]byte, error) {
		if len(s.columns) == 0 && len(rows) > 0 {
			s.columns = sortedKeys(rows[0])
		}

		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		w.Comma = s.comma
		if empty {
			if err := w.Write(s.columns); err != nil {
				return nil, err
			}
		}

		index := make(map[string]int, len(s.columns))
		for i, c := range s.columns {
			index[c] = i
		}
		for n, row := range rows {
			record := make([]string, len(s.columns))
			for k, v := range row {
				i, ok := index[k]
				if !ok {
					if s.opts.IgnoreExtra {
						continue
					}
					return nil, fmt.Errorf("row %d: field %q has no column in %s", n, k, s.opts.Path)
				}
				text, err := formatCell(v)
				if err != nil {
					return nil, fmt.Errorf("row %d: field %q: %w", n, k, err)
				}
				record[i] = text
			}
			if err := w.Write(record); err != nil {
				return nil, err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
}

func formatCell(v interface{}) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case json.Number:
		return val.String(), nil
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), nil
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
