package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/rowforge/pkg/audit"
)

// Format is the encoding of a settings file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatFromPath selects the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported settings file extension: %q", filepath.Ext(path))
	}
}

// Loader reads, decodes and validates settings files.
type Loader struct {
	parser    *CUEParser
	validator *Validator
}

// NewLoader creates a loader with the built-in schemas.
func NewLoader() *Loader {
	parser := NewCUEParser()
	return &Loader{
		parser:    parser,
		validator: NewValidator(parser.SchemaRegistry()),
	}
}

// Load reads the settings file at path and validates it. Validation
// failures are returned as ValidationErrors.
func (l *Loader) Load(ctx context.Context, path string) (*Settings, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	var settings *Settings
	if format == FormatCUE {
		var errs []ValidationError
		settings, errs = l.parser.ParseFile(path)
		if len(errs) > 0 {
			return nil, ValidationErrors(errs)
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
		}
		settings, err = Decode(data, format)
		if err != nil {
			return nil, fmt.Errorf("failed to decode settings %s: %w", path, err)
		}
	}

	if errs := l.validator.Validate(ctx, settings); len(errs) > 0 {
		for i := range errs {
			if errs[i].File == "" {
				errs[i].File = path
			}
		}
		return nil, ValidationErrors(errs)
	}
	return settings, nil
}

// LoadBytes decodes and validates settings held in memory.
func (l *Loader) LoadBytes(ctx context.Context, data []byte, format Format) (*Settings, error) {
	var settings *Settings
	if format == FormatCUE {
		var errs []ValidationError
		settings, errs = l.parser.ParseInline(string(data))
		if len(errs) > 0 {
			return nil, ValidationErrors(errs)
		}
	} else {
		var err error
		if settings, err = Decode(data, format); err != nil {
			return nil, err
		}
	}
	if errs := l.validator.Validate(ctx, settings); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return settings, nil
}

// Decode decodes YAML or JSON settings without validating them. Unknown
// fields are rejected.
func Decode(data []byte, format Format) (*Settings, error) {
	var settings Settings
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&settings); err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&settings); err != nil {
			return nil, fmt.Errorf("json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported settings format: %q", format)
	}
	return &settings, nil
}

// JSON returns the settings as JSON, the form recorded with a run.
func (s *Settings) JSON() ([]byte, error) {
	return json.Marshal(s)
}

// Hash returns the canonical hash of the settings.
func (s *Settings) Hash() (string, error) {
	return audit.StableHash(audit.DomainConfig, s)
}
