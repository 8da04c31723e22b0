package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
)

// PipelineField is the top-level field holding the pipeline in a CUE file.
// A file without it is read as the pipeline itself.
const PipelineField = "pipeline"

// CUEParser reads pipelines written in CUE. Values are unified with the
// #Pipeline definition before decoding, so schema violations carry CUE
// source positions.
type CUEParser struct {
	ctx     *cue.Context
	schemas *SchemaRegistry
}

func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{ctx: ctx, schemas: NewSchemaRegistry(ctx)}
}

// SchemaRegistry exposes the definitions the parser validates against.
func (cp *CUEParser) SchemaRegistry() *SchemaRegistry {
	return cp.schemas
}

// ParseFile reads a .cue file, or a directory holding one CUE package.
func (cp *CUEParser) ParseFile(path string) (*Settings, []ValidationError) {
	val, err := cp.build(path)
	if err != nil {
		return nil, cueValidationErrors(path, err)
	}
	return cp.decode(val, path)
}

// ParseInline parses CUE source that did not come from a file.
func (cp *CUEParser) ParseInline(content string) (*Settings, []ValidationError) {
	val := cp.ctx.CompileString(content, cue.Filename("inline.cue"))
	if err := val.Err(); err != nil {
		return nil, cueValidationErrors("inline.cue", err)
	}
	return cp.decode(val, "inline.cue")
}

func (cp *CUEParser) build(path string) (cue.Value, error) {
	info, err := os.Stat(path)
	if err != nil {
		return cue.Value{}, err
	}
	if !info.IsDir() {
		src, err := os.ReadFile(path)
		if err != nil {
			return cue.Value{}, err
		}
		val := cp.ctx.CompileBytes(src, cue.Filename(path))
		return val, val.Err()
	}

	insts := load.Instances([]string{"."}, &load.Config{Dir: path})
	if len(insts) == 0 {
		return cue.Value{}, fmt.Errorf("no CUE package in %s", path)
	}
	if insts[0].Err != nil {
		return cue.Value{}, insts[0].Err
	}
	val := cp.ctx.BuildInstance(insts[0])
	return val, val.Err()
}

// decode unifies val (or its pipeline field) with #Pipeline, requires the
// result to be concrete, and decodes it into Settings. Fields the schema
// does not know are rejected. file names the source in reported errors.
func (cp *CUEParser) decode(val cue.Value, file string) (*Settings, []ValidationError) {
	src := val
	if p := val.LookupPath(cue.ParsePath(PipelineField)); p.Exists() {
		val = p
	}
	schema, err := cp.schemas.Definition(PipelineSchema)
	if err != nil {
		return nil, []ValidationError{{File: file, Message: err.Error(), Severity: "error"}}
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cueValidationErrors(file, err, val, src)
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return nil, cueValidationErrors(file, err, val, src)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var s Settings
	if err := dec.Decode(&s); err != nil {
		return nil, []ValidationError{{File: file, Path: PipelineField, Message: "decode pipeline: " + err.Error(), Severity: "error"}}
	}
	return &s, nil
}

// cueValidationErrors flattens a CUE error list into ValidationErrors.
// Each error is placed at its first position inside file. Errors whose
// positions all lie in the schema are placed at the offending value, looked
// up by path in sources.
func cueValidationErrors(file string, err error, sources ...cue.Value) []ValidationError {
	list := cueerrors.Errors(err)
	if len(list) == 0 {
		return []ValidationError{{File: file, Message: err.Error(), Severity: "error"}}
	}
	out := make([]ValidationError, 0, len(list))
	for _, e := range list {
		ve := ValidationError{
			File:     file,
			Path:     strings.Join(e.Path(), "."),
			Message:  cueerrors.Details(e, nil),
			Severity: "error",
		}
		pos, ok := sourcePos(file, cueerrors.Positions(e))
		if !ok {
			pos, ok = lookupPos(e.Path(), sources)
		}
		if ok {
			ve.File = pos.Filename()
			ve.Line = pos.Line()
			ve.Column = pos.Column()
		}
		out = append(out, ve)
	}
	return out
}

// sourcePos returns the first position that lies in file, or in a file of
// the package directory file.
func sourcePos(file string, positions []token.Pos) (token.Pos, bool) {
	for _, pos := range positions {
		name := pos.Filename()
		if !pos.IsValid() || name == "" {
			continue
		}
		if name == file || strings.HasPrefix(name, file+string(filepath.Separator)) {
			return pos, true
		}
	}
	return token.NoPos, false
}

// lookupPos finds the value at path in the first source holding it. When
// the full path is missing the closest enclosing value is used.
func lookupPos(path []string, sources []cue.Value) (token.Pos, bool) {
	sels := make([]cue.Selector, 0, len(path))
	for _, elem := range path {
		if strings.HasPrefix(elem, "#") {
			continue
		}
		if n, err := strconv.Atoi(elem); err == nil {
			sels = append(sels, cue.Index(n))
			continue
		}
		if u, err := strconv.Unquote(elem); err == nil {
			elem = u
		}
		sels = append(sels, cue.Str(elem))
	}
	for n := len(sels); n > 0; n-- {
		for _, src := range sources {
			v := src.LookupPath(cue.MakePath(sels[:n]...))
			if !v.Exists() {
				continue
			}
			if pos := v.Pos(); pos.IsValid() && pos.Line() > 0 {
				return pos, true
			}
		}
	}
	return token.NoPos, false
}
