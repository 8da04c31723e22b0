package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Mode controls how strictly a contract treats fields it does not declare.
type Mode string

const (
	// ModeObserved accepts whatever fields are observed and infers their types.
	ModeObserved Mode = "observed"

	// ModeFlexible requires declared fields but tolerates extra fields.
	ModeFlexible Mode = "flexible"

	// ModeStrict rejects any field that is not declared.
	ModeStrict Mode = "strict"
)

// Validate checks if the mode is valid.
func (m Mode) Validate() error {
	switch m {
	case ModeObserved, ModeFlexible, ModeStrict:
		return nil
	default:
		return fmt.Errorf("invalid contract mode: %s", m)
	}
}

// rank orders modes from least to most restrictive.
func (m Mode) rank() int {
	switch m {
	case ModeStrict:
		return 2
	case ModeFlexible:
		return 1
	default:
		return 0
	}
}

// FieldSource records where a field definition came from.
type FieldSource string

const (
	SourceDeclared FieldSource = "declared"
	SourceInferred FieldSource = "inferred"
)

// FieldType is the logical type of a field value.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
	TypeObject FieldType = "object"
	TypeArray  FieldType = "array"
	TypeTime   FieldType = "time"

	// TypeAny matches every value and never conflicts during merge.
	TypeAny FieldType = "any"
)

// Errors returned by contract operations.
var (
	// ErrTypeConflict is returned when two contracts declare the same field
	// with different types.
	ErrTypeConflict = errors.New("contract field type conflict")

	// ErrLocked is returned when a locked contract would gain a new field.
	ErrLocked = errors.New("contract is locked")
)

// FieldContract describes one field of a row.
type FieldContract struct {
	Name     string      `json:"name"`
	Type     FieldType   `json:"type"`
	Required bool        `json:"required"`
	Source   FieldSource `json:"source"`
}

// SchemaContract is an immutable description of a row's fields.
type SchemaContract struct {
	mode   Mode
	fields []FieldContract
	index  map[string]int
	locked bool
}

// New creates a contract. Fields are sorted by name; a duplicate field name
// is an error.
func New(mode Mode, fields []FieldContract, locked bool) (*SchemaContract, error) {
	if mode == "" {
		mode = ModeObserved
	}
	if err := mode.Validate(); err != nil {
		return nil, err
	}

	sorted := make([]FieldContract, len(fields))
	copy(sorted, fields)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	index := make(map[string]int, len(sorted))
	for i, f := range sorted {
		if f.Name == "" {
			return nil, fmt.Errorf("contract field has empty name")
		}
		if _, dup := index[f.Name]; dup {
			return nil, fmt.Errorf("duplicate contract field: %s", f.Name)
		}
		if f.Type == "" {
			sorted[i].Type = TypeAny
		}
		if f.Source == "" {
			sorted[i].Source = SourceDeclared
		}
		index[f.Name] = i
	}

	return &SchemaContract{mode: mode, fields: sorted, index: index, locked: locked}, nil
}

// MustNew is like New but panics on error. Intended for tests and static
// declarations.
func MustNew(mode Mode, fields []FieldContract, locked bool) *SchemaContract {
	c, err := New(mode, fields, locked)
	if err != nil {
		panic(err)
	}
	return c
}

// Infer builds an unlocked contract whose fields are inferred from data.
func Infer(mode Mode, data map[string]any) *SchemaContract {
	fields := make([]FieldContract, 0, len(data))
	for name, v := range data {
		fields = append(fields, FieldContract{
			Name:   name,
			Type:   TypeOf(v),
			Source: SourceInferred,
		})
	}
	c, err := New(mode, fields, false)
	if err != nil {
		// Map keys are unique and non-empty names are the only failure mode.
		c = MustNew(mode, nil, false)
	}
	return c
}

// Mode returns the contract mode.
func (c *SchemaContract) Mode() Mode { return c.mode }

// Locked reports whether the field set is final.
func (c *SchemaContract) Locked() bool { return c.locked }

// Fields returns a copy of the field definitions, sorted by name.
func (c *SchemaContract) Fields() []FieldContract {
	out := make([]FieldContract, len(c.fields))
	copy(out, c.fields)
	return out
}

// Field returns the definition of a field.
func (c *SchemaContract) Field(name string) (FieldContract, bool) {
	i, ok := c.index[name]
	if !ok {
		return FieldContract{}, false
	}
	return c.fields[i], true
}

// Lock returns a locked copy of the contract.
func (c *SchemaContract) Lock() *SchemaContract {
	if c.locked {
		return c
	}
	out, _ := New(c.mode, c.fields, true)
	return out
}

// WithField returns a new contract that includes f. Adding a field to a locked
// contract fails with ErrLocked unless the field is already present with the
// same type.
func (c *SchemaContract) WithField(f FieldContract) (*SchemaContract, error) {
	if existing, ok := c.Field(f.Name); ok {
		if !typesCompatible(existing.Type, f.Type) {
			return nil, fmt.Errorf("%w: field %q is %s, got %s", ErrTypeConflict, f.Name, existing.Type, f.Type)
		}
		return c, nil
	}
	if c.locked {
		return nil, fmt.Errorf("%w: cannot add field %q", ErrLocked, f.Name)
	}
	fields := append(c.Fields(), f)
	return New(c.mode, fields, false)
}

// Merge unions two contracts into a new one. Neither input is modified. The
// result takes the more restrictive mode and is locked only if both inputs
// are locked.
func Merge(a, b *SchemaContract) (*SchemaContract, error) {
	if a == nil {
		return b, nil
	}
	if b == nil {
		return a, nil
	}

	mode := a.mode
	if b.mode.rank() > mode.rank() {
		mode = b.mode
	}

	fields := a.Fields()
	for _, f := range b.fields {
		existing, ok := a.Field(f.Name)
		if !ok {
			fields = append(fields, f)
			continue
		}
		if !typesCompatible(existing.Type, f.Type) {
			return nil, fmt.Errorf("%w: field %q is %s in one branch and %s in another",
				ErrTypeConflict, f.Name, existing.Type, f.Type)
		}
		if existing.Type == TypeAny && f.Type != TypeAny {
			fields[a.index[f.Name]].Type = f.Type
		}
		if f.Required {
			fields[a.index[f.Name]].Required = true
		}
	}

	return New(mode, fields, a.locked && b.locked)
}

// Nested builds a locked contract with one object field per branch name, used
// for the nested coalesce merge strategy.
func Nested(branches []string) *SchemaContract {
	fields := make([]FieldContract, 0, len(branches))
	for _, b := range branches {
		fields = append(fields, FieldContract{Name: b, Type: TypeObject, Source: SourceDeclared})
	}
	return MustNew(ModeFlexible, fields, true)
}

// Hash returns a stable hex digest of the contract.
func (c *SchemaContract) Hash() string {
	data, _ := json.Marshal(c.State())
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// State is the JSON-safe representation of a contract, used for the audit
// trail and checkpoints.
type State struct {
	Mode   Mode            `json:"mode"`
	Locked bool            `json:"locked"`
	Fields []FieldContract `json:"fields"`
}

// State returns the serializable form of the contract.
func (c *SchemaContract) State() State {
	return State{Mode: c.mode, Locked: c.locked, Fields: c.Fields()}
}

// FromState rebuilds a contract from its serialized form.
func FromState(s State) (*SchemaContract, error) {
	return New(s.Mode, s.Fields, s.Locked)
}

// MarshalJSON implements json.Marshaler.
func (c *SchemaContract) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.State())
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *SchemaContract) UnmarshalJSON(data []byte) error {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	out, err := FromState(s)
	if err != nil {
		return err
	}
	*c = *out
	return nil
}

func typesCompatible(a, b FieldType) bool {
	if a == b || a == TypeAny || b == TypeAny {
		return true
	}
	return false
}

// Derive builds the contract of data produced from a row with contract c.
// Fields that keep a compatible type keep their definition; new fields and
// fields whose type changed are inferred from data. Fields absent from data
// are dropped. The result has the mode and lock state of c.
func Derive(c *SchemaContract, data map[string]any) *SchemaContract {
	if c == nil {
		return Infer(ModeObserved, data).Lock()
	}
	fields := make([]FieldContract, 0, len(data))
	for name, v := range data {
		t := TypeOf(v)
		if existing, ok := c.Field(name); ok && (v == nil || typesCompatible(existing.Type, t)) {
			fields = append(fields, existing)
			continue
		}
		fields = append(fields, FieldContract{Name: name, Type: t, Source: SourceInferred})
	}
	out, err := New(c.mode, fields, c.locked)
	if err != nil {
		return MustNew(c.mode, nil, c.locked)
	}
	return out
}
