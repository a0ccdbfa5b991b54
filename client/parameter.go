package client

import "strings"

// ParameterDirection describes whether a parameter carries a value in, out, or both.
// Only DirectionInput can be executed in a batch.
type ParameterDirection int

const (
	DirectionInput ParameterDirection = iota
	DirectionOutput
	DirectionInputOutput
	DirectionReturnValue
)

// String returns the name of the direction.
func (d ParameterDirection) String() string {
	switch d {
	case DirectionInput:
		return "Input"
	case DirectionOutput:
		return "Output"
	case DirectionInputOutput:
		return "InputOutput"
	case DirectionReturnValue:
		return "ReturnValue"
	default:
		return "Unknown"
	}
}

// Parameter is a single bound value.
//
// An unnamed parameter is positional: it binds to $n by its index in the collection.
// A named parameter binds to @name or :name placeholders.
type Parameter struct {
	Name      string
	Value     any
	Direction ParameterDirection

	// DataTypeOID pins the PostgreSQL type. Zero lets the codec infer it from Value.
	DataTypeOID uint32
}

// NewParameter creates a positional input parameter.
func NewParameter(value any) *Parameter {
	return &Parameter{Value: value}
}

// NewNamedParameter creates a named input parameter. A leading @ or : is accepted.
func NewNamedParameter(name string, value any) *Parameter {
	return &Parameter{Name: name, Value: value}
}

// IsPositional reports whether the parameter is unnamed.
func (p *Parameter) IsPositional() bool {
	return p.Name == ""
}

// TrimmedName returns the name without its @ or : prefix.
func (p *Parameter) TrimmedName() string {
	return strings.TrimLeft(p.Name, "@:")
}

// ParameterCollection is the ordered, user-facing list of a statement's parameters.
type ParameterCollection struct {
	items []*Parameter
}

// NewParameterCollection creates a collection holding params.
func NewParameterCollection(params ...*Parameter) *ParameterCollection {
	c := &ParameterCollection{}
	c.items = append(c.items, params...)
	return c
}

// Add appends p and returns it.
func (c *ParameterCollection) Add(p *Parameter) *Parameter {
	c.items = append(c.items, p)
	return p
}

// AddValue appends a positional parameter holding value.
func (c *ParameterCollection) AddValue(value any) *Parameter {
	return c.Add(NewParameter(value))
}

// AddWithValue appends a named parameter.
func (c *ParameterCollection) AddWithValue(name string, value any) *Parameter {
	return c.Add(NewNamedParameter(name, value))
}

func (c *ParameterCollection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.items)
}

// At returns the parameter at index i.
func (c *ParameterCollection) At(i int) *Parameter {
	return c.items[i]
}

// All returns the parameters in order. The slice must not be modified.
func (c *ParameterCollection) All() []*Parameter {
	if c == nil {
		return nil
	}
	return c.items
}

// Clear removes all parameters, keeping the backing storage.
func (c *ParameterCollection) Clear() {
	for i := range c.items {
		c.items[i] = nil
	}
	c.items = c.items[:0]
}

// Lookup finds a named parameter, ignoring case and prefix.
func (c *ParameterCollection) Lookup(name string) (*Parameter, bool) {
	name = strings.TrimLeft(name, "@:")
	for _, p := range c.items {
		if p.Name != "" && strings.EqualFold(p.TrimmedName(), name) {
			return p, true
		}
	}
	return nil, false
}

// IsPositional reports whether every parameter is unnamed. An empty collection is positional.
func (c *ParameterCollection) IsPositional() bool {
	for _, p := range c.All() {
		if !p.IsPositional() {
			return false
		}
	}
	return true
}

// hasNamed reports whether at least one parameter is named.
func (c *ParameterCollection) hasNamed() bool {
	for _, p := range c.All() {
		if !p.IsPositional() {
			return true
		}
	}
	return false
}

// firstNonInput returns the first parameter whose direction is not Input.
func (c *ParameterCollection) firstNonInput() (*Parameter, bool) {
	for _, p := range c.All() {
		if p.Direction != DirectionInput {
			return p, true
		}
	}
	return nil, false
}

// ParameterStorage is the positional list sent on the wire.
// It is either OwnedParameters or BorrowedParameters.
type ParameterStorage interface {
	parameters() []*Parameter
}

// OwnedParameters is private storage built by the statement, cleared in place on reset.
type OwnedParameters struct {
	List *ParameterCollection
}

func (o OwnedParameters) parameters() []*Parameter { return o.List.All() }

// BorrowedParameters aliases a collection the statement does not own; reset drops the alias.
type BorrowedParameters struct {
	Ref *ParameterCollection
}

func (b BorrowedParameters) parameters() []*Parameter { return b.Ref.All() }
