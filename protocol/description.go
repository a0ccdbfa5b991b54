package protocol

// FieldDescription describes one result column as reported by RowDescription.
type FieldDescription struct {
	Name                 string
	TableOID             uint32
	TableAttributeNumber uint16
	DataTypeOID          uint32
	DataTypeSize         int16
	TypeModifier         int32
	Format               int16
}

// RowDescription is the result shape of a statement.
type RowDescription struct {
	Fields []FieldDescription
}

// NewRowDescription copies fields into a new description.
func NewRowDescription(fields []FieldDescription) *RowDescription {
	fs := make([]FieldDescription, len(fields))
	copy(fs, fields)
	return &RowDescription{Fields: fs}
}

// Len returns the number of columns. A nil description has zero columns.
func (d *RowDescription) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Fields)
}

// Names returns the column names in order.
func (d *RowDescription) Names() []string {
	if d == nil {
		return nil
	}
	names := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		names[i] = f.Name
	}
	return names
}

// IndexOf returns the ordinal of the named column, or -1.
func (d *RowDescription) IndexOf(name string) int {
	if d == nil {
		return -1
	}
	for i, f := range d.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// StatementDescription is the server's answer to a prepare.
type StatementDescription struct {
	Name      string
	SQL       string
	ParamOIDs []uint32
	Fields    []FieldDescription
}
