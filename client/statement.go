package client

import "github.com/dan-strohschein/pgbatch/protocol"

// StatementBehavior adjusts how a statement's result is exposed.
type StatementBehavior int

const (
	// BehaviorDefault exposes every row.
	BehaviorDefault StatementBehavior = iota
	// BehaviorSingleRow exposes only the first row of the result set.
	BehaviorSingleRow
)

// Statement is one SQL command of a batch with its parameters and completion data.
//
// A Statement is not safe for concurrent use; at most one execution may be in flight.
type Statement struct {
	text      string
	finalText string

	// description is authoritative only while no live prepared record is referenced.
	description *protocol.RowDescription

	parameters *ParameterCollection
	owned      *ParameterCollection
	storage    ParameterStorage
	boundOIDs  []uint32

	kind protocol.StatementKind
	rows uint64
	oid  uint32

	prepared    *PreparedStatement
	explicit    bool
	isPreparing bool

	Behavior StatementBehavior
}

// NewStatement creates a statement. Each arg becomes a positional parameter.
func NewStatement(sql string, args ...any) *Statement {
	s := &Statement{text: sql, parameters: NewParameterCollection()}
	for _, a := range args {
		if p, ok := a.(*Parameter); ok {
			s.parameters.Add(p)
			continue
		}
		s.parameters.AddValue(a)
	}
	return s
}

// Text returns the SQL text.
func (s *Statement) Text() string { return s.text }

// SetText replaces the SQL text. Parameters are left as they are.
func (s *Statement) SetText(sql string) { s.text = sql }

// FinalText returns the text sent on the wire after rewriting, or "" before execution.
func (s *Statement) FinalText() string { return s.finalText }

// Parameters returns the user-facing parameter collection.
func (s *Statement) Parameters() *ParameterCollection {
	if s.parameters == nil {
		s.parameters = NewParameterCollection()
	}
	return s.parameters
}

// Kind returns the statement kind reported by the last completion.
func (s *Statement) Kind() protocol.StatementKind { return s.kind }

// Rows returns the row count reported by the last completion.
func (s *Statement) Rows() uint64 { return s.rows }

// Rows32 returns the low 32 bits of Rows.
func (s *Statement) Rows32() uint32 { return uint32(s.rows) }

// OID returns the object id of a single-row INSERT, or 0.
func (s *Statement) OID() uint32 { return s.oid }

// RecordsAffected returns -1 for row-returning kinds and the row count otherwise.
func (s *Statement) RecordsAffected() int64 {
	if s.kind.ReturnsRows() {
		return -1
	}
	return int64(s.rows)
}

// IsPreparing reports whether this execution is sending the statement's Parse.
func (s *Statement) IsPreparing() bool { return s.isPreparing }

// PreparedStatement returns the referenced record, dropping the reference first
// when the record has been invalidated.
func (s *Statement) PreparedStatement() *PreparedStatement {
	if s.prepared != nil && s.prepared.State() == PreparedStateUnprepared {
		s.prepared = nil
	}
	return s.prepared
}

// IsPrepared reports whether the server holds this statement.
func (s *Statement) IsPrepared() bool {
	ps := s.PreparedStatement()
	return ps != nil && ps.IsPrepared()
}

// StatementName returns the server-side name, or "" for an unnamed statement.
func (s *Statement) StatementName() string {
	if ps := s.PreparedStatement(); ps != nil {
		return ps.Name()
	}
	return ""
}

// Description returns the cached result shape.
func (s *Statement) Description() *protocol.RowDescription {
	if ps := s.PreparedStatement(); ps != nil {
		return ps.Description()
	}
	return s.description
}

// SetDescription stores the result shape on the prepared record when one is referenced.
func (s *Statement) SetDescription(d *protocol.RowDescription) {
	if ps := s.PreparedStatement(); ps != nil {
		ps.setDescription(d)
		return
	}
	s.description = d
}

// detachForeign drops a record issued by a registry other than reg, along with
// the explicit flag: a statement moved to another connector is unprepared there
// until it is prepared again.
func (s *Statement) detachForeign(reg PreparedStatementRegistry) {
	if s.prepared != nil && !reg.Owns(s.prepared) {
		s.prepared = nil
		s.explicit = false
		s.isPreparing = false
	}
}

// ExplicitPrepare asks reg for an explicit record and reports whether this call
// began preparing it. It is a no-op once the statement is prepared on reg.
func (s *Statement) ExplicitPrepare(reg PreparedStatementRegistry) bool {
	s.detachForeign(reg)
	if s.IsPrepared() {
		return false
	}

	ps := reg.GetOrAddExplicit(s)
	s.prepared = ps
	if ps == nil {
		return false
	}
	s.explicit = true

	if reg.BeginPreparing(ps) {
		s.isPreparing = true
		return true
	}
	return false
}

// TryAutoPrepare asks reg for an auto-prepared record and reports whether the
// statement is now prepared or being prepared. isPreparing is set only when
// this call began the preparation.
func (s *Statement) TryAutoPrepare(reg PreparedStatementRegistry) bool {
	s.detachForeign(reg)
	if !s.IsPrepared() {
		s.prepared = reg.TryGetAutoPrepared(s)
	}

	ps := s.prepared
	if ps == nil {
		return false
	}
	if reg.BeginPreparing(ps) {
		s.isPreparing = true
	}
	return true
}

// ApplyCompletion overwrites kind, row count and object id from a command tag.
func (s *Statement) ApplyCompletion(c protocol.Completion) {
	s.kind = c.Kind
	s.rows = c.Rows
	s.oid = c.OID
}

// UsePositionalParameters makes the wire list an alias of params.
func (s *Statement) UsePositionalParameters(params *ParameterCollection) {
	if s.owned != nil {
		s.owned.Clear()
	}
	s.storage = BorrowedParameters{Ref: params}
}

// ownedParameters switches to private storage, clearing it, and returns it.
func (s *Statement) ownedParameters() *ParameterCollection {
	if s.owned == nil {
		s.owned = NewParameterCollection()
	}
	s.owned.Clear()
	s.storage = OwnedParameters{List: s.owned}
	return s.owned
}

// PositionalParameters returns the list sent on the wire.
func (s *Statement) PositionalParameters() []*Parameter {
	if s.storage == nil {
		return nil
	}
	return s.storage.parameters()
}

// Storage returns the active positional storage variant, or nil.
func (s *Statement) Storage() ParameterStorage { return s.storage }

// Reset clears the statement for reuse. Owned positional storage is cleared in
// place; a borrowed collection is only unlinked and never modified.
func (s *Statement) Reset() {
	s.text = ""
	s.finalText = ""
	s.kind = protocol.StatementSelect
	s.description = nil
	s.rows = 0
	s.oid = 0
	s.prepared = nil
	s.explicit = false
	s.isPreparing = false
	s.boundOIDs = nil

	switch st := s.storage.(type) {
	case OwnedParameters:
		st.List.Clear()
	case BorrowedParameters:
		s.storage = nil
	}
}

// preparationKey is the SQL and parameter types a prepared record is keyed by.
func (s *Statement) preparationKey() (string, []uint32) {
	sql := s.finalText
	if sql == "" {
		sql = s.text
	}
	if s.boundOIDs != nil {
		return sql, s.boundOIDs
	}

	params := s.PositionalParameters()
	if s.storage == nil {
		params = s.Parameters().All()
	}
	oids := make([]uint32, len(params))
	for i, p := range params {
		oids[i] = p.DataTypeOID
	}
	return sql, oids
}
