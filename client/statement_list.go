package client

// statementList is the single backing list shared by a Batch's collection and its Command.
type statementList struct {
	items []*Statement
}

func newStatementList(capacity int) *statementList {
	if capacity < 0 {
		capacity = 0
	}
	return &statementList{items: make([]*Statement, 0, capacity)}
}

// StatementCollection is an ordered list of statements. Insertion order is the
// order statements are sent in. The same statement may appear more than once.
type StatementCollection struct {
	list *statementList
}

// Len returns the number of statements.
func (c *StatementCollection) Len() int {
	return len(c.list.items)
}

// At returns the statement at index.
func (c *StatementCollection) At(index int) (*Statement, error) {
	if index < 0 || index >= len(c.list.items) {
		return nil, ErrIndexOutOfRange(index, len(c.list.items))
	}
	return c.list.items[index], nil
}

// Set replaces the statement at index.
func (c *StatementCollection) Set(index int, s *Statement) error {
	if s == nil {
		return ErrInvalidElement(s)
	}
	if index < 0 || index >= len(c.list.items) {
		return ErrIndexOutOfRange(index, len(c.list.items))
	}
	c.list.items[index] = s
	return nil
}

// Add appends s.
func (c *StatementCollection) Add(s *Statement) error {
	if s == nil {
		return ErrInvalidElement(s)
	}
	c.list.items = append(c.list.items, s)
	return nil
}

// AddSQL appends a new statement built from sql and args and returns it.
func (c *StatementCollection) AddSQL(sql string, args ...any) *Statement {
	s := NewStatement(sql, args...)
	c.list.items = append(c.list.items, s)
	return s
}

// Insert places s at index, shifting later statements. index may equal Len.
func (c *StatementCollection) Insert(index int, s *Statement) error {
	if s == nil {
		return ErrInvalidElement(s)
	}
	n := len(c.list.items)
	if index < 0 || index > n {
		return ErrIndexOutOfRange(index, n)
	}
	c.list.items = append(c.list.items, nil)
	copy(c.list.items[index+1:], c.list.items[index:n])
	c.list.items[index] = s
	return nil
}

// IndexOf returns the index of the first occurrence of s, or -1.
func (c *StatementCollection) IndexOf(s *Statement) int {
	for i, item := range c.list.items {
		if item == s {
			return i
		}
	}
	return -1
}

// Contains reports whether s is in the collection.
func (c *StatementCollection) Contains(s *Statement) bool {
	return c.IndexOf(s) >= 0
}

// Remove deletes the first occurrence of s and reports whether it was found.
func (c *StatementCollection) Remove(s *Statement) bool {
	i := c.IndexOf(s)
	if i < 0 {
		return false
	}
	_ = c.RemoveAt(i)
	return true
}

// RemoveAt deletes the statement at index.
func (c *StatementCollection) RemoveAt(index int) error {
	n := len(c.list.items)
	if index < 0 || index >= n {
		return ErrIndexOutOfRange(index, n)
	}
	copy(c.list.items[index:], c.list.items[index+1:])
	c.list.items[n-1] = nil
	c.list.items = c.list.items[:n-1]
	return nil
}

// Clear removes all statements, keeping capacity.
func (c *StatementCollection) Clear() {
	for i := range c.list.items {
		c.list.items[i] = nil
	}
	c.list.items = c.list.items[:0]
}

// All returns the statements in order. The slice must not be modified.
func (c *StatementCollection) All() []*Statement {
	return c.list.items
}

// CopyTo is not supported; iterate with All instead.
func (c *StatementCollection) CopyTo(dst []*Statement, index int) error {
	return ErrOperationNotImplemented("CopyTo", "iterate over All() instead")
}

// The Value methods accept untyped elements and reject anything that is not a non-nil *Statement.

func asStatement(value any) (*Statement, error) {
	s, ok := value.(*Statement)
	if !ok || s == nil {
		return nil, ErrInvalidElement(value)
	}
	return s, nil
}

// AddValue appends value.
func (c *StatementCollection) AddValue(value any) error {
	s, err := asStatement(value)
	if err != nil {
		return err
	}
	return c.Add(s)
}

// InsertValue inserts value at index.
func (c *StatementCollection) InsertValue(index int, value any) error {
	s, err := asStatement(value)
	if err != nil {
		return err
	}
	return c.Insert(index, s)
}

// SetValue replaces the statement at index with value.
func (c *StatementCollection) SetValue(index int, value any) error {
	s, err := asStatement(value)
	if err != nil {
		return err
	}
	return c.Set(index, s)
}

// RemoveValue removes value and reports whether it was present.
func (c *StatementCollection) RemoveValue(value any) (bool, error) {
	s, err := asStatement(value)
	if err != nil {
		return false, err
	}
	return c.Remove(s), nil
}

// IndexOfValue returns the index of value, or -1.
func (c *StatementCollection) IndexOfValue(value any) (int, error) {
	s, err := asStatement(value)
	if err != nil {
		return -1, err
	}
	return c.IndexOf(s), nil
}

// ContainsValue reports whether value is in the collection.
func (c *StatementCollection) ContainsValue(value any) (bool, error) {
	s, err := asStatement(value)
	if err != nil {
		return false, err
	}
	return c.Contains(s), nil
}
