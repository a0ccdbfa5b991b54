package protocol

import (
	"strconv"
	"strings"
)

// StatementKind is the kind of SQL command reported by the server's completion tag.
// The zero value is StatementSelect.
type StatementKind int

const (
	StatementSelect StatementKind = iota
	StatementInsert
	StatementUpdate
	StatementDelete
	StatementMerge
	StatementMove
	StatementFetch
	StatementCopy
	StatementCall
	StatementOther
)

// String returns the tag keyword for the kind.
func (k StatementKind) String() string {
	switch k {
	case StatementSelect:
		return "SELECT"
	case StatementInsert:
		return "INSERT"
	case StatementUpdate:
		return "UPDATE"
	case StatementDelete:
		return "DELETE"
	case StatementMerge:
		return "MERGE"
	case StatementMove:
		return "MOVE"
	case StatementFetch:
		return "FETCH"
	case StatementCopy:
		return "COPY"
	case StatementCall:
		return "CALL"
	default:
		return "OTHER"
	}
}

// ReturnsRows reports whether the row count of this kind counts retrieved rows
// rather than affected rows.
func (k StatementKind) ReturnsRows() bool {
	switch k {
	case StatementSelect, StatementMove, StatementFetch:
		return true
	default:
		return false
	}
}

// Completion is a parsed CommandComplete message.
type Completion struct {
	Kind StatementKind
	Rows uint64
	OID  uint32
	Tag  string
}

var kindsByKeyword = map[string]StatementKind{
	"SELECT": StatementSelect,
	"INSERT": StatementInsert,
	"UPDATE": StatementUpdate,
	"DELETE": StatementDelete,
	"MERGE":  StatementMerge,
	"MOVE":   StatementMove,
	"FETCH":  StatementFetch,
	"COPY":   StatementCopy,
	"CALL":   StatementCall,
}

// ParseCommandTag parses a completion tag such as "SELECT 5" or "INSERT 0 1".
// Tags without a row count (CREATE TABLE, BEGIN, ...) yield StatementOther with zero rows.
func ParseCommandTag(tag string) Completion {
	c := Completion{Kind: StatementOther, Tag: tag}

	fields := strings.Fields(tag)
	if len(fields) == 0 {
		return c
	}

	kind, ok := kindsByKeyword[strings.ToUpper(fields[0])]
	if !ok {
		return c
	}
	c.Kind = kind

	switch {
	case kind == StatementInsert && len(fields) == 3:
		if oid, err := strconv.ParseUint(fields[1], 10, 32); err == nil {
			c.OID = uint32(oid)
		}
		c.Rows, _ = strconv.ParseUint(fields[2], 10, 64)
	case len(fields) == 2:
		c.Rows, _ = strconv.ParseUint(fields[1], 10, 64)
	}

	return c
}

// FormatCommandTag renders a completion back into tag form.
func FormatCommandTag(kind StatementKind, rows uint64) string {
	switch kind {
	case StatementInsert:
		return "INSERT 0 " + strconv.FormatUint(rows, 10)
	case StatementCall:
		return "CALL"
	case StatementOther:
		return ""
	default:
		return kind.String() + " " + strconv.FormatUint(rows, 10)
	}
}
