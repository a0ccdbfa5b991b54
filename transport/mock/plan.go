package mock

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/dan-strohschein/pgbatch/protocol"
)

var (
	seriesRe      = regexp.MustCompile(`(?i)^generate_series\(\s*(-?\d+)\s*,\s*(-?\d+)\s*\)$`)
	placeholderRe = regexp.MustCompile(`\$(\d+)`)
	aliasRe       = regexp.MustCompile(`(?i)^(.+?)\s+as\s+("?[A-Za-z_][A-Za-z0-9_]*"?)$`)
)

// plan is a compiled statement the mock server can execute repeatedly.
type plan struct {
	sql       string
	paramOIDs []uint32
	fields    []protocol.FieldDescription
	kind      protocol.StatementKind
	affected  int
	fixedTag  string
	required  int
	run       func(params [][]byte) ([][][]byte, error)
}

func (p *plan) tag(rows int) string {
	if p.fixedTag != "" {
		return p.fixedTag
	}
	if p.kind == protocol.StatementSelect {
		return protocol.FormatCommandTag(p.kind, uint64(rows))
	}
	return protocol.FormatCommandTag(p.kind, uint64(p.affected))
}

func syntaxError(format string, args ...interface{}) *pgconn.PgError {
	return &pgconn.PgError{Severity: "ERROR", Code: "42601", Message: fmt.Sprintf(format, args...)}
}

func compile(sql string, paramOIDs []uint32) (*plan, error) {
	text := strings.TrimSpace(sql)
	text = strings.TrimSpace(strings.TrimSuffix(text, ";"))
	if text == "" {
		return &plan{sql: sql, kind: protocol.StatementOther, run: noRows}, nil
	}
	if strings.Contains(text, ";") {
		return nil, syntaxError("cannot insert multiple commands into a prepared statement")
	}

	required := 0
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		n, _ := strconv.Atoi(m[1])
		if n > required {
			required = n
		}
	}

	words := strings.Fields(strings.ToUpper(text))
	pl := &plan{sql: sql, paramOIDs: paramOIDs, required: required, run: noRows}

	switch words[0] {
	case "SELECT":
		if err := compileSelect(pl, strings.TrimSpace(text[len("SELECT"):])); err != nil {
			return nil, err
		}
	case "INSERT":
		pl.kind, pl.affected = protocol.StatementInsert, 1
	case "UPDATE":
		pl.kind, pl.affected = protocol.StatementUpdate, 1
	case "DELETE":
		pl.kind, pl.affected = protocol.StatementDelete, 1
	default:
		pl.kind = protocol.StatementOther
		pl.fixedTag = words[0]
		if len(words) > 1 && (words[0] == "CREATE" || words[0] == "DROP" || words[0] == "ALTER") {
			pl.fixedTag += " " + words[1]
		}
	}

	inner := pl.run
	pl.run = func(params [][]byte) ([][][]byte, error) {
		if len(params) < pl.required {
			return nil, &pgconn.PgError{
				Severity: "ERROR",
				Code:     "08P01",
				Message:  fmt.Sprintf("bind message supplies %d parameters, but prepared statement requires %d", len(params), pl.required),
			}
		}
		return inner(params)
	}

	if pl.paramOIDs == nil && required > 0 {
		pl.paramOIDs = make([]uint32, required)
	}
	return pl, nil
}

func noRows([][]byte) ([][][]byte, error) { return nil, nil }

type selectItem struct {
	param   int
	literal []byte
}

func compileSelect(pl *plan, list string) error {
	pl.kind = protocol.StatementSelect

	if m := seriesRe.FindStringSubmatch(list); m != nil {
		from, _ := strconv.Atoi(m[1])
		to, _ := strconv.Atoi(m[2])
		pl.fields = []protocol.FieldDescription{intField("generate_series")}
		pl.run = func([][]byte) ([][][]byte, error) {
			var rows [][][]byte
			for i := from; i <= to; i++ {
				rows = append(rows, [][]byte{[]byte(strconv.Itoa(i))})
			}
			return rows, nil
		}
		return nil
	}

	parts := splitList(list)
	items := make([]selectItem, 0, len(parts))
	for _, part := range parts {
		name := "?column?"
		expr := strings.TrimSpace(part)
		if m := aliasRe.FindStringSubmatch(expr); m != nil {
			expr, name = strings.TrimSpace(m[1]), strings.Trim(m[2], `"`)
		}

		switch {
		case strings.HasPrefix(expr, "$"):
			n, err := strconv.Atoi(expr[1:])
			if err != nil || n < 1 {
				return syntaxError("syntax error at or near %q", expr)
			}
			oid := uint32(pgtype.TextOID)
			if n <= len(pl.paramOIDs) && pl.paramOIDs[n-1] != 0 {
				oid = pl.paramOIDs[n-1]
			}
			pl.fields = append(pl.fields, protocol.FieldDescription{Name: name, DataTypeOID: oid, DataTypeSize: -1})
			items = append(items, selectItem{param: n})

		case strings.EqualFold(expr, "NULL"):
			pl.fields = append(pl.fields, protocol.FieldDescription{Name: name, DataTypeOID: pgtype.TextOID, DataTypeSize: -1})
			items = append(items, selectItem{})

		case len(expr) >= 2 && expr[0] == '\'' && expr[len(expr)-1] == '\'':
			pl.fields = append(pl.fields, protocol.FieldDescription{Name: name, DataTypeOID: pgtype.TextOID, DataTypeSize: -1})
			items = append(items, selectItem{literal: []byte(strings.ReplaceAll(expr[1:len(expr)-1], "''", "'"))})

		default:
			if _, err := strconv.ParseInt(expr, 10, 32); err != nil {
				return &pgconn.PgError{Severity: "ERROR", Code: "42703", Message: fmt.Sprintf("column %q does not exist", expr)}
			}
			pl.fields = append(pl.fields, intField(name))
			items = append(items, selectItem{literal: []byte(expr)})
		}
	}

	pl.run = func(params [][]byte) ([][][]byte, error) {
		row := make([][]byte, len(items))
		for i, it := range items {
			if it.param > 0 {
				row[i] = params[it.param-1]
				continue
			}
			row[i] = it.literal
		}
		return [][][]byte{row}, nil
	}
	return nil
}

func intField(name string) protocol.FieldDescription {
	return protocol.FieldDescription{Name: name, DataTypeOID: pgtype.Int4OID, DataTypeSize: 4}
}

// splitList splits a select list on top-level commas, respecting quotes and parentheses.
func splitList(list string) []string {
	var parts []string
	depth, start := 0, 0
	inQuote := false
	for i := 0; i < len(list); i++ {
		switch c := list[i]; {
		case c == '\'':
			inQuote = !inQuote
		case inQuote:
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ',' && depth == 0:
			parts = append(parts, list[start:i])
			start = i + 1
		}
	}
	return append(parts, list[start:])
}

func cannedPlan(sql string, paramOIDs []uint32, r Result) *plan {
	fields := r.Fields
	if fields == nil && len(r.Rows) > 0 {
		for i := range r.Rows[0] {
			fields = append(fields, protocol.FieldDescription{
				Name:         fmt.Sprintf("column%d", i+1),
				DataTypeOID:  pgtype.TextOID,
				DataTypeSize: -1,
			})
		}
	}

	rows := make([][][]byte, len(r.Rows))
	for i, row := range r.Rows {
		rows[i] = make([][]byte, len(row))
		for j, v := range row {
			rows[i][j] = []byte(v)
		}
	}

	kind := protocol.StatementSelect
	if r.Tag != "" {
		kind = protocol.ParseCommandTag(r.Tag).Kind
	}
	pl := &plan{
		sql:       sql,
		paramOIDs: paramOIDs,
		fields:    fields,
		kind:      kind,
		fixedTag:  r.Tag,
		run: func([][]byte) ([][][]byte, error) {
			return rows, nil
		},
	}
	return pl
}
