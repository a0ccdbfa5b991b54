// Package rewrite tokenizes SQL text, detects multi-command input and rewrites
// named placeholders (@name, :name) into positional ones ($1, $2, ...).
package rewrite

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2/lexer"
)

var (
	// ErrMultipleStatements is returned when the text holds more than one command.
	ErrMultipleStatements = errors.New("multiple commands in a single statement")

	// ErrMixedPlaceholders is returned when named and positional placeholders are combined.
	ErrMixedPlaceholders = errors.New("named and positional placeholders cannot be mixed")
)

// Dollar-quoted bodies ($$ ... $$, $tag$ ... $tag$) are lexed in their own
// state so semicolons and placeholders inside them are plain text. The opening
// rule's capture group always participates, so \1 is "" for an untagged quote.
//
//nolint:govet // Participle DSL uses unkeyed fields
var sqlLexer = lexer.MustStateful(lexer.Rules{
	"Root": {
		{Name: "Whitespace", Pattern: `[ \t\r\n]+`, Action: nil},
		{Name: "LineComment", Pattern: `--[^\n]*`, Action: nil},
		{Name: "BlockComment", Pattern: `/\*([^*]|\*+[^*/])*\*+/`, Action: nil},
		{Name: "EscapeString", Pattern: `[Ee]'(?:[^'\\]|\\.|'')*'`, Action: nil},
		{Name: "String", Pattern: `'(?:[^']|'')*'`, Action: nil},
		{Name: "QuotedIdent", Pattern: `"(?:[^"]|"")*"`, Action: nil},
		{Name: "DollarOpen", Pattern: `\$((?:[A-Za-z_][A-Za-z0-9_]*)?)\$`, Action: lexer.Push("DollarBody")},
		{Name: "Positional", Pattern: `\$[0-9]+`, Action: nil},
		{Name: "Cast", Pattern: `::`, Action: nil},
		{Name: "Named", Pattern: `[@:][A-Za-z_][A-Za-z0-9_]*`, Action: nil},
		{Name: "Semicolon", Pattern: `;`, Action: nil},
		{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_$]*`, Action: nil},
		{Name: "Number", Pattern: `[0-9]+(?:\.[0-9]+)?`, Action: nil},
		{Name: "Punct", Pattern: `[^ \t\r\n]`, Action: nil},
	},
	"DollarBody": {
		{Name: "DollarClose", Pattern: `\$\1\$`, Action: lexer.Pop()},
		{Name: "DollarText", Pattern: `[^$]+|\$`, Action: nil},
	},
})

var (
	symbols         = sqlLexer.Symbols()
	tokWhitespace   = symbols["Whitespace"]
	tokLineComment  = symbols["LineComment"]
	tokBlockComment = symbols["BlockComment"]
	tokPositional   = symbols["Positional"]
	tokNamed        = symbols["Named"]
	tokSemicolon    = symbols["Semicolon"]
	tokIdent        = symbols["Ident"]
)

// Result is the outcome of rewriting one statement.
type Result struct {
	// SQL is the text sent to the server: named placeholders replaced by $n,
	// a trailing semicolon removed.
	SQL string

	// Names lists the distinct placeholder names in $n order (Names[0] is $1).
	// Empty when the statement uses positional placeholders or none at all.
	Names []string

	// MaxPositional is the highest $n referenced in the original text.
	MaxPositional int
}

// Named reports whether the statement used named placeholders.
func (r *Result) Named() bool {
	return len(r.Names) > 0
}

func tokenize(sql string) ([]lexer.Token, error) {
	lex, err := sqlLexer.LexString("", sql)
	if err != nil {
		return nil, err
	}

	var tokens []lexer.Token
	for {
		tok, err := lex.Next()
		if err != nil {
			return nil, fmt.Errorf("tokenize sql: %w", err)
		}
		if tok.EOF() {
			return tokens, nil
		}
		tokens = append(tokens, tok)
	}
}

func isTrivia(tok lexer.Token) bool {
	return tok.Type == tokWhitespace || tok.Type == tokLineComment || tok.Type == tokBlockComment
}

// Rewrite validates that sql holds a single command and converts named placeholders.
// A trailing semicolon followed only by whitespace or comments is accepted.
func Rewrite(sql string) (*Result, error) {
	tokens, err := tokenize(sql)
	if err != nil {
		return nil, err
	}

	end := len(tokens)
	for i, tok := range tokens {
		if tok.Type != tokSemicolon {
			continue
		}
		for _, rest := range tokens[i+1:] {
			if !isTrivia(rest) && rest.Type != tokSemicolon {
				return nil, ErrMultipleStatements
			}
		}
		end = i
		break
	}

	res := &Result{}
	index := make(map[string]int)
	var b strings.Builder
	b.Grow(len(sql))

	for _, tok := range tokens[:end] {
		switch tok.Type {
		case tokPositional:
			n, _ := strconv.Atoi(tok.Value[1:])
			if n > res.MaxPositional {
				res.MaxPositional = n
			}
			b.WriteString(tok.Value)
		case tokNamed:
			name := tok.Value[1:]
			key := strings.ToLower(name)
			pos, ok := index[key]
			if !ok {
				res.Names = append(res.Names, name)
				pos = len(res.Names)
				index[key] = pos
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(pos))
		default:
			b.WriteString(tok.Value)
		}
	}

	if res.MaxPositional > 0 && len(res.Names) > 0 {
		return nil, ErrMixedPlaceholders
	}

	res.SQL = strings.TrimRightFunc(b.String(), isSpace)
	return res, nil
}

// HasMultipleStatements reports whether sql contains more than one command.
func HasMultipleStatements(sql string) bool {
	_, err := Rewrite(sql)
	return errors.Is(err, ErrMultipleStatements)
}

// Split breaks a script into individual commands on top-level semicolons.
// Empty commands are dropped; comments stay attached to the command that follows them.
func Split(script string) ([]string, error) {
	tokens, err := tokenize(script)
	if err != nil {
		return nil, err
	}

	var out []string
	var b strings.Builder
	meaningful := false
	flush := func() {
		if meaningful {
			out = append(out, strings.TrimSpace(b.String()))
		}
		b.Reset()
		meaningful = false
	}

	for _, tok := range tokens {
		if tok.Type == tokSemicolon {
			flush()
			continue
		}
		if !isTrivia(tok) {
			meaningful = true
		}
		b.WriteString(tok.Value)
	}
	flush()
	return out, nil
}

// FirstKeyword returns the upper-cased first keyword of sql, skipping comments.
func FirstKeyword(sql string) string {
	tokens, err := tokenize(sql)
	if err != nil {
		return ""
	}
	for _, tok := range tokens {
		if isTrivia(tok) {
			continue
		}
		if tok.Type == tokIdent {
			return strings.ToUpper(tok.Value)
		}
		return ""
	}
	return ""
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\r' || r == '\n'
}
