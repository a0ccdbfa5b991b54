package rewrite

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewrite(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		want    string
		names   []string
		maxPos  int
		wantErr error
	}{
		{name: "plain", sql: "SELECT 1", want: "SELECT 1"},
		{name: "trailing semicolon", sql: "SELECT 1;  ", want: "SELECT 1"},
		{name: "trailing semicolon and comment", sql: "SELECT 1; -- done", want: "SELECT 1"},
		{name: "positional", sql: "SELECT $1, $2", want: "SELECT $1, $2", maxPos: 2},
		{name: "named at", sql: "SELECT @a, @b, @a", want: "SELECT $1, $2, $1", names: []string{"a", "b"}},
		{name: "named colon", sql: "UPDATE t SET x = :val WHERE id = :id", want: "UPDATE t SET x = $1 WHERE id = $2", names: []string{"val", "id"}},
		{name: "names are case insensitive", sql: "SELECT @Id, @id", want: "SELECT $1, $1", names: []string{"Id"}},
		{name: "cast is not a name", sql: "SELECT @a::int", want: "SELECT $1::int", names: []string{"a"}},
		{name: "string literal untouched", sql: "SELECT '@a; :b', @c", want: "SELECT '@a; :b', $1", names: []string{"c"}},
		{name: "escaped quote", sql: "SELECT 'it''s;'", want: "SELECT 'it''s;'"},
		{name: "quoted identifier", sql: `SELECT "a;b" FROM t`, want: `SELECT "a;b" FROM t`},
		{name: "line comment", sql: "SELECT 1 -- ; @x\n", want: "SELECT 1 -- ; @x"},
		{name: "block comment", sql: "SELECT /* ; @x */ 1", want: "SELECT /* ; @x */ 1"},
		{name: "dollar quoted body", sql: "DO $$ BEGIN PERFORM 1; END $$", want: "DO $$ BEGIN PERFORM 1; END $$"},
		{name: "tagged dollar quote", sql: "SELECT $fn$a;b$fn$", want: "SELECT $fn$a;b$fn$"},
		{
			name: "function body",
			sql:  "CREATE FUNCTION one() RETURNS int AS $body$ BEGIN RETURN 1; END $body$ LANGUAGE plpgsql;",
			want: "CREATE FUNCTION one() RETURNS int AS $body$ BEGIN RETURN 1; END $body$ LANGUAGE plpgsql",
		},
		{name: "other tag inside body", sql: "DO $a$ SELECT $$;$$; $a$", want: "DO $a$ SELECT $$;$$; $a$"},
		{name: "names inside dollar body untouched", sql: "SELECT $x$ @a; $x$, @b", want: "SELECT $x$ @a; $x$, $1", names: []string{"b"}},
		{name: "escape string", sql: `SELECT E'it\'s; fine'`, want: `SELECT E'it\'s; fine'`},
		{name: "escape string with placeholder after", sql: `SELECT e'\\', @v`, want: `SELECT e'\\', $1`, names: []string{"v"}},
		{name: "backslash in standard string", sql: `SELECT 'a\', @b`, want: `SELECT 'a\', $1`, names: []string{"b"}},
		{name: "semicolon after dollar body", sql: "SELECT $t$x$t$; SELECT 2", wantErr: ErrMultipleStatements},
		{name: "multiple commands", sql: "SELECT 1; SELECT 2", wantErr: ErrMultipleStatements},
		{name: "mixed placeholders", sql: "SELECT $1, @a", wantErr: ErrMixedPlaceholders},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Rewrite(tt.sql)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.SQL)
			if diff := cmp.Diff(tt.names, res.Names); diff != "" {
				t.Errorf("names mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tt.maxPos, res.MaxPositional)
			assert.Equal(t, len(tt.names) > 0, res.Named())
		})
	}
}

func TestHasMultipleStatements(t *testing.T) {
	assert.True(t, HasMultipleStatements("SELECT 1; SELECT 2"))
	assert.False(t, HasMultipleStatements("SELECT 1;"))
	assert.False(t, HasMultipleStatements("SELECT ';'"))
}

func TestSplit(t *testing.T) {
	got, err := Split("CREATE TABLE t (a int);\n\n-- seed\nINSERT INTO t VALUES (1);;\nSELECT ';' FROM t")
	require.NoError(t, err)

	want := []string{
		"CREATE TABLE t (a int)",
		"-- seed\nINSERT INTO t VALUES (1)",
		"SELECT ';' FROM t",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("split mismatch (-want +got):\n%s", diff)
	}
}

func TestFirstKeyword(t *testing.T) {
	assert.Equal(t, "SELECT", FirstKeyword("  select 1"))
	assert.Equal(t, "INSERT", FirstKeyword("/* hint */ -- x\ninsert into t values (1)"))
	assert.Equal(t, "", FirstKeyword("(SELECT 1)"))
	assert.Equal(t, "", FirstKeyword(""))
}
