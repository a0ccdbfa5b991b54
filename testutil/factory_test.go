package testutil_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/dan-strohschein/pgbatch/testutil"
)

func TestUserFactory_Build(t *testing.T) {
	factory := testutil.NewUserFactory()
	row := factory.Build()

	if len(row) != 5 {
		t.Fatalf("expected 5 columns, got %d", len(row))
	}
	for i, v := range row {
		if v == "" {
			t.Errorf("column %d is empty", i)
		}
	}
	if row[3] != "t" {
		t.Errorf("expected active=t, got %v", row[3])
	}
}

func TestUserFactory_BuildWithOptions(t *testing.T) {
	factory := testutil.NewUserFactory()
	row := factory.Build(
		testutil.WithField("username", "custom"),
		testutil.WithFields(map[string]string{"active": "f"}),
	)

	if row[2] != "custom" {
		t.Errorf("expected username='custom', got %v", row[2])
	}
	if row[3] != "f" {
		t.Errorf("expected active=f, got %v", row[3])
	}
}

func TestUserFactory_BuildList(t *testing.T) {
	rows := testutil.NewUserFactory().BuildList(5)
	if len(rows) != 5 {
		t.Errorf("expected 5 rows, got %d", len(rows))
	}
	if rows[0][0] == rows[1][0] {
		t.Error("expected unique ids")
	}
}

func TestFactoryResultThroughMockServer(t *testing.T) {
	conn, server := testutil.NewMockConnector(t)
	server.WithResult("SELECT account, amount FROM ledger", testutil.NewAmountFactory().Result(2))

	ctx, _ := testutil.WithTimeout(t)
	batch := conn.CreateBatch()
	stmt := batch.Add("SELECT account, amount FROM ledger")

	r, err := batch.ExecuteReader(ctx)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	sets := testutil.ReadAll(t, r)

	if len(sets) != 1 || len(sets[0]) != 2 {
		t.Fatalf("expected one set of 2 rows, got %v", sets)
	}
	if _, ok := sets[0][0][0].(string); !ok {
		t.Errorf("expected account as string, got %T", sets[0][0][0])
	}
	if _, ok := sets[0][0][1].(decimal.Decimal); !ok {
		t.Errorf("expected amount as decimal, got %T", sets[0][0][1])
	}
	if stmt.Rows() != 2 {
		t.Errorf("expected 2 rows reported, got %d", stmt.Rows())
	}
}

func TestSequenceGenerators(t *testing.T) {
	if testutil.SequenceEmail() == testutil.SequenceEmail() {
		t.Error("expected unique emails")
	}
	if testutil.SequenceUsername() == testutil.SequenceUsername() {
		t.Error("expected unique usernames")
	}
	if testutil.SequenceID() == testutil.SequenceID() {
		t.Error("expected unique ids")
	}
}

func TestRandomString(t *testing.T) {
	s := testutil.RandomString(10)
	if len(s) != 10 {
		t.Errorf("expected length 10, got %d", len(s))
	}
}
