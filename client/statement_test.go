package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/pgbatch/protocol"
)

func TestStatementArgsBecomePositionalParameters(t *testing.T) {
	named := NewNamedParameter("id", 7)
	s := NewStatement("SELECT $1, $2", 1, named)

	require.Equal(t, 2, s.Parameters().Len())
	assert.Equal(t, 1, s.Parameters().At(0).Value)
	assert.Same(t, named, s.Parameters().At(1))
}

func TestStatementApplyCompletion(t *testing.T) {
	s := NewStatement("SELECT * FROM t")
	s.ApplyCompletion(protocol.ParseCommandTag("SELECT 5"))

	assert.Equal(t, protocol.StatementSelect, s.Kind())
	assert.Equal(t, uint64(5), s.Rows())
	assert.Equal(t, uint32(5), s.Rows32())
	assert.Equal(t, int64(-1), s.RecordsAffected())

	s.ApplyCompletion(protocol.ParseCommandTag("INSERT 0 3"))
	assert.Equal(t, protocol.StatementInsert, s.Kind())
	assert.Equal(t, int64(3), s.RecordsAffected())
	assert.Equal(t, uint32(0), s.OID())
}

func TestStatementRows32Truncates(t *testing.T) {
	s := NewStatement("UPDATE t SET a = 1")
	s.ApplyCompletion(protocol.Completion{Kind: protocol.StatementUpdate, Rows: 1<<32 + 4})

	assert.Equal(t, uint64(1<<32+4), s.Rows())
	assert.Equal(t, uint32(4), s.Rows32())
}

func TestStatementResetClearsOwnedStorage(t *testing.T) {
	s := NewStatement("SELECT @a")
	owned := s.ownedParameters()
	owned.AddValue(1)
	s.finalText = "SELECT $1"
	s.ApplyCompletion(protocol.ParseCommandTag("INSERT 16384 1"))
	require.Equal(t, uint32(16384), s.OID())

	s.Reset()

	assert.Empty(t, s.Text())
	assert.Empty(t, s.FinalText())
	assert.Equal(t, protocol.StatementSelect, s.Kind())
	assert.Equal(t, uint64(0), s.Rows())
	assert.Equal(t, uint32(0), s.OID())
	assert.Nil(t, s.Description())
	assert.IsType(t, OwnedParameters{}, s.Storage())
	assert.Equal(t, 0, owned.Len())
}

func TestStatementResetUnlinksBorrowedStorage(t *testing.T) {
	s := NewStatement("SELECT $1", 42)
	s.UsePositionalParameters(s.Parameters())

	require.Len(t, s.PositionalParameters(), 1)

	s.Reset()

	assert.Nil(t, s.Storage())
	assert.Nil(t, s.PositionalParameters())
	require.Equal(t, 1, s.Parameters().Len(), "borrowed collection must not be modified")
	assert.Equal(t, 42, s.Parameters().At(0).Value)
}

func TestStatementSwitchingToBorrowedClearsOwned(t *testing.T) {
	s := NewStatement("SELECT $1", 1)
	owned := s.ownedParameters()
	owned.AddValue("x")

	s.UsePositionalParameters(s.Parameters())

	assert.Equal(t, 0, owned.Len())
	assert.IsType(t, BorrowedParameters{}, s.Storage())
}

func TestStatementExplicitPrepare(t *testing.T) {
	reg := NewPreparedStatementManager(0, 20, nil)
	s := NewStatement("SELECT 1")

	assert.True(t, s.ExplicitPrepare(reg))
	assert.True(t, s.IsPreparing())
	ps := s.PreparedStatement()
	require.NotNil(t, ps)
	assert.Equal(t, PreparedStateBeingPrepared, ps.State())

	// Asking again on the same statement keeps the record and begins nothing.
	assert.False(t, s.ExplicitPrepare(reg))
	assert.Same(t, ps, s.PreparedStatement())
	assert.Equal(t, PreparedStateBeingPrepared, ps.State())

	// A second request while the Parse is in flight does not begin another.
	other := NewStatement("SELECT 1")
	assert.False(t, other.ExplicitPrepare(reg))
	assert.False(t, other.IsPreparing())
	assert.Same(t, ps, other.PreparedStatement())

	reg.MarkPrepared(ps, nil)
	assert.True(t, s.IsPrepared())
	assert.Equal(t, ps.Name(), s.StatementName())
	assert.False(t, s.ExplicitPrepare(reg))
}

func TestStatementDetachesRecordFromOtherRegistry(t *testing.T) {
	regA := NewPreparedStatementManager(0, 20, nil)
	regB := NewPreparedStatementManager(0, 20, nil)

	s := NewStatement("SELECT 1")
	require.True(t, s.ExplicitPrepare(regA))
	psA := s.PreparedStatement()
	regA.MarkPrepared(psA, nil)
	assert.True(t, regA.Owns(psA))
	assert.False(t, regB.Owns(psA))

	assert.True(t, s.ExplicitPrepare(regB), "a record from another registry does not count as prepared")
	psB := s.PreparedStatement()
	assert.NotSame(t, psA, psB)
	assert.True(t, regB.Owns(psB))
	assert.Equal(t, psA.Name(), psB.Name(), "names are only unique per registry")

	auto := NewStatement("SELECT 2")
	require.True(t, auto.ExplicitPrepare(regA))
	assert.False(t, auto.TryAutoPrepare(NewPreparedStatementManager(0, 20, nil)))
	assert.Nil(t, auto.PreparedStatement())
}

func TestStatementDropsInvalidatedReference(t *testing.T) {
	reg := NewPreparedStatementManager(0, 20, nil)
	s := NewStatement("SELECT 1")
	require.True(t, s.ExplicitPrepare(reg))
	reg.MarkPrepared(s.PreparedStatement(), nil)

	reg.InvalidateAll()

	assert.Nil(t, s.PreparedStatement())
	assert.False(t, s.IsPrepared())
	assert.Empty(t, s.StatementName())
}

func TestStatementDescriptionFollowsPreparedRecord(t *testing.T) {
	reg := NewPreparedStatementManager(0, 20, nil)
	desc := protocol.NewRowDescription([]protocol.FieldDescription{{Name: "a", DataTypeOID: 23}})

	s := NewStatement("SELECT a FROM t")
	s.SetDescription(desc)
	assert.Same(t, desc, s.Description())

	require.True(t, s.ExplicitPrepare(reg))
	assert.Nil(t, s.Description(), "an unprepared record has no description yet")

	shared := protocol.NewRowDescription([]protocol.FieldDescription{{Name: "b", DataTypeOID: 25}})
	s.SetDescription(shared)

	other := NewStatement("SELECT a FROM t")
	other.ExplicitPrepare(reg)
	assert.Same(t, shared, other.Description())
}

func TestStatementTryAutoPrepare(t *testing.T) {
	reg := NewPreparedStatementManager(2, 20, nil)
	s := NewStatement("SELECT 1")

	assert.False(t, s.TryAutoPrepare(reg), "first usage stays below the threshold")
	assert.Nil(t, s.PreparedStatement())

	assert.True(t, s.TryAutoPrepare(reg))
	assert.True(t, s.IsPreparing())
	ps := s.PreparedStatement()
	require.NotNil(t, ps)
	assert.True(t, ps.AutoPrepared())

	other := NewStatement("SELECT 1")
	assert.True(t, other.TryAutoPrepare(reg))
	assert.False(t, other.IsPreparing())
}
