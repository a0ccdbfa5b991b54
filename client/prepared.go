package client

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/dan-strohschein/pgbatch/protocol"
)

// PreparedState is the lifecycle state of a server-side prepared statement.
type PreparedState int32

const (
	// PreparedStateNotPrepared is a fresh record nobody has sent a Parse for yet.
	PreparedStateNotPrepared PreparedState = iota
	// PreparedStateBeingPrepared means a Parse is in flight.
	PreparedStateBeingPrepared
	// PreparedStatePrepared means the server holds the statement.
	PreparedStatePrepared
	// PreparedStateUnprepared means the record was invalidated and must not be used.
	PreparedStateUnprepared
)

// String returns the name of the state.
func (s PreparedState) String() string {
	switch s {
	case PreparedStateNotPrepared:
		return "NotPrepared"
	case PreparedStateBeingPrepared:
		return "BeingPrepared"
	case PreparedStatePrepared:
		return "Prepared"
	case PreparedStateUnprepared:
		return "Unprepared"
	default:
		return "Unknown"
	}
}

// PreparedStatement is a shared record for one server-side prepared statement.
// Statements hold it by weak reference; only the manager changes its state.
type PreparedStatement struct {
	name      string
	sql       string
	paramOIDs []uint32
	key       uint64

	// owner issued the record. Names are unique only within one session.
	owner *PreparedStatementManager

	state        atomic.Int32
	autoPrepared atomic.Bool
	usages       atomic.Int64
	description  atomic.Pointer[protocol.RowDescription]
}

func (ps *PreparedStatement) Name() string        { return ps.name }
func (ps *PreparedStatement) SQL() string         { return ps.sql }
func (ps *PreparedStatement) ParamOIDs() []uint32 { return ps.paramOIDs }
func (ps *PreparedStatement) Usages() int64       { return ps.usages.Load() }
func (ps *PreparedStatement) AutoPrepared() bool  { return ps.autoPrepared.Load() }

// State returns the current state without locking.
func (ps *PreparedStatement) State() PreparedState {
	return PreparedState(ps.state.Load())
}

// IsPrepared reports whether the server holds the statement.
func (ps *PreparedStatement) IsPrepared() bool {
	return ps.State() == PreparedStatePrepared
}

// Description returns the shared result shape.
func (ps *PreparedStatement) Description() *protocol.RowDescription {
	return ps.description.Load()
}

func (ps *PreparedStatement) setDescription(d *protocol.RowDescription) {
	ps.description.Store(d)
}

func (ps *PreparedStatement) matches(sql string, oids []uint32) bool {
	if ps.sql != sql || len(ps.paramOIDs) != len(oids) {
		return false
	}
	for i := range oids {
		if ps.paramOIDs[i] != oids[i] {
			return false
		}
	}
	return true
}

// PreparedStatementRegistry issues prepared-statement records to statements.
type PreparedStatementRegistry interface {
	// GetOrAddExplicit returns the record for an explicitly prepared statement, creating it when absent.
	GetOrAddExplicit(s *Statement) *PreparedStatement

	// TryGetAutoPrepared returns a record once the statement has been seen often enough,
	// or nil while it is below the usage threshold.
	TryGetAutoPrepared(s *Statement) *PreparedStatement

	// BeginPreparing moves ps from NotPrepared to BeingPrepared and reports whether this call did it.
	BeginPreparing(ps *PreparedStatement) bool

	// Owns reports whether ps was issued by this registry.
	Owns(ps *PreparedStatement) bool
}

// PreparedStatementStats is a point-in-time view of a manager.
type PreparedStatementStats struct {
	Explicit     int
	AutoPrepared int
	Candidates   int
	Prepared     int64
	Evictions    int64
	Failures     int64
}

type usageCandidate struct {
	usages atomic.Int64
}

// PreparedStatementManager is the per-connector registry of prepared statements.
//
// Explicit records are kept until invalidated. Auto-prepared records live in an
// LRU capped at MaxAutoPrepare; evicting one marks it Unprepared and queues a
// DEALLOCATE that the connector flushes before its next pipeline.
type PreparedStatementManager struct {
	minUsages int

	explicit   *xsync.MapOf[uint64, *PreparedStatement]
	candidates *xsync.MapOf[uint64, *usageCandidate]
	auto       *lru.Cache[uint64, *PreparedStatement]
	promoteMu  sync.Mutex

	pendingMu sync.Mutex
	pending   []string

	nextID    atomic.Uint64
	prepared  atomic.Int64
	evictions atomic.Int64
	failures  atomic.Int64

	logger Logger
}

// NewPreparedStatementManager creates a registry. minUsages <= 0 disables auto-preparation.
func NewPreparedStatementManager(minUsages, maxAutoPrepare int, logger Logger) *PreparedStatementManager {
	if maxAutoPrepare < 1 {
		maxAutoPrepare = 1
	}
	if logger == nil {
		logger = NewNoopLogger()
	}

	m := &PreparedStatementManager{
		minUsages:  minUsages,
		explicit:   xsync.NewMapOf[uint64, *PreparedStatement](),
		candidates: xsync.NewMapOf[uint64, *usageCandidate](),
		logger:     logger.WithFields(String("component", "prepared_statements")),
	}

	cache, err := lru.NewWithEvict[uint64, *PreparedStatement](maxAutoPrepare, m.onEvict)
	if err != nil {
		// Only returned for a non-positive size, which is clamped above.
		panic(err)
	}
	m.auto = cache
	return m
}

// AutoPrepareEnabled reports whether statements are promoted automatically.
func (m *PreparedStatementManager) AutoPrepareEnabled() bool {
	return m.minUsages > 0
}

func statementKey(sql string, oids []uint32) uint64 {
	buf := make([]byte, 0, len(sql)+1+4*len(oids))
	buf = append(buf, sql...)
	buf = append(buf, 0)
	for _, oid := range oids {
		buf = binary.LittleEndian.AppendUint32(buf, oid)
	}
	return xxhash.Sum64(buf)
}

func (m *PreparedStatementManager) newRecord(key uint64, sql string, oids []uint32, auto bool) *PreparedStatement {
	ps := &PreparedStatement{
		name:      fmt.Sprintf("_pgb%d", m.nextID.Add(1)),
		sql:       sql,
		paramOIDs: append([]uint32(nil), oids...),
		key:       key,
		owner:     m,
	}
	ps.autoPrepared.Store(auto)
	return ps
}

// GetOrAddExplicit implements PreparedStatementRegistry.
// A live auto-prepared record for the same SQL is promoted to explicit.
func (m *PreparedStatementManager) GetOrAddExplicit(s *Statement) *PreparedStatement {
	sql, oids := s.preparationKey()
	key := statementKey(sql, oids)

	ps, _ := m.explicit.Compute(key, func(old *PreparedStatement, loaded bool) (*PreparedStatement, bool) {
		if loaded && old.State() != PreparedStateUnprepared {
			return old, false
		}
		if ap, ok := m.auto.Peek(key); ok && ap.State() != PreparedStateUnprepared && ap.matches(sql, oids) {
			ap.autoPrepared.Store(false)
			m.auto.Remove(key)
			return ap, false
		}
		return m.newRecord(key, sql, oids, false), false
	})

	if !ps.matches(sql, oids) {
		// Hash collision: hand out an unshared record.
		return m.newRecord(key, sql, oids, false)
	}
	ps.usages.Add(1)
	return ps
}

// TryGetAutoPrepared implements PreparedStatementRegistry.
func (m *PreparedStatementManager) TryGetAutoPrepared(s *Statement) *PreparedStatement {
	if m.minUsages <= 0 {
		return nil
	}

	sql, oids := s.preparationKey()
	key := statementKey(sql, oids)

	if ps, ok := m.explicit.Load(key); ok && ps.State() != PreparedStateUnprepared && ps.matches(sql, oids) {
		ps.usages.Add(1)
		return ps
	}
	if ps, ok := m.auto.Get(key); ok && ps.State() != PreparedStateUnprepared && ps.matches(sql, oids) {
		ps.usages.Add(1)
		return ps
	}

	c, _ := m.candidates.LoadOrCompute(key, func() *usageCandidate { return &usageCandidate{} })
	if c.usages.Add(1) < int64(m.minUsages) {
		return nil
	}

	m.promoteMu.Lock()
	defer m.promoteMu.Unlock()

	if ps, ok := m.auto.Get(key); ok && ps.State() != PreparedStateUnprepared {
		if !ps.matches(sql, oids) {
			return nil
		}
		ps.usages.Add(1)
		return ps
	}

	m.candidates.Delete(key)
	ps := m.newRecord(key, sql, oids, true)
	ps.usages.Store(c.usages.Load())
	m.auto.Add(key, ps)

	m.logger.Debug("statement promoted to auto-prepared",
		String("name", ps.name),
		Int64("usages", ps.usages.Load()))
	return ps
}

// BeginPreparing implements PreparedStatementRegistry.
func (m *PreparedStatementManager) BeginPreparing(ps *PreparedStatement) bool {
	return ps.state.CompareAndSwap(int32(PreparedStateNotPrepared), int32(PreparedStateBeingPrepared))
}

// Owns implements PreparedStatementRegistry.
func (m *PreparedStatementManager) Owns(ps *PreparedStatement) bool {
	return ps != nil && ps.owner == m
}

// MarkPrepared records a successful Parse. If the record was invalidated while the
// Parse was in flight, the now-orphaned server statement is queued for deallocation.
func (m *PreparedStatementManager) MarkPrepared(ps *PreparedStatement, desc *protocol.StatementDescription) {
	if desc != nil && desc.Fields != nil {
		ps.setDescription(protocol.NewRowDescription(desc.Fields))
	}

	if ps.state.CompareAndSwap(int32(PreparedStateBeingPrepared), int32(PreparedStatePrepared)) {
		m.prepared.Add(1)
		m.logger.Debug("statement prepared", String("name", ps.name))
		return
	}

	if ps.State() == PreparedStateUnprepared {
		m.queueDeallocation(ps.name)
	}
}

// MarkFailed records a failed or skipped Parse. The record becomes Unprepared and
// is dropped, so the next lookup creates a fresh one.
func (m *PreparedStatementManager) MarkFailed(ps *PreparedStatement) {
	if !ps.state.CompareAndSwap(int32(PreparedStateBeingPrepared), int32(PreparedStateUnprepared)) {
		return
	}
	m.failures.Add(1)

	m.explicit.Compute(ps.key, func(old *PreparedStatement, loaded bool) (*PreparedStatement, bool) {
		return old, !loaded || old == ps
	})
	if cur, ok := m.auto.Peek(ps.key); ok && cur == ps {
		m.auto.Remove(ps.key)
	}

	m.logger.Debug("statement preparation failed", String("name", ps.name))
}

func (m *PreparedStatementManager) onEvict(_ uint64, ps *PreparedStatement) {
	if !ps.autoPrepared.Load() {
		return
	}

	prev := PreparedState(ps.state.Swap(int32(PreparedStateUnprepared)))
	if prev == PreparedStateUnprepared {
		return
	}
	m.evictions.Add(1)

	if prev == PreparedStatePrepared {
		m.queueDeallocation(ps.name)
	}
	m.logger.Debug("auto-prepared statement evicted",
		String("name", ps.name),
		String("previous_state", prev.String()))
}

func (m *PreparedStatementManager) queueDeallocation(name string) {
	m.pendingMu.Lock()
	m.pending = append(m.pending, name)
	m.pendingMu.Unlock()
}

// PendingDeallocations drains the names queued for DEALLOCATE.
func (m *PreparedStatementManager) PendingDeallocations() []string {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	names := m.pending
	m.pending = nil
	return names
}

// InvalidateAll marks every record Unprepared without queueing deallocations.
// Used when the server session is gone or was reset.
func (m *PreparedStatementManager) InvalidateAll() {
	m.explicit.Range(func(_ uint64, ps *PreparedStatement) bool {
		ps.state.Store(int32(PreparedStateUnprepared))
		return true
	})
	m.explicit.Clear()

	for _, ps := range m.auto.Values() {
		ps.state.Store(int32(PreparedStateUnprepared))
	}
	m.auto.Purge()
	m.candidates.Clear()

	m.pendingMu.Lock()
	m.pending = nil
	m.pendingMu.Unlock()
}

// Stats returns a snapshot of the registry.
func (m *PreparedStatementManager) Stats() PreparedStatementStats {
	return PreparedStatementStats{
		Explicit:     m.explicit.Size(),
		AutoPrepared: m.auto.Len(),
		Candidates:   m.candidates.Size(),
		Prepared:     m.prepared.Load(),
		Evictions:    m.evictions.Load(),
		Failures:     m.failures.Load(),
	}
}
