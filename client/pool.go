package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dan-strohschein/pgbatch/telemetry"
)

// PoolStats is a point-in-time view of a Pool.
type PoolStats struct {
	Open  int
	Idle  int
	InUse int

	WaitCount    int64
	WaitDuration time.Duration

	// Hits counts Gets served by an idle connector, Misses those that opened one.
	Hits      int64
	Misses    int64
	Timeouts  int64
	Errors    int64
	Discarded int64

	// CachedStatements is the number of explicit and auto-prepared statements
	// registered on idle connectors.
	CachedStatements int
}

type poolCounters struct {
	waits     atomic.Int64
	waitNs    atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	timeouts  atomic.Int64
	errors    atomic.Int64
	discarded atomic.Int64
}

// ConnectorFactory opens a new connector.
type ConnectorFactory func(ctx context.Context) (*Connector, error)

// Pool hands out connectors and takes them back. Prepared statements belong to
// a session, so idle connectors are reused most-recently-used first: the
// connector that just ran a workload is the one whose registry is warm.
type Pool struct {
	factory             ConnectorFactory
	minIdle             int
	maxOpen             int
	idleTimeout         time.Duration
	healthCheckInterval time.Duration
	logger              Logger

	// slots holds one token per open connector.
	slots chan struct{}
	// released is signalled whenever a connector is parked.
	released chan struct{}

	mu     sync.Mutex
	idle   []*Connector // least recently used first
	inUse  int
	closed bool

	counters    poolCounters
	telemetryID uint64
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewPool creates a pool that opens connectors with Open(ctx, opts).
func NewPool(opts ClientOptions) *Pool {
	return NewPoolWithFactory(func(ctx context.Context) (*Connector, error) {
		return Open(ctx, opts)
	}, opts)
}

// NewPoolWithFactory creates a pool sized by opts that opens connectors with factory.
func NewPoolWithFactory(factory ConnectorFactory, opts ClientOptions) *Pool {
	maxOpen := max(opts.PoolMaxSize, 1)
	minIdle := min(max(opts.PoolMinSize, 0), maxOpen)

	idleTimeout := opts.PoolIdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	healthCheckInterval := opts.HealthCheckInterval
	if healthCheckInterval <= 0 {
		healthCheckInterval = 30 * time.Second
	}

	return &Pool{
		factory:             factory,
		minIdle:             minIdle,
		maxOpen:             maxOpen,
		idleTimeout:         idleTimeout,
		healthCheckInterval: healthCheckInterval,
		logger:              opts.logger().WithFields(String("component", "pool")),
		slots:               make(chan struct{}, maxOpen),
		released:            make(chan struct{}, maxOpen),
		stopCh:              make(chan struct{}),
	}
}

func errPoolClosed() *ConnectionError {
	return &ConnectionError{Code: "POOL_CLOSED", Type: "CONNECTION_ERROR", Message: "pool is closed"}
}

// Initialize opens minIdle connectors and starts the idle-cleanup and
// health-check workers.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errPoolClosed()
	}

	for i := 0; i < p.minIdle; i++ {
		p.slots <- struct{}{}
		conn, err := p.factory(ctx)
		if err != nil {
			<-p.slots
			p.closeIdle()
			return fmt.Errorf("failed to create initial connection: %w", err)
		}
		conn.pool = p
		p.mu.Lock()
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}

	p.telemetryID = telemetry.RegisterPool(p)

	p.wg.Add(2)
	go p.every(p.idleTimeout/4, p.cleanupIdleConnections)
	go p.every(p.healthCheckInterval, p.healthCheckIdleConnections)

	p.logger.Info("pool initialized",
		Int("min_idle", p.minIdle),
		Int("max_open", p.maxOpen))
	return nil
}

// Get returns an idle connector, opens a new one while below the maximum, or
// waits for one to be released until ctx is done.
func (p *Pool) Get(ctx context.Context) (*Connector, error) {
	start := time.Now()
	p.counters.waits.Add(1)
	defer func() { p.counters.waitNs.Add(int64(time.Since(start))) }()

	for {
		conn, err := p.popIdle()
		if err != nil {
			return nil, err
		}
		if conn != nil {
			if conn.IsAlive() {
				p.counters.hits.Add(1)
				return conn, nil
			}
			p.markReturned()
			p.retire(conn, "dead")
			continue
		}

		select {
		case p.slots <- struct{}{}:
			return p.open(ctx)
		default:
		}

		select {
		case <-ctx.Done():
			p.counters.timeouts.Add(1)
			return nil, ctx.Err()
		case <-p.stopCh:
			return nil, errPoolClosed()
		case p.slots <- struct{}{}:
			return p.open(ctx)
		case <-p.released:
		}
	}
}

func (p *Pool) popIdle() (*Connector, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errPoolClosed()
	}
	n := len(p.idle)
	if n == 0 {
		return nil, nil
	}
	conn := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	p.inUse++
	return conn, nil
}

// open creates a connector for a slot the caller already holds.
func (p *Pool) open(ctx context.Context) (*Connector, error) {
	conn, err := p.factory(ctx)
	if err != nil {
		<-p.slots
		p.counters.errors.Add(1)
		return nil, fmt.Errorf("failed to create new connection: %w", err)
	}
	conn.pool = p
	p.counters.misses.Add(1)
	p.mu.Lock()
	p.inUse++
	p.mu.Unlock()
	return conn, nil
}

func (p *Pool) markReturned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inUse--
	return p.closed
}

// Put returns a connector to the pool. Connectors that are broken or still
// inside a transaction are closed instead of reused. Statements evicted from
// the auto-prepare cache are deallocated before the connector is parked.
func (p *Pool) Put(conn *Connector) {
	if conn == nil {
		return
	}
	if p.markReturned() {
		p.retire(conn, "pool_closed")
		return
	}

	switch {
	case !conn.IsAlive():
		p.retire(conn, "dead")
		return
	case conn.State() != StateReady:
		p.retire(conn, "busy")
		return
	case conn.currentTx() != nil:
		p.retire(conn, "open_transaction")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	conn.deallocatePending(ctx)
	cancel()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.retire(conn, "pool_closed")
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
	p.signal()
}

func (p *Pool) signal() {
	select {
	case p.released <- struct{}{}:
	default:
	}
}

// retire closes a connector and frees its slot.
func (p *Pool) retire(conn *Connector, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn.Close(ctx)
	<-p.slots
	p.counters.discarded.Add(1)
	p.logger.Debug("connector retired",
		String("connector", conn.ID()),
		String("reason", reason))
	p.signal()
}

// IdleCount returns the number of idle connectors.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// BusyCount returns the number of connectors handed out.
func (p *Pool) BusyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Stats returns a snapshot of pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	s := PoolStats{Idle: len(p.idle), InUse: p.inUse}
	for _, conn := range p.idle {
		ps := conn.prepared.Stats()
		s.CachedStatements += ps.Explicit + ps.AutoPrepared
	}
	p.mu.Unlock()

	s.Open = len(p.slots)
	s.WaitCount = p.counters.waits.Load()
	s.WaitDuration = time.Duration(p.counters.waitNs.Load())
	s.Hits = p.counters.hits.Load()
	s.Misses = p.counters.misses.Load()
	s.Timeouts = p.counters.timeouts.Load()
	s.Errors = p.counters.errors.Load()
	s.Discarded = p.counters.discarded.Load()
	return s
}

// Close stops the workers and closes every idle connector. Connectors still
// handed out are closed when they are Put back.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	if p.telemetryID != 0 {
		telemetry.UnregisterPool(p.telemetryID)
	}
	p.closeIdle()
	p.logger.Info("pool closed")
	return nil
}

func (p *Pool) every(interval time.Duration, fn func()) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// cleanupIdleConnections closes connectors idle longer than idleTimeout,
// oldest first, keeping at least minIdle.
func (p *Pool) cleanupIdleConnections() {
	cutoff := time.Now().Add(-p.idleTimeout)

	p.mu.Lock()
	var stale []*Connector
	for len(p.idle) > p.minIdle && p.idle[0].LastActivity().Before(cutoff) {
		stale = append(stale, p.idle[0])
		p.idle = p.idle[1:]
	}
	p.mu.Unlock()

	for _, conn := range stale {
		p.retire(conn, "idle_timeout")
	}
}

// healthCheckIdleConnections pings idle connectors and removes dead ones.
func (p *Pool) healthCheckIdleConnections() {
	p.mu.Lock()
	checking := p.idle
	p.idle = nil
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	healthy := checking[:0]
	for _, conn := range checking {
		if err := conn.Ping(ctx); err != nil {
			p.logger.Warn("removed unhealthy connection",
				String("connector", conn.ID()),
				Error("error", err))
			p.retire(conn, "health_check")
			continue
		}
		healthy = append(healthy, conn)
	}

	p.mu.Lock()
	closed := p.closed
	if !closed {
		p.idle = append(healthy, p.idle...)
	}
	p.mu.Unlock()

	if closed {
		for _, conn := range healthy {
			p.retire(conn, "pool_closed")
		}
		return
	}
	for range healthy {
		p.signal()
	}
}

func (p *Pool) closeIdle() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, conn := range idle {
		p.retire(conn, "pool_closed")
	}
}
