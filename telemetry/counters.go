// Package telemetry holds process-wide counters for the batch engine: bytes on
// the wire, command counts and pool occupancy. Writers are fire-and-forget;
// readers pull a Snapshot or scrape the prometheus Collector.
package telemetry

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// PoolStatsProvider is polled for connection occupancy when a snapshot is taken.
type PoolStatsProvider interface {
	IdleCount() int
	BusyCount() int
}

var (
	bytesWritten     = xsync.NewCounter()
	bytesRead        = xsync.NewCounter()
	totalCommands    = xsync.NewCounter()
	currentCommands  = xsync.NewCounter()
	failedCommands   = xsync.NewCounter()
	preparedCommands = xsync.NewCounter()

	pools  = xsync.NewMapOf[uint64, PoolStatsProvider]()
	poolID atomic.Uint64
)

// BytesWritten adds n to the bytes-written counter.
func BytesWritten(n int64) { bytesWritten.Add(n) }

// BytesRead adds n to the bytes-read counter.
func BytesRead(n int64) { bytesRead.Add(n) }

// CommandStart records a command entering execution.
func CommandStart(prepared bool) {
	totalCommands.Inc()
	currentCommands.Inc()
	if prepared {
		preparedCommands.Inc()
	}
}

// CommandStop records a command leaving execution, successful or not.
func CommandStop() { currentCommands.Dec() }

// CommandFailed records a failed command. CommandStop is still expected.
func CommandFailed() { failedCommands.Inc() }

// RegisterPool adds p to the set polled for idle/busy counts.
func RegisterPool(p PoolStatsProvider) uint64 {
	id := poolID.Add(1)
	pools.Store(id, p)
	return id
}

// UnregisterPool removes a pool registered with RegisterPool.
func UnregisterPool(id uint64) {
	pools.Delete(id)
}

// ByteCounter forwards wire byte counts to the process-wide counters.
// It satisfies transport.ByteObserver.
type ByteCounter struct{}

func (ByteCounter) BytesWritten(n int64) { BytesWritten(n) }
func (ByteCounter) BytesRead(n int64)    { BytesRead(n) }

// Stats is a point-in-time view of all counters.
type Stats struct {
	BytesWritten     int64
	BytesRead        int64
	TotalCommands    int64
	CurrentCommands  int64
	FailedCommands   int64
	PreparedCommands int64
	PreparedRatio    float64
	Pools            int
	IdleConnections  int
	BusyConnections  int
}

// Snapshot reads every counter and polls the registered pools.
func Snapshot() Stats {
	s := Stats{
		BytesWritten:     bytesWritten.Value(),
		BytesRead:        bytesRead.Value(),
		TotalCommands:    totalCommands.Value(),
		CurrentCommands:  currentCommands.Value(),
		FailedCommands:   failedCommands.Value(),
		PreparedCommands: preparedCommands.Value(),
	}
	if s.TotalCommands > 0 {
		s.PreparedRatio = float64(s.PreparedCommands) / float64(s.TotalCommands)
	}

	pools.Range(func(_ uint64, p PoolStatsProvider) bool {
		s.Pools++
		s.IdleConnections += p.IdleCount()
		s.BusyConnections += p.BusyCount()
		return true
	})
	return s
}

// Reset zeroes the counters. Registered pools are kept.
func Reset() {
	for _, c := range []*xsync.Counter{bytesWritten, bytesRead, totalCommands, currentCommands, failedCommands, preparedCommands} {
		c.Reset()
	}
}
