package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePool struct{ idle, busy int }

func (p fakePool) IdleCount() int { return p.idle }
func (p fakePool) BusyCount() int { return p.busy }

func TestCommandCounters(t *testing.T) {
	Reset()

	CommandStart(true)
	CommandStart(false)
	CommandStart(false)
	CommandFailed()
	CommandStop()

	s := Snapshot()
	assert.Equal(t, int64(3), s.TotalCommands)
	assert.Equal(t, int64(2), s.CurrentCommands)
	assert.Equal(t, int64(1), s.FailedCommands)
	assert.Equal(t, int64(1), s.PreparedCommands)
	assert.InDelta(t, 1.0/3.0, s.PreparedRatio, 1e-9)
}

func TestPreparedRatioWithoutCommands(t *testing.T) {
	Reset()
	assert.Equal(t, 0.0, Snapshot().PreparedRatio)
}

func TestByteCounter(t *testing.T) {
	Reset()

	var obs ByteCounter
	obs.BytesWritten(10)
	obs.BytesRead(4)
	BytesRead(1)

	s := Snapshot()
	assert.Equal(t, int64(10), s.BytesWritten)
	assert.Equal(t, int64(5), s.BytesRead)
}

func TestPoolPolling(t *testing.T) {
	a := RegisterPool(fakePool{idle: 2, busy: 1})
	b := RegisterPool(fakePool{idle: 3, busy: 4})
	defer UnregisterPool(b)

	s := Snapshot()
	assert.GreaterOrEqual(t, s.Pools, 2)
	assert.GreaterOrEqual(t, s.IdleConnections, 5)
	assert.GreaterOrEqual(t, s.BusyConnections, 5)

	UnregisterPool(a)
	after := Snapshot()
	assert.Equal(t, s.Pools-1, after.Pools)
	assert.Equal(t, s.IdleConnections-2, after.IdleConnections)
}

func TestPollerComputesRates(t *testing.T) {
	Reset()

	base := time.Unix(1000, 0)
	clock := base
	p := NewPoller(time.Hour, nil)
	p.now = func() time.Time { return clock }

	p.sample()
	for i := 0; i < 10; i++ {
		CommandStart(false)
		CommandStop()
	}
	BytesWritten(200)
	clock = base.Add(2 * time.Second)
	p.sample()

	r := p.Rates()
	assert.InDelta(t, 5.0, r.CommandsPerSecond, 1e-9)
	assert.InDelta(t, 100.0, r.BytesWrittenPerSecond, 1e-9)
	assert.Equal(t, 0.0, r.FailedPerSecond)
}

func TestPollerStartStop(t *testing.T) {
	samples := make(chan Stats, 8)
	p := NewPoller(5*time.Millisecond, func(s Stats, _ Rates) {
		select {
		case samples <- s:
		default:
		}
	})
	p.Start()

	select {
	case <-samples:
	case <-time.After(time.Second):
		t.Fatal("expected at least one sample")
	}

	p.Stop()
	p.Stop()
}

func TestCollector(t *testing.T) {
	Reset()
	CommandStart(true)
	CommandStop()

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector()))

	count, err := testutil.GatherAndCount(reg, "pgbatch_commands_total", "pgbatch_commands_prepared_ratio")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	expected := `
# HELP pgbatch_commands_prepared_total Commands executed in prepared form
# TYPE pgbatch_commands_prepared_total counter
pgbatch_commands_prepared_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "pgbatch_commands_prepared_total"))
}

func TestInitAndHandler(t *testing.T) {
	Init()
	Init()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pgbatch_commands_total")
}
