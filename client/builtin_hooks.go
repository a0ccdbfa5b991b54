package client

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// LoggingHook writes one line per batch: statement texts at debug level
// before sending, the outcome after.
type LoggingHook struct {
	logger       Logger
	logCommands  bool
	logResults   bool
	logDurations bool
}

// NewLoggingHook creates a logging hook. logCommands logs the statements before
// they are sent, logResults adds result-set and row counts, logDurations adds timings.
func NewLoggingHook(logger Logger, logCommands, logResults, logDurations bool) *LoggingHook {
	return &LoggingHook{
		logger:       logger,
		logCommands:  logCommands,
		logResults:   logResults,
		logDurations: logDurations,
	}
}

func (h *LoggingHook) Name() string { return "logging" }

func (h *LoggingHook) Before(ctx context.Context, hookCtx *HookContext) error {
	if !h.logCommands {
		return nil
	}
	fields := []Field{
		String("trace_id", hookCtx.TraceID),
		String("type", hookCtx.CommandType),
		Int("statements", len(hookCtx.Statements)),
		String("command", hookCtx.Command),
	}
	if hookCtx.TransactionID != "" {
		fields = append(fields, String("tx", hookCtx.TransactionID))
	}
	h.logger.Debug("executing batch", fields...)
	return nil
}

func (h *LoggingHook) After(ctx context.Context, hookCtx *HookContext) error {
	fields := []Field{
		String("trace_id", hookCtx.TraceID),
		Int("statements", len(hookCtx.Statements)),
		Int("prepared", hookCtx.PreparedStatements),
	}
	if h.logDurations {
		fields = append(fields, Duration("duration", hookCtx.Duration))
	}

	if hookCtx.Error != nil {
		h.logger.Error("batch failed", append(fields, Error("error", hookCtx.Error))...)
		return nil
	}

	if h.logResults && hookCtx.Result != nil {
		fields = append(fields,
			Int("result_sets", hookCtx.Result.ResultSetCount()),
			Int64("records_affected", hookCtx.Result.RecordsAffected()))
	}
	msg := "batch completed"
	if hookCtx.Prepare {
		msg = "batch prepared"
	}
	h.logger.Debug(msg, fields...)
	return nil
}

// MetricsHook aggregates batch counts per connector. Statement counts are
// kept per command type.
type MetricsHook struct {
	batches    *xsync.Counter
	prepares   *xsync.Counter
	errors     *xsync.Counter
	prepared   *xsync.Counter
	durationNs *xsync.Counter
	maxNs      atomic.Int64

	byType *xsync.MapOf[string, *xsync.Counter]
}

// NewMetricsHook creates a metrics hook with zeroed counters.
func NewMetricsHook() *MetricsHook {
	return &MetricsHook{
		batches:    xsync.NewCounter(),
		prepares:   xsync.NewCounter(),
		errors:     xsync.NewCounter(),
		prepared:   xsync.NewCounter(),
		durationNs: xsync.NewCounter(),
		byType:     xsync.NewMapOf[string, *xsync.Counter](),
	}
}

func (h *MetricsHook) Name() string { return "metrics" }

func (h *MetricsHook) Before(ctx context.Context, hookCtx *HookContext) error { return nil }

func (h *MetricsHook) After(ctx context.Context, hookCtx *HookContext) error {
	h.batches.Inc()
	h.durationNs.Add(hookCtx.Duration.Nanoseconds())
	h.prepared.Add(int64(hookCtx.PreparedStatements))
	if hookCtx.Prepare {
		h.prepares.Inc()
	}
	if hookCtx.Error != nil {
		h.errors.Inc()
	}

	for _, text := range hookCtx.Statements {
		c, _ := h.byType.LoadOrCompute(inferCommandType(text), xsync.NewCounter)
		c.Inc()
	}

	ns := hookCtx.Duration.Nanoseconds()
	for {
		cur := h.maxNs.Load()
		if ns <= cur || h.maxNs.CompareAndSwap(cur, ns) {
			break
		}
	}
	return nil
}

func (h *MetricsHook) statements(commandType string) uint64 {
	if c, ok := h.byType.Load(commandType); ok {
		return uint64(c.Value())
	}
	return 0
}

// GetStats returns a snapshot of the counters.
func (h *MetricsHook) GetStats() map[string]interface{} {
	batches := uint64(h.batches.Value())
	totalNs := h.durationNs.Value()

	avg := int64(0)
	if batches > 0 {
		avg = totalNs / int64(batches)
	}

	var statements uint64
	byType := make(map[string]uint64)
	h.byType.Range(func(k string, c *xsync.Counter) bool {
		n := uint64(c.Value())
		byType[k] = n
		statements += n
		return true
	})

	return map[string]interface{}{
		"total_batches":       batches,
		"total_statements":    statements,
		"total_queries":       h.statements("query"),
		"total_mutations":     h.statements("mutation"),
		"statements_by_type":  byType,
		"prepared_statements": uint64(h.prepared.Value()),
		"total_prepares":      uint64(h.prepares.Value()),
		"total_errors":        uint64(h.errors.Value()),
		"total_duration_ns":   totalNs,
		"avg_duration_ns":     avg,
		"avg_duration_ms":     float64(avg) / float64(time.Millisecond),
		"max_duration_ns":     h.maxNs.Load(),
	}
}

// Reset zeroes every counter.
func (h *MetricsHook) Reset() {
	for _, c := range []*xsync.Counter{h.batches, h.prepares, h.errors, h.prepared, h.durationNs} {
		c.Reset()
	}
	h.byType.Clear()
	h.maxNs.Store(0)
}

// SlowBatchHook warns about batches slower than a threshold and stores the
// measured time in the hook metadata under "slow_batch_duration".
type SlowBatchHook struct {
	logger    Logger
	threshold time.Duration
	slow      atomic.Uint64
}

// NewSlowBatchHook creates a hook that warns about batches slower than threshold.
func NewSlowBatchHook(logger Logger, threshold time.Duration) *SlowBatchHook {
	return &SlowBatchHook{logger: logger, threshold: threshold}
}

func (h *SlowBatchHook) Name() string { return "slow_batch" }

func (h *SlowBatchHook) Before(ctx context.Context, hookCtx *HookContext) error {
	hookCtx.Metadata["slow_batch_start"] = time.Now()
	return nil
}

func (h *SlowBatchHook) After(ctx context.Context, hookCtx *HookContext) error {
	start, ok := hookCtx.Metadata["slow_batch_start"].(time.Time)
	if !ok {
		return nil
	}
	elapsed := time.Since(start)
	hookCtx.Metadata["slow_batch_duration"] = elapsed

	if elapsed < h.threshold {
		return nil
	}
	h.slow.Add(1)
	h.logger.Warn("slow batch",
		String("trace_id", hookCtx.TraceID),
		Int("statements", len(hookCtx.Statements)),
		Duration("duration", elapsed),
		Duration("threshold", h.threshold),
		String("first", firstLine(hookCtx.Command)))
	return nil
}

// SlowCount returns how many batches exceeded the threshold.
func (h *SlowBatchHook) SlowCount() uint64 {
	return h.slow.Load()
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
