package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dan-strohschein/pgbatch/client"
	"github.com/dan-strohschein/pgbatch/telemetry"
)

func printMetricsUsage() {
	ui.header("Metrics")
	fmt.Println("Usage:")
	fmt.Println("  pgbatch metrics [options] [" + ui.paint(styleArg, "<file.sql>") + "]\n")
	fmt.Println("Serves /metrics, /stats and /healthz. When a file is given, its batch is")
	fmt.Println("executed on a pooled connector every --every interval.")
	fmt.Println("\nExamples:")
	fmt.Println("  pgbatch metrics --mock --addr :9187 --every 250ms queries.sql")
}

func handleMetrics(args []string) {
	fs := flag.NewFlagSet("metrics", flag.ExitOnError)
	cf := registerConnectionFlags(fs)
	addr := fs.String("addr", ":9187", "HTTP listen address")
	every := fs.Duration("every", time.Second, "Interval between batch executions")
	sample := fs.Duration("sample", time.Second, "Interval between rate samples")
	fs.Usage = printMetricsUsage
	fs.Parse(args)

	var statements []string
	if fs.NArg() > 0 {
		var err error
		statements, err = readScript(fs.Arg(0))
		exitOnError(nil, "Failed to read script", err)
	}

	opts, err := cf.options()
	exitOnError(nil, "Failed to load configuration", err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry.Init()
	poller := telemetry.NewPoller(*sample, nil)
	poller.Start()
	defer poller.Stop()

	pool := client.NewPoolWithFactory(func(ctx context.Context) (*client.Connector, error) {
		return cf.open(ctx)
	}, opts)
	exitOnError(nil, "Failed to initialize pool", pool.Initialize(ctx))
	defer pool.Close(context.Background())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newMetricsRouter(pool, poller),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ui.failure(fmt.Sprintf("HTTP server failed: %v", err))
			stop()
		}
	}()
	ui.success(fmt.Sprintf("Serving metrics on %s", ui.paint(styleAccent, *addr)))

	if len(statements) > 0 {
		go driveBatches(ctx, pool, statements, *every)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		ui.warning(fmt.Sprintf("HTTP shutdown: %v", err))
	}
	ui.info("Stopped")
}

func newMetricsRouter(pool *client.Pool, poller *telemetry.Poller) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", telemetry.Handler())

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		ps := pool.Stats()
		body := map[string]interface{}{
			"telemetry": telemetry.Snapshot(),
			"rates":     poller.Rates(),
			"pool": map[string]interface{}{
				"idle":       ps.Idle,
				"busy":       ps.InUse,
				"total":      ps.Open,
				"hits":       ps.Hits,
				"misses":     ps.Misses,
				"timeouts":   ps.Timeouts,
				"errors":     ps.Errors,
				"discarded":  ps.Discarded,
				"statements": ps.CachedStatements,
				"wait":       ps.WaitDuration.String(),
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	})

	return r
}

// driveBatches executes the script on a pooled connector until ctx ends.
// Connectors keep their prepared statements between checkouts, so repeated
// runs cross the auto-prepare threshold.
func driveBatches(ctx context.Context, pool *client.Pool, statements []string, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		conn, err := pool.Get(ctx)
		if err != nil {
			if ctx.Err() == nil {
				ui.warning(fmt.Sprintf("Failed to acquire connector: %v", err))
			}
			continue
		}

		batch := conn.CreateBatch()
		for _, sql := range statements {
			batch.Add(sql)
		}
		if _, err := batch.ExecuteNonQuery(ctx); err != nil && ctx.Err() == nil {
			ui.warning(conn.FormatError(err))
		}
		pool.Put(conn)
	}
}
