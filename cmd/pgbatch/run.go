package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dan-strohschein/pgbatch/client"
	"github.com/dan-strohschein/pgbatch/rewrite"
)

func printRunUsage() {
	ui.header("Run")
	fmt.Println("Usage:")
	fmt.Println("  pgbatch run [options] " + ui.paint(styleArg, "<file.sql>") + "\n")
	fmt.Println("Every statement of the file is sent in a single round trip.")
	fmt.Println("\nExamples:")
	fmt.Println("  " + ui.paint(styleMuted, "# Execute against a server"))
	fmt.Println("  pgbatch run --conn postgres://localhost/app seed.sql")
	fmt.Println()
	fmt.Println("  " + ui.paint(styleMuted, "# Try a script against the in-memory server, five times"))
	fmt.Println("  pgbatch run --mock --repeat 5 queries.sql")
}

func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cf := registerConnectionFlags(fs)
	timeout := fs.Duration("timeout", 0, "Batch timeout (0 uses the configured default)")
	repeat := fs.Int("repeat", 1, "Execute the batch this many times")
	prepare := fs.Bool("prepare", false, "Explicitly prepare the batch before executing")
	quiet := fs.Bool("quiet", false, "Do not print result rows")
	fs.Usage = printRunUsage
	fs.Parse(args)

	if fs.NArg() != 1 {
		printRunUsage()
		os.Exit(1)
	}

	statements, err := readScript(fs.Arg(0))
	exitOnError(nil, "Failed to read script", err)

	ctx := context.Background()
	conn, err := cf.open(ctx)
	exitOnError(nil, "Failed to connect", err)
	defer conn.Close(ctx)

	batch := conn.CreateBatch()
	for _, sql := range statements {
		batch.Add(sql)
	}
	if *timeout > 0 {
		batch.SetTimeout(*timeout)
	}

	if *prepare {
		exitOnError(conn, "Prepare failed", batch.Prepare(ctx))
		ui.success(fmt.Sprintf("Prepared %d statements", len(statements)))
	}

	for i := 1; i <= *repeat; i++ {
		start := time.Now()
		r, err := batch.ExecuteReader(ctx)
		exitOnError(conn, fmt.Sprintf("Execution %d failed", i), err)

		if !*quiet && i == *repeat {
			printResults(ui, r)
		}
		r.Close()

		ui.success(fmt.Sprintf("Executed %d statements in %s (round %d/%d)",
			len(statements), time.Since(start).Round(time.Microsecond), i, *repeat))
	}

	printPreparedSummary(ui, conn, batch)
}

func registerConnectionFlags(fs *flag.FlagSet) *connectionFlags {
	cf := &connectionFlags{}
	fs.StringVar(&cf.conn, "conn", os.Getenv("PGBATCH_CONN_STRING"), "Connection string")
	fs.StringVar(&cf.config, "config", os.Getenv("PGBATCH_CONFIG"), "Configuration file")
	fs.BoolVar(&cf.useMock, "mock", false, "Use the in-memory server instead of a real one")
	fs.BoolVar(&cf.debug, "debug", false, "Enable debug logging and detailed errors")
	return cf
}

// readScript splits a SQL file into its statements.
func readScript(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	statements, err := rewrite.Split(string(data))
	if err != nil {
		return nil, err
	}
	if len(statements) == 0 {
		return nil, fmt.Errorf("%s contains no statements", path)
	}
	return statements, nil
}

func printResults(p *printer, r *client.Reader) {
	for i := 0; ; i++ {
		stmt := r.Statement()
		p.header(fmt.Sprintf("Statement %d", i+1))
		p.println(p.paint(styleMuted, stmt.Text()))

		if r.FieldCount() > 0 {
			var headers []string
			for _, f := range r.FieldDescriptions() {
				headers = append(headers, f.Name)
			}

			var rows [][]string
			for r.Next() {
				vals, err := r.Values()
				if err != nil {
					p.warning(fmt.Sprintf("Failed to decode row: %v", err))
					continue
				}
				row := make([]string, len(vals))
				for j, v := range vals {
					row[j] = formatValue(p, v)
				}
				rows = append(rows, row)
			}
			p.table(headers, rows)
		}

		tag := fmt.Sprintf("%s %d", stmt.Kind(), stmt.Rows())
		if affected := stmt.RecordsAffected(); affected >= 0 {
			tag += fmt.Sprintf(" (%d affected)", affected)
		}
		p.info(tag)

		if !r.NextResultSet() {
			return
		}
	}
}

func formatValue(p *printer, v any) string {
	switch val := v.(type) {
	case nil:
		return p.paint(styleMuted, "NULL")
	case []byte:
		return fmt.Sprintf("\\x%x", val)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(val)
	}
}

func printPreparedSummary(p *printer, conn *client.Connector, batch *client.Batch) {
	var rows [][]string
	for i, stmt := range batch.Statements().All() {
		name := stmt.StatementName()
		if name == "" {
			name = p.paint(styleMuted, "unnamed")
		}
		state := "-"
		if ps := stmt.PreparedStatement(); ps != nil {
			state = p.state(ps.State().String())
		}
		rows = append(rows, []string{fmt.Sprintf("%d", i+1), name, state})
	}

	p.header("Prepared Statements")
	p.table([]string{"#", "NAME", "STATE"}, rows)

	stats := conn.PreparedStatements().Stats()
	fmt.Fprintf(p.out, "\nexplicit=%d auto=%d candidates=%d evictions=%d failures=%d\n",
		stats.Explicit, stats.AutoPrepared, stats.Candidates, stats.Evictions, stats.Failures)
}
