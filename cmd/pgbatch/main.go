package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dan-strohschein/pgbatch/client"
	"github.com/dan-strohschein/pgbatch/telemetry"
	"github.com/dan-strohschein/pgbatch/transport/mock"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "run":
		handleRun(os.Args[2:])
	case "prepare":
		handlePrepare(os.Args[2:])
	case "metrics":
		handleMetrics(os.Args[2:])
	case "version", "-v", "--version":
		fmt.Printf("pgbatch v%s\n", client.Version)
	case "help", "-h", "--help":
		printUsage()
	default:
		ui.failure(fmt.Sprintf("Unknown command: %s", command))
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(ui.paint(styleTitle, "pgbatch") + " - Pipelined batch execution for PostgreSQL\n")
	fmt.Println("Usage:")
	fmt.Println("  pgbatch " + ui.paint(styleArg, "<command>") + " [options]\n")
	fmt.Println("Commands:")
	fmt.Println("  " + ui.paint(styleCommand, "run") + "       Execute a SQL file as one batch")
	fmt.Println("  " + ui.paint(styleCommand, "prepare") + "   Prepare the statements of a SQL file and show their shapes")
	fmt.Println("  " + ui.paint(styleCommand, "metrics") + "   Serve Prometheus metrics while executing a batch on an interval")
	fmt.Println("  " + ui.paint(styleCommand, "version") + "   Show version information")
	fmt.Println("  " + ui.paint(styleCommand, "help") + "      Show this help message\n")
	fmt.Println("Run '" + ui.paint(styleAccent, "pgbatch <command> --help") + "' for more information on a command.\n")
	fmt.Println("Environment Variables:")
	fmt.Println("  PGBATCH_CONN_STRING      Database connection string")
	fmt.Println("  PGBATCH_CONFIG           Path to a TOML, YAML or INI configuration file")
	fmt.Println("  NO_COLOR                 Disable colored output")
}

// connectionFlags are shared by every command that talks to a server.
type connectionFlags struct {
	conn    string
	config  string
	useMock bool
	debug   bool
}

func (f *connectionFlags) options() (client.ClientOptions, error) {
	opts := client.DefaultOptions()
	if f.config != "" {
		loaded, err := client.LoadOptions(f.config)
		if err != nil {
			return opts, err
		}
		opts = loaded
	}
	if f.conn != "" {
		opts.Apply(client.WithConnString(f.conn))
	}
	if f.debug {
		opts.Apply(client.WithDebug())
	} else if f.config == "" {
		opts.LogLevel = "WARN"
	}
	if opts.Logger == nil {
		// Logs share stderr with error messages, so they follow its colour setting.
		opts.Logger = client.NewConsoleLogger(opts.LogLevel, ui.err, ui.color && isTerminal(ui.err))
	}
	return opts, nil
}

// open returns a connector to the configured server, or to an in-memory
// server when --mock is set.
func (f *connectionFlags) open(ctx context.Context) (*client.Connector, error) {
	opts, err := f.options()
	if err != nil {
		return nil, err
	}

	if f.useMock {
		server := mock.NewMockConn().WithObserver(telemetry.ByteCounter{})
		return client.NewConnector(server, opts), nil
	}

	if opts.ConnString == "" {
		return nil, fmt.Errorf("connection string is required: use --conn, PGBATCH_CONN_STRING or --mock")
	}
	return client.Open(ctx, opts)
}

func exitOnError(conn *client.Connector, what string, err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	if conn != nil {
		msg = conn.FormatError(err)
	}
	ui.failure(fmt.Sprintf("%s: %s", what, msg))
	os.Exit(1)
}
