package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/dan-strohschein/pgbatch/rewrite"
)

func printPrepareUsage() {
	ui.header("Prepare")
	fmt.Println("Usage:")
	fmt.Println("  pgbatch prepare [options] " + ui.paint(styleArg, "<file.sql>") + "\n")
	fmt.Println("Prepares every statement of the file in one round trip and prints")
	fmt.Println("the server-side name, the rewritten text and the result columns.")
}

func handlePrepare(args []string) {
	fs := flag.NewFlagSet("prepare", flag.ExitOnError)
	cf := registerConnectionFlags(fs)
	fs.Usage = printPrepareUsage
	fs.Parse(args)

	if fs.NArg() != 1 {
		printPrepareUsage()
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
	exitOnError(conn, "Prepare failed", batch.Prepare(ctx))

	ui.header(fmt.Sprintf("Prepared %d statements", len(statements)))

	var rows [][]string
	for i, stmt := range batch.Statements().All() {
		columns := ui.paint(styleMuted, "none")
		if desc := stmt.Description(); desc.Len() > 0 {
			columns = strings.Join(desc.Names(), ", ")
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", i+1),
			stmt.StatementName(),
			rewrite.FirstKeyword(stmt.Text()),
			columns,
		})
	}
	ui.table([]string{"#", "NAME", "COMMAND", "COLUMNS"}, rows)

	for i, stmt := range batch.Statements().All() {
		if stmt.FinalText() != stmt.Text() {
			ui.info(fmt.Sprintf("statement %d rewritten to: %s", i+1, stmt.FinalText()))
		}
	}
}
