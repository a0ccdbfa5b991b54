package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

type style string

const (
	styleTitle   style = "\033[1;36m"
	styleCommand style = "\033[32m"
	styleArg     style = "\033[33m"
	styleAccent  style = "\033[36m"
	styleMuted   style = "\033[2m"
	styleOK      style = "\033[32m"
	styleWarn    style = "\033[33m"
	styleFail    style = "\033[31m"
	styleNote    style = "\033[34m"
	styleBold    style = "\033[1m"
)

const ansiReset = "\033[0m"

// printer writes CLI output. Color is used only on terminals without NO_COLOR.
type printer struct {
	out   io.Writer
	err   io.Writer
	color bool
}

var ui = newPrinter(os.Stdout, os.Stderr)

func newPrinter(out, errOut io.Writer) *printer {
	return &printer{
		out:   out,
		err:   errOut,
		color: os.Getenv("NO_COLOR") == "" && isTerminal(out),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

func (p *printer) paint(s style, text string) string {
	if !p.color {
		return text
	}
	return string(s) + text + ansiReset
}

func (p *printer) println(a ...any) { fmt.Fprintln(p.out, a...) }

func (p *printer) success(msg string) { fmt.Fprintln(p.out, p.paint(styleOK, "✓")+" "+msg) }
func (p *printer) warning(msg string) { fmt.Fprintln(p.out, p.paint(styleWarn, "⚠")+" "+msg) }
func (p *printer) info(msg string)    { fmt.Fprintln(p.out, p.paint(styleNote, "ℹ")+" "+msg) }
func (p *printer) failure(msg string) { fmt.Fprintln(p.err, p.paint(styleFail, "✗")+" "+msg) }

func (p *printer) header(title string) {
	fmt.Fprintln(p.out, "\n"+p.paint(styleTitle, title))
	fmt.Fprintln(p.out, p.paint(styleMuted, strings.Repeat("─", 40)))
}

// state colors a prepared-statement state name.
func (p *printer) state(name string) string {
	switch name {
	case "Prepared":
		return p.paint(styleOK, name)
	case "BeingPrepared":
		return p.paint(styleWarn, name)
	case "Unprepared":
		return p.paint(styleFail, name)
	default:
		return p.paint(styleMuted, name)
	}
}

// table pads on the visible width, so cells may already carry color codes.
func (p *printer) table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = visibleWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && visibleWidth(cell) > widths[i] {
				widths[i] = visibleWidth(cell)
			}
		}
	}

	pad := func(s string, w int) string {
		return s + strings.Repeat(" ", w-visibleWidth(s))
	}

	var b strings.Builder
	for i, h := range headers {
		b.WriteString(p.paint(styleBold, pad(h, widths[i])) + "  ")
	}
	b.WriteString("\n")
	for _, w := range widths {
		b.WriteString(strings.Repeat("─", w) + "  ")
	}
	b.WriteString("\n")
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				b.WriteString(pad(cell, widths[i]) + "  ")
			}
		}
		b.WriteString("\n")
	}
	fmt.Fprint(p.out, b.String())
}

// visibleWidth counts runes outside ANSI escape sequences.
func visibleWidth(s string) int {
	n := 0
	for i := 0; i < len(s); {
		if s[i] == '\033' {
			end := strings.IndexByte(s[i:], 'm')
			if end < 0 {
				break
			}
			i += end + 1
			continue
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		n++
	}
	return n
}
