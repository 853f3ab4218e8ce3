// Package ui renders albatrossctl output and user notices.
package ui

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/controlplane"
)

// marker pairs a glyph with its style.
type marker struct {
	glyph string
	style lipgloss.Style
}

var (
	okMarker    = marker{"✓ ", lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)}
	levelMarker = map[controlplane.Level]marker{
		controlplane.LevelInfo:    {"ℹ ", lipgloss.NewStyle().Foreground(lipgloss.Color("12"))},
		controlplane.LevelWarning: {"⚠ ", lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)},
		controlplane.LevelError:   {"✗ ", lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)},
	}

	muted = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	title = lipgloss.NewStyle().Bold(true).Underline(true)
)

// UI writes styled lines. Errors go to errOut, everything else to out.
type UI struct {
	out    io.Writer
	errOut io.Writer
}

// NewUI writes to the process's stdout and stderr.
func NewUI() *UI {
	return New(os.Stdout, os.Stderr)
}

// New creates a UI writing to out and errOut.
func New(out, errOut io.Writer) *UI {
	return &UI{out: out, errOut: errOut}
}

func (ui *UI) mark(w io.Writer, m marker, msg string) {
	fmt.Fprintln(w, m.style.Render(m.glyph+msg))
}

// Success prints a checkmarked line.
func (ui *UI) Success(msg string) {
	ui.mark(ui.out, okMarker, msg)
}

func (ui *UI) Info(msg string) {
	ui.Notify(context.Background(), controlplane.Notice{Level: controlplane.LevelInfo, Message: msg})
}

func (ui *UI) Warning(msg string) {
	ui.Notify(context.Background(), controlplane.Notice{Level: controlplane.LevelWarning, Message: msg})
}

func (ui *UI) Error(msg string) {
	ui.Notify(context.Background(), controlplane.Notice{Level: controlplane.LevelError, Message: msg})
}

// Notify prints a control-plane notice; error notices go to errOut.
func (ui *UI) Notify(_ context.Context, n controlplane.Notice) {
	m, ok := levelMarker[n.Level]
	if !ok {
		m = levelMarker[controlplane.LevelInfo]
	}
	w := ui.out
	if n.Level == controlplane.LevelError {
		w = ui.errOut
	}
	ui.mark(w, m, n.Message)
}

// Subtle prints muted text.
func (ui *UI) Subtle(msg string) {
	fmt.Fprintln(ui.out, muted.Render(msg))
}

// Println prints msg unstyled.
func (ui *UI) Println(msg string) {
	fmt.Fprintln(ui.out, msg)
}

// Header prints an underlined section title.
func (ui *UI) Header(text string) {
	fmt.Fprintln(ui.out, title.Render(text))
}

// KeyValue prints an indented "key: value" line.
func (ui *UI) KeyValue(key, value string) {
	fmt.Fprintf(ui.out, "  %s: %s\n", muted.Render(key), value)
}

// Table collects rows and prints them in aligned columns.
type Table struct {
	ui      *UI
	columns []string
	rows    [][]string
}

func (ui *UI) NewTable(columns ...string) *Table {
	return &Table{ui: ui, columns: columns}
}

func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render prints the header, a rule and every row. Missing cells are blank.
func (t *Table) Render() {
	n := len(t.columns)
	if n == 0 {
		return
	}

	widths := make([]int, n)
	grow := func(row []string) {
		for i := 0; i < n && i < len(row); i++ {
			widths[i] = max(widths[i], lipgloss.Width(row[i]))
		}
	}
	grow(t.columns)
	for _, row := range t.rows {
		grow(row)
	}

	format := func(row []string, sep string) string {
		var b strings.Builder
		for i := 0; i < n; i++ {
			if i > 0 {
				b.WriteString(sep)
			}
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			b.WriteString(padRight(cell, widths[i]))
		}
		return b.String()
	}

	t.ui.Println(title.Render(format(t.columns, " | ")))
	rule := make([]string, n)
	for i, w := range widths {
		rule[i] = strings.Repeat("─", w)
	}
	t.ui.Println(muted.Render(strings.Join(rule, "─┼─")))
	for _, row := range t.rows {
		t.ui.Println(format(row, " │ "))
	}
}

func padRight(s string, width int) string {
	if w := lipgloss.Width(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}
