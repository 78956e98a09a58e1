// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"

	"github.com/toeirei/keysync/internal/i18n"
)

const (
	colorSubtle    = lipgloss.Color("240")
	colorHighlight = lipgloss.Color("81")
	colorError     = lipgloss.Color("196")
	colorSuccess   = lipgloss.Color("40")
)

// stdinIsTerminal is replaced in tests.
var stdinIsTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// printTable renders rows under headers. Terminals get a bordered, colored
// table; pipes and files get plain aligned columns.
func printTable(w io.Writer, headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(w, i18n.T("cli.none"))
		return
	}
	r := lipgloss.NewRenderer(w)
	t := table.New().Headers(headers...).Rows(rows...)
	if isTerminal(w) {
		header := r.NewStyle().Foreground(colorHighlight).Bold(true).Padding(0, 1)
		cell := r.NewStyle().Padding(0, 1)
		t = t.Border(lipgloss.RoundedBorder()).
			BorderStyle(r.NewStyle().Foreground(colorSubtle)).
			StyleFunc(func(row, _ int) lipgloss.Style {
				if row == table.HeaderRow {
					return header
				}
				return cell
			})
	} else {
		cell := r.NewStyle().PaddingRight(2)
		t = t.Border(lipgloss.HiddenBorder()).
			BorderTop(false).BorderBottom(false).
			BorderLeft(false).BorderRight(false).
			BorderColumn(false).BorderHeader(false).
			StyleFunc(func(int, int) lipgloss.Style { return cell })
	}
	fmt.Fprintln(w, t.Render())
}

func printSuccess(w io.Writer, msg string) {
	fmt.Fprintln(w, lipgloss.NewRenderer(w).NewStyle().Foreground(colorSuccess).Render(msg))
}

func printError(w io.Writer, msg string) {
	fmt.Fprintln(w, lipgloss.NewRenderer(w).NewStyle().Foreground(colorError).Render(msg))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
