package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"
)

// noticeWidth wraps notices in terminal output.
const noticeWidth = 72

var (
	accentColor = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	dimColor    = lipgloss.AdaptiveColor{Light: "#A49FA5", Dark: "#777777"}
	warnColor   = lipgloss.AdaptiveColor{Light: "#D4A017", Dark: "#FFD866"}

	titleStyle  = lipgloss.NewStyle().Foreground(accentColor).Bold(true)
	labelStyle  = lipgloss.NewStyle().Foreground(dimColor)
	noticeStyle = lipgloss.NewStyle().Foreground(warnColor)
)

// field is one labelled line of a result.
type field struct {
	label string
	value string
}

// printer renders command results, styled on terminals and plain otherwise.
type printer struct {
	w      io.Writer
	styled bool
}

// newPrinter styles output only when w is a terminal.
func newPrinter(w io.Writer) *printer {
	p := &printer{w: w}

	if f, ok := w.(*os.File); ok {
		fd := f.Fd()
		p.styled = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	}

	return p
}

// result prints a title followed by aligned fields.
func (p *printer) result(title string, fields ...field) {
	if p.styled {
		fmt.Fprintln(p.w, titleStyle.Render(title))
	} else {
		fmt.Fprintln(p.w, title)
	}

	width := 0
	for _, f := range fields {
		width = max(width, len(f.label))
	}

	for _, f := range fields {
		label := fmt.Sprintf("%-*s", width+1, f.label+":")
		if p.styled {
			label = labelStyle.Render(label)
		}
		fmt.Fprintf(p.w, "  %s %s\n", label, f.value)
	}
}

// notice prints an informational message, wrapped on terminals.
func (p *printer) notice(msg string) {
	if !p.styled {
		fmt.Fprintln(p.w, "note: "+msg)
		return
	}

	wrapped := indent.String(wordwrap.String(msg, noticeWidth), 2)
	fmt.Fprintln(p.w, noticeStyle.Render(strings.TrimRight(wrapped, "\n")))
}
