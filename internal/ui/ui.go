// Package ui provides styled terminal output helpers for the rc CLI.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // green
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")) // blue
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

// colorEnabled reports whether styled output should be produced: stdout
// must be a terminal and the terminal must support color.
func colorEnabled() bool {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	return termenv.ColorProfile() != termenv.Ascii
}

func render(style lipgloss.Style, s string) string {
	if !colorEnabled() {
		return s
	}
	return style.Render(s)
}

// RenderPass styles a success marker.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn styles a warning marker.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderErr styles an error marker.
func RenderErr(s string) string { return render(errStyle, s) }

// RenderAccent styles an informational marker.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderDim styles secondary detail.
func RenderDim(s string) string { return render(dimStyle, s) }
