package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

type ConsoleStyle int

const (
	StyleNormal ConsoleStyle = iota
	StyleError
	StyleWarning
	StyleSuccess
	StyleInfo
	StyleDim
)

var styles = map[ConsoleStyle]lipgloss.Style{
	StyleError:   lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	StyleWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
	StyleSuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
	StyleInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
	StyleDim:     lipgloss.NewStyle().Faint(true),
}

type Console struct {
	useColors bool
	out       io.Writer
	errOut    io.Writer
}

func NewConsole() *Console {
	return &Console{
		useColors: isTerminal(os.Stderr),
		out:       os.Stdout,
		errOut:    os.Stderr,
	}
}

// NewConsoleWithWriters writes regular output to out and errors and warnings
// to errOut.
func NewConsoleWithWriters(out, errOut io.Writer, useColors bool) *Console {
	return &Console{
		useColors: useColors,
		out:       out,
		errOut:    errOut,
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func (c *Console) formatMessage(style ConsoleStyle, message string) string {
	if !c.useColors {
		return message
	}

	s, ok := styles[style]
	if !ok {
		return message
	}
	return s.Render(message)
}

func (c *Console) PrintError(message string) {
	fmt.Fprintf(c.errOut, "%s\n", c.formatMessage(StyleError, "Error: "+message))
}

func (c *Console) PrintWarning(message string) {
	fmt.Fprintf(c.errOut, "%s\n", c.formatMessage(StyleWarning, "Warning: "+message))
}

func (c *Console) PrintSuccess(message string) {
	fmt.Fprintf(c.out, "%s\n", c.formatMessage(StyleSuccess, message))
}

func (c *Console) PrintInfo(message string) {
	fmt.Fprintf(c.out, "%s\n", c.formatMessage(StyleInfo, message))
}

// PrintStage announces stage index of total, e.g. "[2/5] tests".
func (c *Console) PrintStage(index, total int, name string) {
	prefix := c.formatMessage(StyleDim, fmt.Sprintf("[%d/%d]", index, total))
	fmt.Fprintf(c.out, "%s %s\n", prefix, c.formatMessage(StyleInfo, name))
}

// PrintList prints a titled list with one arrow-prefixed entry per line.
func (c *Console) PrintList(title string, items []string) {
	fmt.Fprintf(c.out, "%s\n", title)
	for _, item := range items {
		fmt.Fprintf(c.out, "  %s %s\n", c.formatMessage(StyleDim, "→"), item)
	}
}

func (c *Console) FormatErrorMessage(context, cause, suggestion string) string {
	var parts []string

	if context != "" {
		parts = append(parts, context)
	}

	if cause != "" {
		parts = append(parts, fmt.Sprintf("Cause: %s", cause))
	}

	if suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", suggestion))
	}

	return strings.Join(parts, "\n")
}
