// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	goodStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

// Output writes command results to stdout, as a styled table when
// stdout is a terminal and plain text otherwise.
type Output struct {
	w     io.Writer
	color bool
}

// Stdout returns an Output on os.Stdout.
func Stdout() *Output {
	return &Output{w: os.Stdout, color: term.IsTerminal(int(os.Stdout.Fd()))}
}

// NewOutput returns an uncolored Output on w.
func NewOutput(w io.Writer) *Output { return &Output{w: w} }

// JSON writes value as indented JSON.
func (o *Output) JSON(value any) error {
	encoder := json.NewEncoder(o.w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// Printf writes formatted text.
func (o *Output) Printf(format string, args ...any) {
	fmt.Fprintf(o.w, format, args...)
}

// Table writes a header row and rows as aligned columns.
func (o *Output) Table(header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(o.w, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, o.render(headerStyle, strings.Join(header, "\t")))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// Good, Bad and Warn color a status word on terminals.
func (o *Output) Good(text string) string { return o.render(goodStyle, text) }
func (o *Output) Bad(text string) string  { return o.render(badStyle, text) }
func (o *Output) Warn(text string) string { return o.render(warnStyle, text) }

func (o *Output) render(style lipgloss.Style, text string) string {
	if !o.color {
		return text
	}
	return style.Render(text)
}

// Confirm asks a yes/no question on the terminal. It returns false
// without asking when stdin is not a terminal.
func Confirm(prompt string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, nil
	}
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
