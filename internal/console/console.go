// Package console owns the terminal the live coding session prints to.
//
// A Console is acquired once at process start with Open and released with
// Close. Components that print receive the handle explicitly instead of
// toggling global terminal state.
package console

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
)

const (
	StyleDebug   = "debug"
	StyleInfo    = "info"
	StyleWarning = "warning"
	StyleError   = "error"
	StyleAccent  = "accent"
)

// Console serializes writes to one terminal and styles them when the terminal supports it.
type Console struct {
	mu          sync.Mutex
	out         io.Writer
	renderer    *lipgloss.Renderer
	styles      map[string]lipgloss.Style
	interactive bool
	closed      bool
}

// Open acquires the console for file, detecting whether it is an interactive terminal.
func Open(file *os.File) *Console {
	if file == nil {
		return New(io.Discard, false)
	}
	fd := file.Fd()
	interactive := isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	return New(file, interactive)
}

// New wraps an arbitrary writer. Styling is only applied when interactive is true.
func New(out io.Writer, interactive bool) *Console {
	if out == nil {
		out = io.Discard
	}
	renderer := lipgloss.NewRenderer(out)
	return &Console{
		out:         out,
		renderer:    renderer,
		interactive: interactive,
		styles: map[string]lipgloss.Style{
			StyleDebug:   renderer.NewStyle().Faint(true),
			StyleInfo:    renderer.NewStyle().Foreground(lipgloss.Color("12")),
			StyleWarning: renderer.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
			StyleError:   renderer.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
			StyleAccent:  renderer.NewStyle().Foreground(lipgloss.Color("10")),
		},
	}
}

// Interactive reports whether the console is attached to a terminal.
func (console *Console) Interactive() bool {
	if console == nil {
		return false
	}
	return console.interactive
}

// Styled renders text with the named style, or returns it unchanged on plain outputs.
func (console *Console) Styled(style, text string) string {
	if console == nil || !console.interactive {
		return text
	}
	rendered, ok := console.styles[style]
	if !ok {
		return text
	}
	return rendered.Render(text)
}

// Println writes one line. Writes after Close are dropped.
func (console *Console) Println(line string) {
	if console == nil {
		return
	}
	console.mu.Lock()
	defer console.mu.Unlock()
	if console.closed {
		return
	}
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	_, _ = io.WriteString(console.out, line)
}

// Write implements io.Writer so the console can back a log.Logger.
func (console *Console) Write(data []byte) (int, error) {
	if console == nil {
		return len(data), nil
	}
	console.mu.Lock()
	defer console.mu.Unlock()
	if console.closed {
		return len(data), nil
	}
	return console.out.Write(data)
}

// Table prints a borderless summary table.
func (console *Console) Table(header []string, rows [][]string) {
	if console == nil || len(rows) == 0 {
		return
	}
	var buffer bytes.Buffer
	table := tablewriter.NewWriter(&buffer)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetAutoWrapText(false)
	for _, row := range rows {
		table.Append(row)
	}
	table.Render()
	console.Println(strings.TrimRight(buffer.String(), "\n"))
}

// Printf formats and writes one line.
func (console *Console) Printf(format string, args ...any) {
	console.Println(fmt.Sprintf(format, args...))
}

// Close releases the console. Styling is reset so a shell prompt printed afterwards is not affected.
func (console *Console) Close() error {
	if console == nil {
		return nil
	}
	console.mu.Lock()
	defer console.mu.Unlock()
	if console.closed {
		return nil
	}
	console.closed = true
	if console.interactive {
		_, err := io.WriteString(console.out, "\x1b[0m")
		return err
	}
	return nil
}
