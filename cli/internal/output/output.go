// Package output provides output formatting for the CLI.
package output

import (
	"fmt"
	"io"
	"text/tabwriter"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

// Format represents an output format.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat returns the format named by s. Unknown names select the table format.
func ParseFormat(s string) Format {
	switch f := Format(s); f {
	case FormatJSON, FormatYAML:
		return f
	default:
		return FormatTable
	}
}

// Structured reports whether f is a machine readable format.
func (f Format) Structured() bool {
	return f == FormatJSON || f == FormatYAML
}

// Writer handles formatted output.
type Writer struct {
	format Format
	out    io.Writer
}

// NewWriter creates a writer printing to out in the named format.
func NewWriter(format string, out io.Writer) *Writer {
	return &Writer{
		format: ParseFormat(format),
		out:    out,
	}
}

// Format returns the writer's output format.
func (w *Writer) Format() Format {
	return w.format
}

// Print outputs data in the configured format. In table format, values
// other than a Table are printed as JSON.
func (w *Writer) Print(data any) error {
	switch w.format {
	case FormatJSON:
		return w.printJSON(data)
	case FormatYAML:
		return w.printYAML(data)
	default:
		if t, ok := data.(Table); ok {
			return w.writeTable(t)
		}
		return w.printJSON(data)
	}
}

func (w *Writer) printJSON(data any) error {
	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode json: %w", err)
	}
	_, err = fmt.Fprintf(w.out, "%s\n", out)
	return err
}

func (w *Writer) printYAML(data any) error {
	enc := yaml.NewEncoder(w.out)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("failed to encode yaml: %w", err)
	}
	return enc.Close()
}

// Table represents tabular data.
type Table struct {
	Headers []string
	Rows    [][]string
}

// Append adds a row.
func (t *Table) Append(cells ...string) {
	t.Rows = append(t.Rows, cells)
}

func (w *Writer) writeTable(t Table) error {
	tw := tabwriter.NewWriter(w.out, 0, 0, 2, ' ', 0)

	writeRow(tw, t.Headers)
	for _, row := range t.Rows {
		writeRow(tw, row)
	}

	return tw.Flush()
}

func writeRow(out io.Writer, cells []string) {
	for i, cell := range cells {
		if i > 0 {
			fmt.Fprint(out, "\t")
		}
		fmt.Fprint(out, cell)
	}
	fmt.Fprintln(out)
}

// Success prints a success message.
func Success(out io.Writer, format string, args ...any) {
	fmt.Fprintf(out, "✓ "+format+"\n", args...)
}

// Error prints an error message.
func Error(out io.Writer, format string, args ...any) {
	fmt.Fprintf(out, "✗ "+format+"\n", args...)
}

// Info prints an info message.
func Info(out io.Writer, format string, args ...any) {
	fmt.Fprintf(out, "→ "+format+"\n", args...)
}
