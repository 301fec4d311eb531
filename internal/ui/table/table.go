// Package table renders rows of templated cells as an aligned text table.
package table

import (
	"bufio"
	"io"
	"strings"
	"text/template"

	"github.com/packvault/packvault/internal/ui"
)

// Table collects columns and rows. Each column renders a row value through
// a text/template; a cell may span several lines.
type Table struct {
	headers []string
	cells   []*template.Template
	rows    []any
	footer  []string
}

const cellSeparator = "  "

// New returns an empty table.
func New() *Table {
	return &Table{}
}

// AddColumn adds a column. format is a text/template executed with the row
// value. AddColumn panics if format does not parse.
func (t *Table) AddColumn(header, format string) {
	tmpl := template.Must(template.New(header).Funcs(template.FuncMap{"join": strings.Join}).Parse(format))
	t.headers = append(t.headers, header)
	t.cells = append(t.cells, tmpl)
}

// AddRow appends a row rendered with the column templates.
func (t *Table) AddRow(row any) {
	t.rows = append(t.rows, row)
}

// AddFooter appends a line printed below the table.
func (t *Table) AddFooter(line string) {
	t.footer = append(t.footer, line)
}

// render executes the column templates for every row and splits the
// resulting cells into lines.
func (t *Table) render() ([][][]string, error) {
	rendered := make([][][]string, 0, len(t.rows))
	var sb strings.Builder
	for _, row := range t.rows {
		cells := make([][]string, len(t.cells))
		for i, tmpl := range t.cells {
			sb.Reset()
			if err := tmpl.Execute(&sb, row); err != nil {
				return nil, err
			}
			cells[i] = strings.Split(sb.String(), "\n")
		}
		rendered = append(rendered, cells)
	}
	return rendered, nil
}

func splitAll(cells []string) [][]string {
	out := make([][]string, len(cells))
	for i, c := range cells {
		out[i] = strings.Split(c, "\n")
	}
	return out
}

// Write renders the table to w.
func (t *Table) Write(w io.Writer) error {
	if len(t.cells) == 0 {
		return nil
	}

	rows, err := t.render()
	if err != nil {
		return err
	}
	header := splitAll(t.headers)

	widths := make([]int, len(t.cells))
	for _, cells := range append([][][]string{header}, rows...) {
		for col, lines := range cells {
			for _, line := range lines {
				widths[col] = max(widths[col], ui.DisplayWidth(line))
			}
		}
	}

	total := len(cellSeparator) * (len(widths) - 1)
	for _, width := range widths {
		total += width
	}
	rule := strings.Repeat("-", total)

	bw := bufio.NewWriter(w)
	writeRow(bw, header, widths)
	bw.WriteString(rule + "\n")
	for _, cells := range rows {
		writeRow(bw, cells, widths)
	}
	bw.WriteString(rule + "\n")
	for _, line := range t.footer {
		bw.WriteString(line + "\n")
	}
	return bw.Flush()
}

// writeRow prints one table row, which takes as many lines as its tallest
// cell. Trailing blanks are trimmed.
func writeRow(w *bufio.Writer, cells [][]string, widths []int) {
	height := 1
	for _, lines := range cells {
		height = max(height, len(lines))
	}

	for i := 0; i < height; i++ {
		var sb strings.Builder
		for col, lines := range cells {
			if col > 0 {
				sb.WriteString(cellSeparator)
			}
			var v string
			if i < len(lines) {
				v = lines[i]
			}
			sb.WriteString(v)
			if pad := widths[col] - ui.DisplayWidth(v); pad > 0 {
				sb.WriteString(strings.Repeat(" ", pad))
			}
		}
		w.WriteString(strings.TrimRight(sb.String(), " ") + "\n")
	}
}
