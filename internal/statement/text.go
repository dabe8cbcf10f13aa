package statement

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Cell is a run of text on a line, positioned by its left edge.
type Cell struct {
	X    float64
	W    float64
	Text string
}

// Line is a visual line of text on a page, cells ordered left to right.
type Line struct {
	Page  int
	Y     float64
	Cells []Cell
}

// Text joins the cells of a line with single spaces.
func (l Line) Text() string {
	parts := make([]string, 0, len(l.Cells))
	for _, c := range l.Cells {
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, " ")
}

// TextSource turns document bytes into positioned lines in reading order.
type TextSource interface {
	Lines(data []byte) ([]Line, error)
}

// PDFTextSource reads text positions with github.com/ledongthuc/pdf.
type PDFTextSource struct {
	// CellGap is the horizontal gap, in points, that separates two cells.
	// Smaller gaps are treated as spacing inside a cell.
	CellGap float64
}

// Lines implements TextSource. The PDF library panics on some malformed
// content streams, so those are converted to errors.
func (s PDFTextSource) Lines(data []byte) (lines []Line, err error) {
	defer func() {
		if r := recover(); r != nil {
			lines, err = nil, fmt.Errorf("reading pdf: %v", r)
		}
	}()

	gap := s.CellGap
	if gap <= 0 {
		gap = 6
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}

	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		// PDF y grows upwards; reading order is top to bottom.
		sort.SliceStable(rows, func(a, b int) bool { return rows[a].Position > rows[b].Position })
		for _, row := range rows {
			texts := append([]pdf.Text(nil), row.Content...)
			sort.SliceStable(texts, func(a, b int) bool { return texts[a].X < texts[b].X })
			if cells := mergeCells(texts, gap); len(cells) > 0 {
				lines = append(lines, Line{Page: i, Y: float64(row.Position), Cells: cells})
			}
		}
	}
	return lines, nil
}

// mergeCells joins glyph runs that sit closer than gap into cells.
func mergeCells(texts []pdf.Text, gap float64) []Cell {
	var (
		cells []Cell
		cur   *Cell
		end   float64
	)
	for _, t := range texts {
		if t.S == "" {
			continue
		}
		if cur != nil && t.X-end < gap {
			if t.X-end > 1 && !strings.HasSuffix(cur.Text, " ") {
				cur.Text += " "
			}
			cur.Text += t.S
			end = t.X + t.W
			cur.W = end - cur.X
			continue
		}
		cells = append(cells, Cell{X: t.X, W: t.W, Text: t.S})
		cur = &cells[len(cells)-1]
		end = t.X + t.W
	}

	out := cells[:0]
	for _, c := range cells {
		c.Text = strings.Join(strings.Fields(c.Text), " ")
		if c.Text != "" {
			out = append(out, c)
		}
	}
	return out
}
