package statement

import (
	"testing"

	"github.com/ledongthuc/pdf"
)

func TestMergeCells(t *testing.T) {
	texts := []pdf.Text{
		{X: 20, W: 5, S: "0"},
		{X: 25, W: 5, S: "3"},
		{X: 32, W: 20, S: "-15"},
		{X: 90, W: 30, S: "SFM"},
		{X: 122, W: 15, S: "bus"},
		{X: 300, W: 10, S: " "},
		{X: 420, W: 25, S: "$2.75"},
	}

	cells := mergeCells(texts, 6)
	want := []string{"03 -15", "SFM bus", "$2.75"}
	if len(cells) != len(want) {
		t.Fatalf("got %d cells: %+v", len(cells), cells)
	}
	for i, c := range cells {
		if c.Text != want[i] {
			t.Errorf("cell %d = %q, want %q", i, c.Text, want[i])
		}
	}
	if cells[1].X != 90 || cells[1].W != 47 {
		t.Errorf("cell geometry = %+v", cells[1])
	}
}

func TestLineText(t *testing.T) {
	l := Line{Cells: []Cell{{Text: "Card Serial Number:"}, {Text: "1202345678"}}}
	if got := l.Text(); got != "Card Serial Number: 1202345678" {
		t.Errorf("Text() = %q", got)
	}
}
