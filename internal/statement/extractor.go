// Package statement extracts the transaction table from Clipper
// transaction-history statements.
//
// The table is found by its header row rather than by fixed coordinates;
// a statement without a recognizable header is reported as an
// UnrecognizedLayout so format changes surface instead of yielding partial
// data.
package statement

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/dvloznov/transit-tracker/internal/domain"
)

// Kind separates unreadable documents from layouts we no longer understand.
type Kind int

const (
	CorruptDocument Kind = iota + 1
	UnrecognizedLayout
)

func (k Kind) String() string {
	switch k {
	case CorruptDocument:
		return "corrupt_document"
	case UnrecognizedLayout:
		return "unrecognized_layout"
	}
	return "unknown"
}

// ExtractionError is returned by Extract.
type ExtractionError struct {
	Kind Kind
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract statement: %s: %v", e.Kind, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of an ExtractionError in err's chain, or 0.
func KindOf(err error) Kind {
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return 0
}

type column int

const (
	colDate column = iota
	colType
	colLocation
	colRoute
	colProduct
	colDebit
	colCredit
	colBalance
)

// headerAliases maps normalized header text to a canonical column. Statement
// generations disagree on wording ("Txn Value" vs "Debit").
var headerAliases = map[string]column{
	"transaction date":      colDate,
	"transaction date time": colDate,
	"txn date":              colDate,
	"txn date time":         colDate,
	"transaction type":      colType,
	"txn type":              colType,
	"location":              colLocation,
	"route":                 colRoute,
	"product":               colProduct,
	"debit":                 colDebit,
	"txn value":             colDebit,
	"credit":                colCredit,
	"balance":               colBalance,
	"remaining value":       colBalance,
}

var (
	rowStart   = regexp.MustCompile(`^\d{1,2}[-/]\d{1,2}[-/]\d{4}`)
	serialRe   = regexp.MustCompile(`(?i)(?:card serial number|transaction history for card)\s*:?\s*(\d{6,})`)
	pageFooter = regexp.MustCompile(`(?i)^page \d+( of \d+)?$`)
)

// maxContinuationGap bounds how far below a row a wrapped line may sit.
const maxContinuationGap = 24.0

// Extractor turns statement bytes into ordered raw rows.
type Extractor struct {
	source TextSource
}

// New returns an extractor reading PDFs.
func New() *Extractor {
	return &Extractor{source: PDFTextSource{}}
}

// NewWithSource returns an extractor over a custom text source.
func NewWithSource(src TextSource) *Extractor {
	return &Extractor{source: src}
}

type anchor struct {
	col        column
	start, end float64
}

// layout is the column geometry of a detected header.
type layout struct {
	anchors []anchor
	bounds  []float64 // bounds[i] separates anchors[i] and anchors[i+1]
}

func (l *layout) columnAt(x float64) column {
	i := sort.SearchFloat64s(l.bounds, x)
	if i < len(l.bounds) && l.bounds[i] == x {
		i++
	}
	return l.anchors[i].col
}

// Extract parses data and returns its rows in document order.
func (e *Extractor) Extract(data []byte) (*domain.Statement, error) {
	lines, err := e.source.Lines(data)
	if err != nil {
		return nil, &ExtractionError{Kind: CorruptDocument, Err: err}
	}

	st := &domain.Statement{}
	var (
		lay     *layout
		current *domain.RawRow
		lastY   float64
		page    int
	)
	flush := func() {
		if current != nil {
			st.Rows = append(st.Rows, *current)
			current = nil
		}
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if st.CardSerial == "" {
			if m := serialRe.FindStringSubmatch(line.Text()); m != nil {
				st.CardSerial = m[1]
			}
		}

		if l, used := detectHeader(lines, i); l != nil {
			flush()
			lay = l
			page = line.Page
			i += used - 1
			continue
		}
		if lay == nil {
			continue
		}

		values := assign(lay, line)
		if rowStart.MatchString(values[colDate]) {
			flush()
			current = &domain.RawRow{Line: len(st.Rows) + 1}
			appendValues(current, values)
			lastY = line.Y
			page = line.Page
			continue
		}

		if current != nil && line.Page == page && math.Abs(lastY-line.Y) <= maxContinuationGap &&
			!pageFooter.MatchString(line.Text()) && onlyText(values) {
			appendValues(current, values)
			lastY = line.Y
			continue
		}
		flush()
	}
	flush()

	if lay == nil {
		return nil, &ExtractionError{Kind: UnrecognizedLayout, Err: errors.New("transaction table header not found")}
	}
	return st, nil
}

// detectHeader reports a header starting at lines[i], trying the line alone
// and merged with the following line for two-line headings. It returns the
// layout and the number of lines consumed.
func detectHeader(lines []Line, i int) (*layout, int) {
	if l := headerLayout(lines[i].Cells); l != nil {
		return l, 1
	}
	if i+1 < len(lines) && lines[i+1].Page == lines[i].Page && headerLayout(lines[i+1].Cells) == nil {
		if l := headerLayout(stackCells(lines[i].Cells, lines[i+1].Cells)); l != nil {
			return l, 2
		}
	}
	return nil, 0
}

func headerLayout(cells []Cell) *layout {
	var anchors []anchor
	seen := map[column]bool{}
	for _, c := range cells {
		col, ok := headerAliases[normalizeHeader(c.Text)]
		if !ok {
			continue
		}
		if seen[col] {
			return nil
		}
		seen[col] = true
		anchors = append(anchors, anchor{col: col, start: c.X, end: c.X + c.W})
	}
	if !seen[colDate] || !(seen[colDebit] || seen[colCredit]) {
		return nil
	}

	sort.Slice(anchors, func(a, b int) bool { return anchors[a].start < anchors[b].start })
	bounds := make([]float64, 0, len(anchors)-1)
	for k := 0; k+1 < len(anchors); k++ {
		bounds = append(bounds, (anchors[k].end+anchors[k+1].start)/2)
	}
	return &layout{anchors: anchors, bounds: bounds}
}

// stackCells merges a second header line into the first by horizontal overlap,
// e.g. "Transaction" above "Date".
func stackCells(top, bottom []Cell) []Cell {
	out := append([]Cell(nil), top...)
	for _, b := range bottom {
		merged := false
		for k := range out {
			if b.X < out[k].X+out[k].W+2 && out[k].X < b.X+b.W+2 {
				out[k].Text += " " + b.Text
				end := math.Max(out[k].X+out[k].W, b.X+b.W)
				out[k].X = math.Min(out[k].X, b.X)
				out[k].W = end - out[k].X
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, b)
		}
	}
	return out
}

func normalizeHeader(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func assign(l *layout, line Line) map[column]string {
	values := make(map[column]string)
	for _, c := range line.Cells {
		col := l.columnAt(c.X)
		if v := values[col]; v != "" {
			values[col] = v + " " + c.Text
		} else {
			values[col] = c.Text
		}
	}
	return values
}

// onlyText reports whether a line carries no amounts, which is what wrapped
// description lines look like.
func onlyText(values map[column]string) bool {
	for _, col := range []column{colDebit, colCredit, colBalance} {
		if values[col] != "" {
			return false
		}
	}
	return len(values) > 0
}

func appendValues(r *domain.RawRow, values map[column]string) {
	for col, v := range values {
		var field *string
		switch col {
		case colDate:
			field = &r.Date
		case colType:
			field = &r.TransactionType
		case colLocation:
			field = &r.Location
		case colRoute:
			field = &r.Route
		case colProduct:
			field = &r.Product
		case colDebit:
			field = &r.Debit
		case colCredit:
			field = &r.Credit
		case colBalance:
			field = &r.Balance
		}
		if *field == "" {
			*field = v
		} else {
			*field += " " + v
		}
	}
}
