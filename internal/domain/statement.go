package domain

import (
	"strings"
)

// RawDocument is a statement exactly as downloaded from the portal.
type RawDocument struct {
	CardSerial  string
	Nickname    string
	ContentType string
	Data        []byte
}

// Statement is the extracted content of one RawDocument.
type Statement struct {
	// CardSerial is detected from the document header and may be empty.
	CardSerial string
	Rows       []RawRow
}

// RawRow is one unnormalized table row. Field values are the cell text with
// whitespace collapsed; empty cells are empty strings.
type RawRow struct {
	Line            int
	Date            string
	TransactionType string
	Location        string
	Route           string
	Product         string
	Debit           string
	Credit          string
	Balance         string
}

// Field returns a column value by its taxonomy field name.
func (r RawRow) Field(name string) string {
	switch name {
	case "transaction_type":
		return r.TransactionType
	case "location":
		return r.Location
	case "route":
		return r.Route
	case "product":
		return r.Product
	case "debit":
		return r.Debit
	case "credit":
		return r.Credit
	case "balance":
		return r.Balance
	case "date":
		return r.Date
	}
	return ""
}

// Description joins the descriptive columns. It depends only on row content,
// so the same physical transaction yields the same text from any statement.
func (r RawRow) Description() string {
	parts := make([]string, 0, 4)
	for _, p := range []string{r.TransactionType, r.Location, r.Route, r.Product} {
		p = strings.Join(strings.Fields(p), " ")
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " | ")
}

// ModeLabel is the raw label reported when a row resolves to ModeUnknown.
func (r RawRow) ModeLabel() string {
	return strings.Join([]string{r.TransactionType, r.Location, r.Route}, " / ")
}
