package pipeline

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"

	"github.com/dvloznov/transit-tracker/internal/domain"
	"github.com/dvloznov/transit-tracker/internal/taxonomy"
	"github.com/shopspring/decimal"
)

// Timestamp layouts used by statement generations, in statement-local time.
// Month, day and hour may be printed with or without a leading zero.
var dateLayouts = []string{
	"1-2-2006 3:04 PM",
	"1-2-2006 3:04:05 PM",
	"1/2/2006 3:04 PM",
	"1/2/2006 3:04:05 PM",
}

// fingerprintLen is 128 bits of SHA-256 in hex.
const fingerprintLen = 32

// Normalizer converts raw rows into transactions. It holds no mutable state
// and is safe for concurrent use.
type Normalizer struct {
	table *taxonomy.Table
	loc   *time.Location
}

// NewNormalizer returns a normalizer resolving modes with table and reading
// timestamps in loc. Nil arguments select the embedded table and UTC.
func NewNormalizer(table *taxonomy.Table, loc *time.Location) *Normalizer {
	if table == nil {
		table = taxonomy.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{table: table, loc: loc}
}

// Normalize converts one row. Unrecognized modes resolve to ModeUnknown; only
// unparseable dates and amounts are errors.
func (n *Normalizer) Normalize(row domain.RawRow, card domain.CardContext) (*domain.Transaction, error) {
	ts, err := n.parseTimestamp(row.Date)
	if err != nil {
		return nil, &NormalizationError{Kind: KindUnparseableDate, Line: row.Line, Field: "date", Value: row.Date, Err: err}
	}

	debit, err := parseMoney(row.Debit)
	if err != nil {
		return nil, &NormalizationError{Kind: KindUnparseableAmount, Line: row.Line, Field: "debit", Value: row.Debit, Err: err}
	}
	credit, err := parseMoney(row.Credit)
	if err != nil {
		return nil, &NormalizationError{Kind: KindUnparseableAmount, Line: row.Line, Field: "credit", Value: row.Credit, Err: err}
	}

	var balance decimal.NullDecimal
	if strings.TrimSpace(row.Balance) != "" {
		b, err := parseMoney(row.Balance)
		if err != nil {
			return nil, &NormalizationError{Kind: KindUnparseableAmount, Line: row.Line, Field: "balance", Value: row.Balance, Err: err}
		}
		balance = decimal.NewNullDecimal(b)
	}

	res := n.table.Resolve(row)
	tx := &domain.Transaction{
		UserID:         card.UserID,
		CardID:         card.CardID,
		Timestamp:      ts,
		Mode:           res.Mode,
		Tap:            res.Tap,
		Amount:         credit.Sub(debit),
		BalanceAfter:   balance,
		RawDescription: row.Description(),
		Line:           row.Line,
	}
	tx.Fingerprint = Fingerprint(tx.CardID, tx.Timestamp, tx.Amount, tx.RawDescription)
	return tx, nil
}

func (n *Normalizer) parseTimestamp(s string) (time.Time, error) {
	s = strings.Join(strings.Fields(s), " ")
	var firstErr error
	for _, layout := range dateLayouts {
		t, err := time.ParseInLocation(layout, s, n.loc)
		if err == nil {
			return t.UTC().Truncate(time.Second), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// parseMoney reads "$1,234.50", "-2.75" or "(2.75)". Empty is zero.
func parseMoney(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	if strings.HasPrefix(s, "-") && negative {
		s = s[1:]
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// Fingerprint identifies a physical transaction independently of the
// statement it was read from. Fields are length-prefixed so no two distinct
// tuples share an encoding.
func Fingerprint(cardID string, ts time.Time, amount decimal.Decimal, description string) string {
	h := sha256.New()
	var n [4]byte
	for _, f := range []string{
		cardID,
		ts.UTC().Format(time.RFC3339),
		amount.StringFixed(2),
		description,
	} {
		binary.BigEndian.PutUint32(n[:], uint32(len(f)))
		h.Write(n[:])
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))[:fingerprintLen]
}
