package domain

import (
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"
)

var (
	// ErrCardNotFound is returned when a card does not exist for the user.
	ErrCardNotFound = errors.New("card not found")
	// ErrCardExists is returned when the user already linked the serial.
	ErrCardExists = errors.New("card already linked")
)

// Card is a transit-fare account belonging to a user.
type Card struct {
	CardID    string    `json:"card_id"`
	UserID    string    `json:"user_id"`
	Serial    string    `json:"serial"`
	Nickname  string    `json:"nickname"`
	CreatedAt time.Time `json:"created_at"`
}

// Context returns the identifiers the normalizer attaches to transactions.
func (c Card) Context() CardContext {
	return CardContext{UserID: c.UserID, CardID: c.CardID, Serial: c.Serial}
}

// CardContext is the subset of a card needed to own a transaction.
type CardContext struct {
	UserID string
	CardID string
	Serial string
}

// Credential is a decrypted portal login. It must only live for the duration
// of a fetch and is redacted from every formatted or logged representation.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c Credential) String() string {
	return "Credential{<redacted>}"
}

func (c Credential) GoString() string {
	return c.String()
}

// MarshalZerologObject keeps the secret out of structured logs.
func (c Credential) MarshalZerologObject(e *zerolog.Event) {
	e.Bool("username_set", c.Username != "").Str("password", "<redacted>")
}

// DateRange is an inclusive range of calendar days.
type DateRange struct {
	Start civil.Date `json:"start"`
	End   civil.Date `json:"end"`
}

// Validate rejects empty and inverted ranges.
func (r DateRange) Validate() error {
	if !r.Start.IsValid() || !r.End.IsValid() {
		return fmt.Errorf("date range %s..%s: invalid date", r.Start, r.End)
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("date range %s..%s: end before start", r.Start, r.End)
	}
	return nil
}

func (r DateRange) String() string {
	return r.Start.String() + ".." + r.End.String()
}

// ParseDateRange parses two YYYY-MM-DD dates.
func ParseDateRange(start, end string) (DateRange, error) {
	s, err := civil.ParseDate(start)
	if err != nil {
		return DateRange{}, fmt.Errorf("ParseDateRange: start: %w", err)
	}
	e, err := civil.ParseDate(end)
	if err != nil {
		return DateRange{}, fmt.Errorf("ParseDateRange: end: %w", err)
	}
	r := DateRange{Start: s, End: e}
	return r, r.Validate()
}

// LastMonth returns the full calendar month before the one containing now.
func LastMonth(now time.Time) DateRange {
	first := civil.DateOf(now)
	first.Day = 1
	end := first.AddDays(-1)
	start := end
	start.Day = 1
	return DateRange{Start: start, End: end}
}
