package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mode is a transit mode from the closed taxonomy.
type Mode string

const (
	ModeMuniBus   Mode = "muni_bus"
	ModeMuniMetro Mode = "muni_metro"
	ModeBART      Mode = "bart"
	ModeCableCar  Mode = "cable_car"
	ModeCaltrain  Mode = "caltrain"
	ModeFerry     Mode = "ferry"
	ModeACTransit Mode = "ac_transit"
	ModeSamTrans  Mode = "samtrans"
	ModeReload    Mode = "reload"
	ModeUnknown   Mode = "unknown"
)

var knownModes = map[Mode]bool{
	ModeMuniBus:   true,
	ModeMuniMetro: true,
	ModeBART:      true,
	ModeCableCar:  true,
	ModeCaltrain:  true,
	ModeFerry:     true,
	ModeACTransit: true,
	ModeSamTrans:  true,
	ModeReload:    true,
	ModeUnknown:   true,
}

// Valid reports whether m belongs to the closed taxonomy.
func (m Mode) Valid() bool {
	return knownModes[m]
}

// Tap distinguishes the two halves of a dual-tag trip.
type Tap string

const (
	TapNone  Tap = ""
	TapEntry Tap = "entry"
	TapExit  Tap = "exit"
)

// Transaction is one normalized line of card activity. It is insert-only:
// once stored it is never updated.
type Transaction struct {
	UserID         string
	CardID         string
	Timestamp      time.Time // UTC, second precision
	Mode           Mode
	Tap            Tap
	Amount         decimal.Decimal     // debit negative, credit positive
	BalanceAfter   decimal.NullDecimal // invalid when the statement leaves it blank
	RawDescription string
	Fingerprint    string

	// Line is the 1-based row position in the source statement. It is kept for
	// audit output only and is not part of the fingerprint.
	Line int
}
