// Package freshness classifies a quote's staleness as Live or Previous
// close (provider EOD and delayed flags both yield Previous close; the
// Delayed label is defined for abbreviation only), following original_source's
// services/market_data/app/utils/time.py classify_freshness rule
// verbatim: respect explicit provider EOD/delayed flags first, otherwise
// compare the quote's trade timestamp against the exchange's local
// trading day and regular-session start time.
package freshness

import (
	"strings"
	"time"
)

// Label is one of the three freshness classifications a quote carries.
type Label string

// Freshness labels, abbreviated to a single letter on compact chat replies.
const (
	Live          Label = "Live"
	PreviousClose Label = "Previous close"
	Delayed       Label = "Delayed"
)

// Abbrev returns the single-letter code (L/P/D) used in compact replies.
func (l Label) Abbrev() string {
	switch l {
	case Live:
		return "L"
	case PreviousClose:
		return "P"
	case Delayed:
		return "D"
	default:
		return "?"
	}
}

type exchangeInfo struct {
	tzName     string
	sessionHH  int
	sessionMM  int
}

// exchangeBySuffix mirrors _EXCHANGE_TZ_START: a symbol's dot-suffix maps
// to the exchange's IANA timezone and regular-session local start time.
// Unknown suffixes (and the no-suffix case) default to US / 09:30 ET.
var exchangeBySuffix = map[string]exchangeInfo{
	"US":    {"America/New_York", 9, 30},
	"XETRA": {"Europe/Berlin", 9, 0},
	"DE":    {"Europe/Berlin", 9, 0},
	"F":     {"Europe/Berlin", 9, 0},
	"LSE":   {"Europe/London", 8, 0},
	"L":     {"Europe/London", 8, 0},
	"SIX":   {"Europe/Zurich", 9, 0},
	"TSE":   {"Asia/Tokyo", 9, 0},
	"T":     {"Asia/Tokyo", 9, 0},
	"HK":    {"Asia/Hong_Kong", 9, 30},
}

var defaultExchange = exchangeInfo{"America/New_York", 9, 30}

func symbolSuffix(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.LastIndex(s, "."); i >= 0 {
		return s[i+1:]
	}
	return "US"
}

func exchangeFor(symbol string) exchangeInfo {
	if info, ok := exchangeBySuffix[symbolSuffix(symbol)]; ok {
		return info
	}
	return defaultExchange
}

func loadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Flags are the provider-reported staleness hints classify_freshness
// checks before falling back to the timestamp comparison.
type Flags struct {
	EOD     bool
	Delayed bool
}

// Classify returns the freshness label and a short human note for a
// quote whose last-trade timestamp is ts, for the given symbol.
func Classify(symbol string, ts time.Time, flags Flags) (Label, string) {
	if flags.EOD || flags.Delayed {
		return PreviousClose, "End of day price"
	}

	info := exchangeFor(symbol)
	loc := loadLocation(info.tzName)
	nowLocal := time.Now().In(loc)
	tsLocal := ts.In(loc)

	sessionStart := time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day(), info.sessionHH, info.sessionMM, 0, 0, loc)
	sameDay := tsLocal.Year() == nowLocal.Year() && tsLocal.YearDay() == nowLocal.YearDay()
	if sameDay && !nowLocal.Before(sessionStart) {
		return Live, "During regular session"
	}
	return PreviousClose, "Last trading day"
}
