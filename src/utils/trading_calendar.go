package utils

import (
	"strings"
	"time"

	"github.com/scmhub/calendar"
)

// Session states reported for a symbol's listing exchange.
const (
	SessionOpen    = "open"
	SessionClosed  = "closed"
	SessionHoliday = "holiday"
)

// DefaultMIC is used for symbols without a recognised exchange suffix.
const DefaultMIC = "xnys"

// Yahoo-style ticker suffix to ISO 10383 MIC, as supported by scmhub/calendar.
var suffixToMIC = map[string]string{
	".L":  "xlon",
	".PA": "xpar",
	".DE": "xfra",
	".AS": "xams",
	".BR": "xbru",
	".MI": "xmil",
	".MC": "xmad",
	".ST": "xsto",
	".CO": "xcse",
	".HE": "xhel",
	".VI": "xwbo",
	".SW": "xswx",
	".TO": "xtse",
	".V":  "xtsx",
	".T":  "xtks",
	".HK": "xhkg",
	".AX": "xasx",
	".KS": "xkrx",
	".TW": "xtai",
	".SS": "xshg",
	".SZ": "xshe",
}

// -----------------------------------------------------------------------------

// TradingCalendar answers session questions for one exchange.
type TradingCalendar struct {
	MIC      string
	Calendar *calendar.Calendar
	Fallback bool
	Timezone *time.Location
}

// -----------------------------------------------------------------------------

// MICForSymbol maps a ticker to its exchange code from the suffix.
func MICForSymbol(symbol string) string {
	if i := strings.LastIndex(symbol, "."); i > 0 {
		if mic, ok := suffixToMIC[strings.ToUpper(symbol[i:])]; ok {
			return mic
		}
	}
	return DefaultMIC
}

// -----------------------------------------------------------------------------

// LoadCalendar returns the calendar for a MIC. Unknown codes fall back to
// NYSE, and if the library has no data at all to a Mon-Fri 09:30-16:00
// New York schedule.
func LoadCalendar(mic string) *TradingCalendar {
	cal := calendar.GetCalendar(mic)
	if cal == nil && mic != DefaultMIC {
		mic = DefaultMIC
		cal = calendar.GetCalendar(mic)
	}
	if cal == nil {
		nyLoc, err := time.LoadLocation("America/New_York")
		if err != nil {
			nyLoc = time.UTC
		}
		return &TradingCalendar{MIC: mic, Fallback: true, Timezone: nyLoc}
	}
	return &TradingCalendar{MIC: mic, Calendar: cal, Timezone: cal.Loc}
}

// -----------------------------------------------------------------------------

func (tc *TradingCalendar) IsTradingDay(date time.Time) bool {
	if tc.Timezone != nil {
		date = date.In(tc.Timezone)
	}
	if tc.Fallback {
		weekday := date.Weekday()
		return weekday != time.Saturday && weekday != time.Sunday
	}
	return tc.Calendar.IsBusinessDay(date)
}

// -----------------------------------------------------------------------------

// IsOpenAt checks if the market is open at t.
func (tc *TradingCalendar) IsOpenAt(t time.Time) bool {
	if tc.Timezone != nil {
		t = t.In(tc.Timezone)
	}
	if !tc.Fallback {
		return tc.Calendar.IsOpen(t)
	}
	if !tc.IsTradingDay(t) {
		return false
	}
	minutes := t.Hour()*60 + t.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}

// -----------------------------------------------------------------------------

// SessionAt classifies t as open, closed or holiday.
func (tc *TradingCalendar) SessionAt(t time.Time) string {
	if !tc.IsTradingDay(t) {
		return SessionHoliday
	}
	if tc.IsOpenAt(t) {
		return SessionOpen
	}
	return SessionClosed
}
