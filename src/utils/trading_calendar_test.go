package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMICForSymbol(t *testing.T) {
	assert.Equal(t, "xnys", MICForSymbol("AAPL"))
	assert.Equal(t, "xlon", MICForSymbol("VOD.L"))
	assert.Equal(t, "xtse", MICForSymbol("SHOP.TO"))
	assert.Equal(t, "xtsx", MICForSymbol("ABC.V"))
	assert.Equal(t, "xnys", MICForSymbol("BRK.B"))
	assert.Equal(t, "xnys", MICForSymbol(".L"))
}

func TestFallbackCalendarSessions(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	tc := &TradingCalendar{MIC: "test", Fallback: true, Timezone: ny}

	// Wednesday 2025-03-05
	assert.Equal(t, SessionOpen, tc.SessionAt(time.Date(2025, 3, 5, 10, 0, 0, 0, ny)))
	assert.Equal(t, SessionClosed, tc.SessionAt(time.Date(2025, 3, 5, 9, 29, 0, 0, ny)))
	assert.Equal(t, SessionClosed, tc.SessionAt(time.Date(2025, 3, 5, 16, 0, 0, 0, ny)))
	// Saturday
	assert.Equal(t, SessionHoliday, tc.SessionAt(time.Date(2025, 3, 8, 12, 0, 0, 0, ny)))
}

func TestSessionResolverCachesPerExchange(t *testing.T) {
	sr := NewSessionResolver()
	sat := time.Date(2025, 3, 8, 15, 0, 0, 0, time.UTC)

	mic, state := sr.Session("AAPL", sat)
	assert.Equal(t, "xnys", mic)
	assert.Equal(t, SessionHoliday, state)

	sr.Session("MSFT", sat)
	sr.Session("VOD.L", sat)
	assert.Equal(t, 2, sr.Loaded())
}
