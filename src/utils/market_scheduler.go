package utils

import (
	"sync"
	"time"
)

// SessionResolver caches one TradingCalendar per exchange and resolves
// symbols to their session state. Safe for concurrent use.
type SessionResolver struct {
	mu        sync.RWMutex
	calendars map[string]*TradingCalendar // by MIC
	now       func() time.Time
}

// -----------------------------------------------------------------------------

func NewSessionResolver() *SessionResolver {
	return &SessionResolver{
		calendars: make(map[string]*TradingCalendar),
		now:       time.Now,
	}
}

// -----------------------------------------------------------------------------

// CalendarFor returns the (cached) calendar of the symbol's exchange.
func (sr *SessionResolver) CalendarFor(symbol string) *TradingCalendar {
	mic := MICForSymbol(symbol)

	sr.mu.RLock()
	cal, ok := sr.calendars[mic]
	sr.mu.RUnlock()
	if ok {
		return cal
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	if cal, ok := sr.calendars[mic]; ok {
		return cal
	}
	cal = LoadCalendar(mic)
	sr.calendars[mic] = cal
	return cal
}

// -----------------------------------------------------------------------------

// Session reports the session state for symbol at t (zero t means now).
func (sr *SessionResolver) Session(symbol string, t time.Time) (mic, state string) {
	if t.IsZero() {
		t = sr.now()
	}
	cal := sr.CalendarFor(symbol)
	return cal.MIC, cal.SessionAt(t)
}

// -----------------------------------------------------------------------------

// Loaded returns how many exchange calendars are cached.
func (sr *SessionResolver) Loaded() int {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return len(sr.calendars)
}
